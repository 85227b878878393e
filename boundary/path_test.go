package boundary_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nonlocality-labs/prollytree/boundary"
)

func TestValidateFileName(t *testing.T) {
	cases := []struct {
		name    string
		wantErr error
	}{
		{"", boundary.ErrEmptyName},
		{"notes.txt", nil},
		{"a/b", boundary.ErrDisallowedChar},
		{"a\\b", boundary.ErrDisallowedChar},
		{"a\x00b", boundary.ErrDisallowedChar},
		{"CON", boundary.ErrReservedName},
		{"con.txt", boundary.ErrReservedName},
		{"Con", boundary.ErrReservedName},
		{"controller.txt", nil},
		{"LPT1", boundary.ErrReservedName},
	}
	for _, c := range cases {
		err := boundary.ValidateFileName(c.name)
		if c.wantErr == nil {
			require.NoError(t, err, "name %q", c.name)
		} else {
			require.ErrorIs(t, err, c.wantErr, "name %q", c.name)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	p, err := boundary.NormalizePath("/a/./b/../c")
	require.NoError(t, err)
	require.True(t, p.Absolute)
	require.Equal(t, []string{"a", "c"}, p.Components)
	require.Equal(t, "/a/c", p.String())

	p, err = boundary.NormalizePath("a/b")
	require.NoError(t, err)
	require.False(t, p.Absolute)
	require.Equal(t, []string{"a", "b"}, p.Components)

	p, err = boundary.NormalizePath("../outside")
	require.NoError(t, err)
	require.Equal(t, []string{"..", "outside"}, p.Components)

	_, err = boundary.NormalizePath("/../escape")
	require.Error(t, err)

	p, err = boundary.NormalizePath("/")
	require.NoError(t, err)
	require.True(t, p.IsRoot())
}

func TestNormalizePathRejectsBadComponent(t *testing.T) {
	_, err := boundary.NormalizePath("/a/CON/b")
	require.ErrorIs(t, err, boundary.ErrReservedName)
}
