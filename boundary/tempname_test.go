package boundary_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nonlocality-labs/prollytree/boundary"
)

func TestGenerateTemporaryNameAvoidsExisting(t *testing.T) {
	seen := map[string]bool{}
	name, err := boundary.GenerateTemporaryName(func(n string) bool { return seen[n] })
	require.NoError(t, err)
	require.NotEmpty(t, name)

	seen[name] = true
	second, err := boundary.GenerateTemporaryName(func(n string) bool { return seen[n] })
	require.NoError(t, err)
	require.NotEqual(t, name, second)
}

func TestGenerateTemporaryNameGivesUpEventually(t *testing.T) {
	_, err := boundary.GenerateTemporaryName(func(string) bool { return true })
	require.Error(t, err)
}
