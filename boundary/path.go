// Package boundary implements spec.md §4.H: path normalisation, file-name
// validation, open-mode semantics, and the Directory capability surface
// external collaborators (a WebDAV front end, a SQLite VFS) implement
// against. It supplies the contract, not a directory tree: the only
// concrete implementation in this module lives in the test files, backed
// by github.com/spf13/afero.
package boundary

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Errors returned by path and name validation.
var (
	ErrEmptyName      = errors.New("boundary: file name must not be empty")
	ErrInvalidUTF8    = errors.New("boundary: file name is not valid UTF-8")
	ErrDisallowedChar = errors.New("boundary: file name contains a disallowed character")
	ErrReservedName   = errors.New("boundary: file name is a Windows-reserved device name")
)

// reservedNames are the Windows device names disallowed as a file name,
// case-insensitively and regardless of extension (e.g. "con.txt" is still
// reserved).
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// ValidateFileName reports whether name is a valid file-name component per
// spec.md §4.H: a non-empty UTF-8 string containing none of '/', '\', '\0',
// and not a Windows-reserved device name.
func ValidateFileName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	if !utf8.ValidString(name) {
		return ErrInvalidUTF8
	}
	for _, r := range name {
		switch r {
		case '/', '\\', 0:
			return fmt.Errorf("%w: %q", ErrDisallowedChar, r)
		}
	}
	if reservedNames[strings.ToUpper(stemOf(name))] {
		return fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	return nil
}

// stemOf returns name with its first '.'-delimited extension removed, the
// way Windows treats "con.txt" as equivalent to the reserved name "con".
func stemOf(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// Path is a normalised sequence of path components, with the
// absolute-vs-relative distinction carried explicitly rather than inferred
// from a leading separator in the reassembled string.
type Path struct {
	Absolute   bool
	Components []string
}

// NormalizePath splits raw on '/' and '\', elides "." components, pops a
// component on "..", and validates every remaining component as a file
// name. A ".." at the root of a relative path is kept (there is nothing to
// pop into); a ".." at the root of an absolute path is rejected as invalid,
// since it would escape the container's root.
func NormalizePath(raw string) (Path, error) {
	absolute := strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "\\")
	raw = strings.ReplaceAll(raw, "\\", "/")

	var out []string
	for _, part := range strings.Split(raw, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
				continue
			}
			if absolute {
				return Path{}, fmt.Errorf("boundary: %q escapes the container root", raw)
			}
			out = append(out, "..")
		default:
			if err := ValidateFileName(part); err != nil {
				return Path{}, fmt.Errorf("boundary: component %q: %w", part, err)
			}
			out = append(out, part)
		}
	}
	return Path{Absolute: absolute, Components: out}, nil
}

// String reassembles p into a '/'-separated path.
func (p Path) String() string {
	joined := strings.Join(p.Components, "/")
	if p.Absolute {
		return "/" + joined
	}
	return joined
}

// IsRoot reports whether p has no components, i.e. it names the
// container's root directory (only meaningful when p.Absolute).
func (p Path) IsRoot() bool {
	return len(p.Components) == 0
}
