package boundary

import (
	"errors"
	"fmt"
	"time"
)

// OpenMode gates the access a caller requests when opening a file.
type OpenMode int

const (
	ReadOnly OpenMode = iota
	ReadWrite
)

// CreationMode gates whether OpenFile may create the target, and whether it
// must be new. It mirrors the "exists-required" / "create-if-missing" /
// "fail-if-exists" trio spec.md §4.H names.
type CreationMode int

const (
	// OpenExisting fails unless the file already exists.
	OpenExisting CreationMode = iota
	// Create opens the file if it exists, or creates it if it doesn't.
	Create
	// CreateNew fails if the file already exists.
	CreateNew
)

// ErrAlreadyExists is returned by OpenFile(CreateNew) when the target
// already exists, and by CreateDirectory when the target directory already
// exists.
var ErrAlreadyExists = errors.New("boundary: already exists")

// ErrNotExist is returned by OpenFile(OpenExisting) and by operations
// against a path with no corresponding entry.
var ErrNotExist = errors.New("boundary: does not exist")

// ErrNotEmpty is returned by Remove on a non-empty directory.
var ErrNotEmpty = errors.New("boundary: directory is not empty")

// EntryKind distinguishes the two kinds of entry ReadDirectory reports.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDirectory
)

// DirEntry is one entry returned by Directory.ReadDirectory.
type DirEntry struct {
	Name string
	Kind EntryKind
}

// MetaData is the subset of file/directory metadata the boundary contract
// exposes; package openfile's Buffer.GetMetaData reports the logical size
// half of this for an open file handle, while Directory.GetMetaData reports
// it for a path that may not currently be open.
type MetaData struct {
	Kind       EntryKind
	Size       uint64
	ModifiedAt time.Time
}

// Directory is the capability surface an external directory-container
// collaborator (a WebDAV server, a SQLite VFS, an embedding host
// application) implements. package boundary supplies path normalisation
// and name validation for every method's path argument; it does not supply
// a concrete Directory of its own outside of tests.
type Directory interface {
	// CreateDirectory creates the directory named by path, which must not
	// already exist, failing with ErrAlreadyExists otherwise. The parent
	// of path must already exist.
	CreateDirectory(path Path) error

	// OpenFile opens or creates the file named by path according to mode
	// and creation, returning an identifier the caller hands to package
	// openfile's Open/New to obtain a content Buffer.
	OpenFile(path Path, mode OpenMode, creation CreationMode) (FileHandle, error)

	// ReadDirectory lists the immediate children of the directory named by
	// path.
	ReadDirectory(path Path) ([]DirEntry, error)

	// GetMetaData reports metadata for the file or directory named by
	// path.
	GetMetaData(path Path) (MetaData, error)

	// Remove deletes the file, or the directory (which must be empty),
	// named by path.
	Remove(path Path) error

	// Rename moves the entry named by from to the name/location named by
	// to, which must not already exist.
	Rename(from, to Path) error
}

// FileHandle is an opaque identifier a Directory implementation returns
// from OpenFile, sufficient for the collaborator to locate the file's
// snapshot root and logical size when constructing an openfile.Buffer via
// openfile.Open.
type FileHandle interface {
	// Snapshot and Size are typically obtained by the collaborator from
	// its own metadata store and passed directly to openfile.Open; this
	// interface exists only to give OpenFile a concrete return type without
	// this package depending on openfile.
	fmt.Stringer
}
