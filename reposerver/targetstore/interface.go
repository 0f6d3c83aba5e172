package targetstore

import (
	"io"

	"github.com/scala-steward/ota-tuf/tuf/data"
)

// BlobStore holds the binary content of server-managed targets. Filenames
// are the target paths from the targets role, which may contain slashes.
type BlobStore interface {
	// Store consumes the reader and persists the blob, returning its length
	// and sha256 checksum in hex
	Store(repo data.RepoID, filename string, r io.Reader) (int64, string, error)

	// Retrieve opens a stored blob for reading
	Retrieve(repo data.RepoID, filename string) (io.ReadCloser, int64, error)

	// Exists reports whether a blob is stored
	Exists(repo data.RepoID, filename string) bool

	// Delete removes a blob. Deleting an absent blob is not an error.
	Delete(repo data.RepoID, filename string) error
}

// ErrBlobNotFound is returned by Retrieve when no blob is stored under the
// given name
type ErrBlobNotFound struct {
	Filename string
}

func (err ErrBlobNotFound) Error() string {
	return "no blob stored for " + err.Filename
}
