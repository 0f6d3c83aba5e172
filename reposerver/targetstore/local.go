package targetstore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scala-steward/ota-tuf/tuf/data"
)

// LocalStore keeps target blobs on the local filesystem, one directory per
// repo. Blobs are written to a temp file first so a failed upload never
// replaces a good blob.
type LocalStore struct {
	root string
}

// NewLocalStore creates the base directory if needed
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, errors.Wrap(err, "could not create blob store root")
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(repo data.RepoID, filename string) (string, error) {
	// target paths use forward slashes regardless of host OS
	clean := filepath.Clean(filepath.FromSlash(filename))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", errors.Errorf("invalid target filename: %s", filename)
	}
	return filepath.Join(s.root, repo.String(), clean), nil
}

// Store consumes the reader and persists the blob, returning its length and
// sha256 checksum in hex
func (s *LocalStore) Store(repo data.RepoID, filename string, r io.Reader) (int64, string, error) {
	dest, err := s.path(repo, filename)
	if err != nil {
		return 0, "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return 0, "", errors.Wrap(err, "could not create blob directory")
	}

	tmp := filepath.Join(s.root, repo.String(), ".upload-"+uuid.New().String())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return 0, "", errors.Wrap(err, "could not create upload file")
	}

	digest := sha256.New()
	length, err := io.Copy(io.MultiWriter(f, digest), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, "", errors.Wrap(err, "could not write blob")
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, "", errors.Wrap(err, "could not move blob into place")
	}
	return length, hex.EncodeToString(digest.Sum(nil)), nil
}

// Retrieve opens a stored blob for reading
func (s *LocalStore) Retrieve(repo data.RepoID, filename string) (io.ReadCloser, int64, error) {
	path, err := s.path(repo, filename)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, ErrBlobNotFound{Filename: filename}
	} else if err != nil {
		return nil, 0, errors.Wrap(err, "could not open blob")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errors.Wrap(err, "could not stat blob")
	}
	return f, info.Size(), nil
}

// Exists reports whether a blob is stored
func (s *LocalStore) Exists(repo data.RepoID, filename string) bool {
	path, err := s.path(repo, filename)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Delete removes a blob. Deleting an absent blob is not an error.
func (s *LocalStore) Delete(repo data.RepoID, filename string) error {
	path, err := s.path(repo, filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "could not delete blob")
	}
	return nil
}
