package targetstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/ioutil"
	"sync"

	"github.com/scala-steward/ota-tuf/tuf/data"
)

// MemoryStore is an in-memory BlobStore for testing
type MemoryStore struct {
	lock  sync.Mutex
	blobs map[string][]byte
}

// NewMemoryStore instantiates a MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func blobKey(repo data.RepoID, filename string) string {
	return repo.String() + "/" + filename
}

// Store consumes the reader and keeps the blob in memory
func (s *MemoryStore) Store(repo data.RepoID, filename string, r io.Reader) (int64, string, error) {
	content, err := ioutil.ReadAll(r)
	if err != nil {
		return 0, "", err
	}
	digest := sha256.Sum256(content)

	s.lock.Lock()
	defer s.lock.Unlock()
	s.blobs[blobKey(repo, filename)] = content
	return int64(len(content)), hex.EncodeToString(digest[:]), nil
}

// Retrieve opens a stored blob for reading
func (s *MemoryStore) Retrieve(repo data.RepoID, filename string) (io.ReadCloser, int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	content, ok := s.blobs[blobKey(repo, filename)]
	if !ok {
		return nil, 0, ErrBlobNotFound{Filename: filename}
	}
	return ioutil.NopCloser(bytes.NewReader(content)), int64(len(content)), nil
}

// Exists reports whether a blob is stored
func (s *MemoryStore) Exists(repo data.RepoID, filename string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	_, ok := s.blobs[blobKey(repo, filename)]
	return ok
}

// Delete removes a blob
func (s *MemoryStore) Delete(repo data.RepoID, filename string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.blobs, blobKey(repo, filename))
	return nil
}
