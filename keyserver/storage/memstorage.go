package storage

import (
	"sync"
	"time"

	"github.com/scala-steward/ota-tuf/tuf/data"
)

// MemStorage is an in memory KeyStore. Used mostly in tests.
type MemStorage struct {
	lock     sync.Mutex
	requests []KeyGenRequest
	keys     []Key
	roots    map[string][]SignedRootRole
}

// NewMemStorage instantiates a memStorage instance
func NewMemStorage() *MemStorage {
	return &MemStorage{
		roots: make(map[string][]SignedRootRole),
	}
}

// AddKeyGenRequests records units of work for the key generation engine
func (st *MemStorage) AddKeyGenRequests(requests ...KeyGenRequest) error {
	st.lock.Lock()
	defer st.lock.Unlock()
	for _, req := range requests {
		for _, existing := range st.requests {
			if existing.RequestID == req.RequestID {
				return ErrRequestExists{}
			}
		}
		st.requests = append(st.requests, req)
	}
	return nil
}

// PendingKeyGenRequests returns up to limit requests in REQUESTED state
func (st *MemStorage) PendingKeyGenRequests(limit int) ([]KeyGenRequest, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	var pending []KeyGenRequest
	for _, req := range st.requests {
		if req.Status == KeyGenRequested {
			pending = append(pending, req)
			if len(pending) == limit {
				break
			}
		}
	}
	return pending, nil
}

// RepoKeyGenRequests returns every request recorded for the repo
func (st *MemStorage) RepoKeyGenRequests(repo data.RepoID) ([]KeyGenRequest, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	var reqs []KeyGenRequest
	for _, req := range st.requests {
		if req.Repo == repo.String() {
			reqs = append(reqs, req)
		}
	}
	return reqs, nil
}

// FinishKeyGenRequest persists the public key and flips the request to GENERATED
func (st *MemStorage) FinishKeyGenRequest(request KeyGenRequest, key Key) error {
	st.lock.Lock()
	defer st.lock.Unlock()
	for _, existing := range st.keys {
		if existing.KeyID == key.KeyID {
			return ErrKeyExists{KeyID: key.KeyID}
		}
	}
	for i := range st.requests {
		if st.requests[i].RequestID == request.RequestID {
			st.keys = append(st.keys, key)
			st.requests[i].Status = KeyGenGenerated
			st.requests[i].Cause = ""
			return nil
		}
	}
	return ErrNotFound{}
}

// FailKeyGenRequest flips the request to ERROR, recording the cause
func (st *MemStorage) FailKeyGenRequest(requestID string, cause string) error {
	st.lock.Lock()
	defer st.lock.Unlock()
	for i := range st.requests {
		if st.requests[i].RequestID == requestID {
			st.requests[i].Status = KeyGenError
			st.requests[i].Cause = cause
			return nil
		}
	}
	return ErrNotFound{}
}

// RetryKeyGenRequests moves every ERROR request of the repo back to REQUESTED
func (st *MemStorage) RetryKeyGenRequests(repo data.RepoID) (int64, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	var moved int64
	for i := range st.requests {
		if st.requests[i].Repo == repo.String() && st.requests[i].Status == KeyGenError {
			st.requests[i].Status = KeyGenRequested
			st.requests[i].Cause = ""
			moved++
		}
	}
	return moved, nil
}

// AddKey stores a public key half
func (st *MemStorage) AddKey(key Key) error {
	st.lock.Lock()
	defer st.lock.Unlock()
	for _, existing := range st.keys {
		if existing.KeyID == key.KeyID {
			return ErrKeyExists{KeyID: key.KeyID}
		}
	}
	st.keys = append(st.keys, key)
	return nil
}

// RepoKeys returns every key of the repo
func (st *MemStorage) RepoKeys(repo data.RepoID) ([]Key, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	var keys []Key
	for _, key := range st.keys {
		if key.Repo == repo.String() {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// GetKey returns a single key of the repo by key id
func (st *MemStorage) GetKey(repo data.RepoID, keyID string) (Key, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	for _, key := range st.keys {
		if key.Repo == repo.String() && key.KeyID == keyID {
			return key, nil
		}
	}
	return Key{}, ErrNotFound{}
}

// MarkKeyOffline clears the private key reference. It is idempotent.
func (st *MemStorage) MarkKeyOffline(repo data.RepoID, keyID string) error {
	st.lock.Lock()
	defer st.lock.Unlock()
	for i := range st.keys {
		if st.keys[i].Repo == repo.String() && st.keys[i].KeyID == keyID {
			st.keys[i].PrivateRef = ""
		}
	}
	return nil
}

// AddSignedRoot persists a new root role version
func (st *MemStorage) AddSignedRoot(repo data.RepoID, version int, expires time.Time, content []byte) error {
	st.lock.Lock()
	defer st.lock.Unlock()
	roots := st.roots[repo.String()]
	if len(roots) > 0 && roots[len(roots)-1].Version >= version {
		return ErrOldVersion{}
	}
	st.roots[repo.String()] = append(roots, SignedRootRole{
		Repo:      repo.String(),
		Version:   version,
		ExpiresAt: expires,
		Content:   content,
	})
	return nil
}

// LatestSignedRoot returns the highest persisted root role version
func (st *MemStorage) LatestSignedRoot(repo data.RepoID) (SignedRootRole, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	roots := st.roots[repo.String()]
	if len(roots) == 0 {
		return SignedRootRole{}, ErrNotFound{}
	}
	return roots[len(roots)-1], nil
}

// SignedRootVersion returns a specific persisted root role version
func (st *MemStorage) SignedRootVersion(repo data.RepoID, version int) (SignedRootRole, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	for _, root := range st.roots[repo.String()] {
		if root.Version == version {
			return root, nil
		}
	}
	return SignedRootRole{}, ErrNotFound{}
}

// CheckHealth returns nil
func (st *MemStorage) CheckHealth() error {
	return nil
}
