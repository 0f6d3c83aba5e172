package secrets

import (
	"sync"

	"github.com/scala-steward/ota-tuf/tuf/data"
)

// MemoryStore is an in memory secrets Store. Used mostly in tests.
type MemoryStore struct {
	lock sync.Mutex
	keys map[string]data.PrivateKey
}

// NewMemoryStore instantiates a MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]data.PrivateKey),
	}
}

func memKey(repo data.RepoID, keyID string) string {
	return repo.String() + "/" + keyID
}

// AddKey stores the private half of a key
func (st *MemoryStore) AddKey(repo data.RepoID, role data.RoleName, key data.PrivateKey) error {
	st.lock.Lock()
	defer st.lock.Unlock()
	st.keys[memKey(repo, key.ID())] = key
	return nil
}

// GetKey returns the private key by id
func (st *MemoryStore) GetKey(repo data.RepoID, keyID string) (data.PrivateKey, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	key, ok := st.keys[memKey(repo, keyID)]
	if !ok {
		return nil, ErrKeyNotAvailable{KeyID: keyID}
	}
	return key, nil
}

// RemoveKey deletes the private half. It is idempotent.
func (st *MemoryStore) RemoveKey(repo data.RepoID, keyID string) error {
	st.lock.Lock()
	defer st.lock.Unlock()
	delete(st.keys, memKey(repo, keyID))
	return nil
}

// HealthCheck returns nil
func (st *MemoryStore) HealthCheck() error {
	return nil
}
