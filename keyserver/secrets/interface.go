package secrets

import (
	"github.com/scala-steward/ota-tuf/tuf/data"
)

// Store holds private key material, encrypted at rest. Public halves live in
// the relational key store and reference entries here by key id.
type Store interface {
	// AddKey stores the private half of a key. Each key is written exactly once.
	AddKey(repo data.RepoID, role data.RoleName, key data.PrivateKey) error

	// GetKey returns the private key by id, or ErrKeyNotAvailable when it was
	// never stored or has been taken offline
	GetKey(repo data.RepoID, keyID string) (data.PrivateKey, error)

	// RemoveKey deletes the private half. It is idempotent; removing a key
	// that is already gone is not an error.
	RemoveKey(repo data.RepoID, keyID string) error

	// HealthCheck returns nil when the store is reachable
	HealthCheck() error
}

// ErrKeyNotAvailable is returned when a private key is not in the store,
// either because it never existed or because it was taken offline
type ErrKeyNotAvailable struct {
	KeyID string
}

func (err ErrKeyNotAvailable) Error() string {
	return "private key not available: " + err.KeyID
}
