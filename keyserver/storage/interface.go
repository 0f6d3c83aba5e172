package storage

import (
	"time"

	"github.com/scala-steward/ota-tuf/tuf/data"
)

// KeyStore is the key server's persistence interface. Public key halves,
// key generation requests and signed root role versions all live here; the
// private key halves live in the secret store.
type KeyStore interface {
	// AddKeyGenRequests records units of work for the key generation engine
	AddKeyGenRequests(requests ...KeyGenRequest) error

	// PendingKeyGenRequests returns up to limit requests in REQUESTED state,
	// oldest first
	PendingKeyGenRequests(limit int) ([]KeyGenRequest, error)

	// RepoKeyGenRequests returns every request recorded for the repo
	RepoKeyGenRequests(repo data.RepoID) ([]KeyGenRequest, error)

	// FinishKeyGenRequest persists the generated public key and flips the
	// request to GENERATED in a single transaction
	FinishKeyGenRequest(request KeyGenRequest, key Key) error

	// FailKeyGenRequest flips the request to ERROR, recording the cause
	FailKeyGenRequest(requestID string, cause string) error

	// RetryKeyGenRequests moves every ERROR request of the repo back to
	// REQUESTED and returns how many were moved
	RetryKeyGenRequests(repo data.RepoID) (int64, error)

	// AddKey stores a public key half
	AddKey(key Key) error

	// RepoKeys returns every key of the repo
	RepoKeys(repo data.RepoID) ([]Key, error)

	// GetKey returns a single key of the repo by key id
	GetKey(repo data.RepoID, keyID string) (Key, error)

	// MarkKeyOffline clears the private key reference. It is idempotent.
	MarkKeyOffline(repo data.RepoID, keyID string) error

	// AddSignedRoot persists a new root role version. Inserting a version
	// that is not strictly newer than the stored maximum fails with
	// ErrOldVersion.
	AddSignedRoot(repo data.RepoID, version int, expires time.Time, content []byte) error

	// LatestSignedRoot returns the highest persisted root role version
	LatestSignedRoot(repo data.RepoID) (SignedRootRole, error)

	// SignedRootVersion returns a specific persisted root role version
	SignedRootVersion(repo data.RepoID, version int) (SignedRootRole, error)

	// CheckHealth returns nil when the store is reachable
	CheckHealth() error
}
