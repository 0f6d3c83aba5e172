package signed

import "github.com/scala-steward/ota-tuf/tuf/data"

// KeyService provides management of keys locally. It will never accept or
// provide private keys. Communication between the KeyService and a SigningService
// happen behind the Create function.
type KeyService interface {
	// Create issues a new key pair for the given repo and role and is
	// responsible for storing the private portion of the key
	Create(role data.RoleName, repo data.RepoID, keyType data.KeyType) (data.PublicKey, error)

	// GetKey retrieves the public key if present, otherwise it returns nil
	GetKey(keyID string) data.PublicKey

	// GetPrivateKey retrieves the private key and role if present and retrievable,
	// otherwise it returns nil and an error
	GetPrivateKey(keyID string) (data.PrivateKey, data.RoleName, error)

	// RemoveKey deletes the specified key, and returns no error if the key
	// doesn't exist
	RemoveKey(keyID string) error

	// ListKeys returns a list of key IDs for the role, or an empty list or
	// nil if there are no keys
	ListKeys(role data.RoleName) []string

	// ListAllKeys returns a map of all available signing key IDs to role, or
	// an empty map or nil if there are no keys
	ListAllKeys() map[string]data.RoleName
}

// CryptoService is deprecated and all instances of its use should be
// replaced with KeyService
type CryptoService interface {
	KeyService
}
