package cryptoservice

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/scala-steward/ota-tuf/tuf/data"
	"github.com/scala-steward/ota-tuf/tuf/signed"
)

// KeyStore is the storage a CryptoService generates into and signs out of.
// Implementations hold private key material, possibly encrypted at rest.
type KeyStore interface {
	AddKey(role data.RoleName, repo data.RepoID, key data.PrivateKey) error
	GetKey(keyID string) (data.PrivateKey, data.RoleName, error)
	RemoveKey(keyID string) error
	ListKeys() map[string]data.RoleName
}

// CryptoService implements Sign and Create over one or more key stores
type CryptoService struct {
	keyStores []KeyStore
}

// NewCryptoService returns an instance of CryptoService
func NewCryptoService(keyStores ...KeyStore) *CryptoService {
	return &CryptoService{keyStores: keyStores}
}

// Create is used to generate keys for targets, snapshots and timestamps
func (cs *CryptoService) Create(role data.RoleName, repo data.RepoID, keyType data.KeyType) (data.PublicKey, error) {
	if !data.ValidKeyType(keyType) {
		return nil, fmt.Errorf("key type not supported for key generation: %s", keyType)
	}

	privKey, err := GeneratePrivateKey(keyType, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %v", keyType, err)
	}
	logrus.Debugf("generated new %s key for role: %s and keyID: %s", keyType, role, privKey.ID())
	pubKey := data.PublicKeyFromPrivate(privKey)
	return pubKey, cs.AddKey(role, repo, privKey)
}

// GetPrivateKey returns the first private key found by keyID across the
// configured key stores
func (cs *CryptoService) GetPrivateKey(keyID string) (data.PrivateKey, data.RoleName, error) {
	for _, ks := range cs.keyStores {
		k, role, err := ks.GetKey(keyID)
		if err == nil {
			return k, role, nil
		}
	}
	return nil, "", signed.ErrKeyNotFound{KeyID: keyID}
}

// GetKey returns the public key part of the key identified by keyID
func (cs *CryptoService) GetKey(keyID string) data.PublicKey {
	privKey, _, err := cs.GetPrivateKey(keyID)
	if err != nil {
		return nil
	}
	return data.PublicKeyFromPrivate(privKey)
}

// RemoveKey deletes the key identified by keyID from every key store
func (cs *CryptoService) RemoveKey(keyID string) error {
	for _, ks := range cs.keyStores {
		if err := ks.RemoveKey(keyID); err != nil {
			return err
		}
	}
	return nil
}

// AddKey adds a private key to the first configured key store
func (cs *CryptoService) AddKey(role data.RoleName, repo data.RepoID, key data.PrivateKey) error {
	if len(cs.keyStores) == 0 {
		return fmt.Errorf("no key stores configured")
	}
	return cs.keyStores[0].AddKey(role, repo, key)
}

// ListKeys returns the IDs of all the keys held for the given role
func (cs *CryptoService) ListKeys(role data.RoleName) []string {
	var res []string
	for _, ks := range cs.keyStores {
		for id, keyRole := range ks.ListKeys() {
			if keyRole == role {
				res = append(res, id)
			}
		}
	}
	return res
}

// ListAllKeys returns a map of key ID to role for all keys held
func (cs *CryptoService) ListAllKeys() map[string]data.RoleName {
	res := make(map[string]data.RoleName)
	for _, ks := range cs.keyStores {
		for id, role := range ks.ListKeys() {
			res[id] = role
		}
	}
	return res
}
