package signed

// The Sign function is a choke point for all code paths that do signing.
// The signed payload is always the canonical JSON of the signed attribute;
// signatures by keys that are no longer part of the signing key set are
// dropped unless they still verify and are explicitly whitelisted.

import (
	"crypto/rand"

	"github.com/docker/go/canonical/json"
	"github.com/sirupsen/logrus"

	"github.com/scala-steward/ota-tuf/tuf/data"
)

// Sign takes a data.Signed and a cryptoservice containing private keys,
// calculates and adds at least minSignature signatures using signingKeys the
// data.Signed. It will also clean up any signatures that are not in produced
// by either a signingKey or an otherWhitelistedKey.
// Note that in most cases, otherWhitelistedKeys should probably be null. They
// are for keys you don't want to sign with, but you also don't want to remove
// existing signatures by those keys. For instance, a root rotation must keep
// the previous root keys' signatures even though they no longer appear in the
// new root's key set.
func Sign(service CryptoService, s *data.Signed, signingKeys []data.PublicKey,
	minSignatures int, otherWhitelistedKeys []data.PublicKey) error {

	logrus.Debugf("sign called with %d/%d required keys", minSignatures, len(signingKeys))
	signatures := make([]data.Signature, 0, len(s.Signatures)+1)
	signingKeyIDs := make(map[string]struct{})
	tufIDs := make(map[string]data.PublicKey)

	privKeys := make(map[string]data.PrivateKey)

	// Get all the private key objects related to the public keys
	missingKeyIDs := []string{}
	for _, key := range signingKeys {
		keyID := key.ID()
		tufIDs[keyID] = key
		k, _, err := service.GetPrivateKey(keyID)
		if err != nil {
			if _, ok := err.(ErrKeyNotFound); ok {
				missingKeyIDs = append(missingKeyIDs, keyID)
				continue
			}
			return err
		}
		privKeys[keyID] = k
	}

	// include the list of otherWhitelistedKeys
	for _, key := range otherWhitelistedKeys {
		if _, ok := tufIDs[key.ID()]; !ok {
			tufIDs[key.ID()] = key
		}
	}

	// Check to ensure we have enough signing keys
	if len(privKeys) < minSignatures {
		return ErrInsufficientSignatures{FoundKeys: len(privKeys),
			NeededKeys: minSignatures, MissingKeyIDs: missingKeyIDs}
	}

	// the payload every signature covers
	var decoded map[string]interface{}
	if err := json.Unmarshal(*s.Signed, &decoded); err != nil {
		return err
	}
	msg, err := data.MarshalCanonical(decoded)
	if err != nil {
		return err
	}

	emptyStruct := struct{}{}
	// Do signing and generate list of signatures
	for keyID, pk := range privKeys {
		sig, err := pk.Sign(rand.Reader, msg)
		if err != nil {
			logrus.Debugf("Failed to sign with key: %s. Reason: %v", keyID, err)
			return err
		}
		signingKeyIDs[keyID] = emptyStruct
		signatures = append(signatures, data.Signature{
			KeyID:     keyID,
			Method:    pk.SigAlgorithm(),
			Signature: sig[:],
		})
	}

	for i := range s.Signatures {
		sig := s.Signatures[i]
		if _, ok := signingKeyIDs[sig.KeyID]; ok {
			// key is in the set of key IDs for which a signature has been created
			continue
		}
		var (
			k  data.PublicKey
			ok bool
		)
		if k, ok = tufIDs[sig.KeyID]; !ok {
			// key is no longer a valid signing key
			continue
		}
		if err := VerifySignature(msg, &sig, k); err != nil {
			// signature is no longer valid
			continue
		}
		// keep any signatures that still represent valid keys and are
		// themselves valid
		signatures = append(signatures, sig)
	}
	s.Signatures = signatures
	return nil
}

// ErrKeyNotFound is returned when the private key for a key ID is not in the
// key service
type ErrKeyNotFound struct {
	KeyID string
}

func (e ErrKeyNotFound) Error() string {
	return "signing key not found: " + e.KeyID
}
