package signed

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"math/big"

	"github.com/sirupsen/logrus"

	otatuf "github.com/scala-steward/ota-tuf"
	"github.com/scala-steward/ota-tuf/tuf/data"
)

// Verifiers serves as a map of all verifiers available on the system and
// can be injected into a verificationService. For testing and configuration
// purposes, it will not be used by default.
var Verifiers = map[data.SigAlgorithm]Verifier{
	data.EDDSASignature:  Ed25519Verifier{},
	data.ECDSASignature:  ECDSAVerifier{},
	data.RSAPSSSignature: RSAPSSVerifier{},
}

// Verifier checks the signature of a message against a public key
type Verifier interface {
	Verify(key data.PublicKey, sig []byte, msg []byte) error
}

// Ed25519Verifier used to verify Ed25519 signatures
type Ed25519Verifier struct{}

// Verify checks that an ed25519 signature is valid
func (v Ed25519Verifier) Verify(key data.PublicKey, sig []byte, msg []byte) error {
	if key.Algorithm() != data.ED25519Key {
		return ErrInvalidKeyType{}
	}
	if len(sig) != ed25519.SignatureSize {
		logrus.Debugf("signature length is incorrect, must be %d, was %d.", ed25519.SignatureSize, len(sig))
		return ErrInvalid
	}
	if len(key.Public()) != ed25519.PublicKeySize {
		logrus.Debugf("public key is incorrect size, must be %d, was %d.", ed25519.PublicKeySize, len(key.Public()))
		return ErrInvalid
	}
	if !ed25519.Verify(ed25519.PublicKey(key.Public()), msg, sig) {
		logrus.Debugf("failed ed25519 verification")
		return ErrInvalid
	}
	return nil
}

// ECDSAVerifier checks ECDSA signatures, decoding the keyType appropriately
type ECDSAVerifier struct{}

// Verify does the actual check.
func (v ECDSAVerifier) Verify(key data.PublicKey, sig []byte, msg []byte) error {
	if key.Algorithm() != data.ECDSAKey {
		return ErrInvalidKeyType{}
	}

	pubKey, err := x509.ParsePKIXPublicKey(key.Public())
	if err != nil {
		logrus.Debugf("failed to parse DER encoded public key: %v", err)
		return ErrInvalid
	}
	ecdsaPubKey, ok := pubKey.(*ecdsa.PublicKey)
	if !ok {
		logrus.Debugf("value isn't an ECDSA public key")
		return ErrInvalid
	}

	sigLength := len(sig)
	expectedOctetLength := 2 * ((ecdsaPubKey.Params().BitSize + 7) >> 3)
	if sigLength != expectedOctetLength {
		logrus.Debugf("signature had an unexpected length")
		return ErrInvalid
	}

	rBytes, sBytes := sig[:sigLength/2], sig[sigLength/2:]
	r := new(big.Int).SetBytes(rBytes)
	s := new(big.Int).SetBytes(sBytes)

	digest := sha256.Sum256(msg)

	if !ecdsa.Verify(ecdsaPubKey, digest[:], r, s) {
		logrus.Debugf("failed ECDSA signature validation")
		return ErrInvalid
	}

	return nil
}

// RSAPSSVerifier checks RSASSA-PSS signatures
type RSAPSSVerifier struct{}

// Verify does the actual verification
func (v RSAPSSVerifier) Verify(key data.PublicKey, sig []byte, msg []byte) error {
	if key.Algorithm() != data.RSAKey {
		return ErrInvalidKeyType{}
	}

	pubKey, err := x509.ParsePKIXPublicKey(key.Public())
	if err != nil {
		logrus.Debugf("failed to parse DER encoded public key: %v", err)
		return ErrInvalid
	}
	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		logrus.Debugf("value isn't an RSA public key")
		return ErrInvalid
	}

	if rsaPubKey.N.BitLen() < otatuf.MinRSABitSize {
		logrus.Debugf("RSA keys less than %d bits are not acceptable, provided key has length %d.",
			otatuf.MinRSABitSize, rsaPubKey.N.BitLen())
		return ErrInvalidKeyLength{msg: "RSA key too small"}
	}

	if len(sig) < otatuf.MinRSABitSize/8 {
		logrus.Debugf("RSA signature too short, provided signature has length %d.", len(sig))
		return ErrInvalid
	}

	digest := sha256.Sum256(msg)
	opts := rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
	if err = rsa.VerifyPSS(rsaPubKey, crypto.SHA256, digest[:], sig, &opts); err != nil {
		logrus.Debugf("failed RSAPSS verification: %v", err)
		return ErrInvalid
	}
	return nil
}
