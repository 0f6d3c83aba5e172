package cryptoservice

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	otatuf "github.com/scala-steward/ota-tuf"
	"github.com/scala-steward/ota-tuf/tuf/data"
)

// GeneratePrivateKey produces a fresh key pair of the given type. RSA keys
// smaller than otatuf.MinRSABitSize are refused; rsaBits <= 0 selects the
// minimum size.
func GeneratePrivateKey(keyType data.KeyType, rsaBits int) (data.PrivateKey, error) {
	switch keyType {
	case data.ED25519Key:
		return generateED25519Key()
	case data.ECDSAKey:
		return generateECDSAKey()
	case data.RSAKey:
		if rsaBits <= 0 {
			rsaBits = otatuf.MinRSABitSize
		}
		if rsaBits < otatuf.MinRSABitSize {
			return nil, fmt.Errorf("RSA bit size %d is below the %d bit minimum", rsaBits, otatuf.MinRSABitSize)
		}
		return generateRSAKey(rsaBits)
	default:
		return nil, fmt.Errorf("private key type not supported for key generation: %s", keyType)
	}
}

func generateED25519Key() (data.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return data.NewED25519PrivateKey(pub, priv)
}

func generateECDSAKey() (data.PrivateKey, error) {
	ecdsaPrivKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	ecdsaPrivKeyBytes, err := x509.MarshalECPrivateKey(ecdsaPrivKey)
	if err != nil {
		return nil, err
	}
	ecdsaPubKeyBytes, err := x509.MarshalPKIXPublicKey(&ecdsaPrivKey.PublicKey)
	if err != nil {
		return nil, err
	}
	return data.NewECDSAPrivateKey(ecdsaPubKeyBytes, ecdsaPrivKeyBytes)
}

func generateRSAKey(bits int) (data.PrivateKey, error) {
	rsaPrivKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}

	rsaPrivKeyBytes := x509.MarshalPKCS1PrivateKey(rsaPrivKey)
	rsaPubKeyBytes, err := x509.MarshalPKIXPublicKey(&rsaPrivKey.PublicKey)
	if err != nil {
		return nil, err
	}
	return data.NewRSAPrivateKey(rsaPubKeyBytes, rsaPrivKeyBytes)
}
