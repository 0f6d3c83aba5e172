package data

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/docker/go/canonical/json"
)

// KeyType denotes the cryptosystem of a key
type KeyType string

func (t KeyType) String() string {
	return string(t)
}

// Key types
const (
	ED25519Key KeyType = "ed25519"
	ECDSAKey   KeyType = "ecdsa-sha2-nistp256"
	RSAKey     KeyType = "rsa"
)

// KeyTypes lists every supported key type
var KeyTypes = []KeyType{ED25519Key, ECDSAKey, RSAKey}

// ValidKeyType returns true for a supported key type
func ValidKeyType(t KeyType) bool {
	for _, k := range KeyTypes {
		if t == k {
			return true
		}
	}
	return false
}

// SigAlgorithm returns the signature scheme keys of this type produce
func (t KeyType) SigAlgorithm() SigAlgorithm {
	switch t {
	case ED25519Key:
		return EDDSASignature
	case ECDSAKey:
		return ECDSASignature
	case RSAKey:
		return RSAPSSSignature
	}
	return ""
}

// PublicKey is the necessary interface for public keys
type PublicKey interface {
	ID() string
	Algorithm() KeyType
	SigAlgorithm() SigAlgorithm
	Public() []byte
}

// PrivateKey adds the ability to access the private key
type PrivateKey interface {
	PublicKey
	Private() []byte
	Sign(rand io.Reader, msg []byte) ([]byte, error)
}

// KeyPair holds the public and private key bytes. The private half is
// omitted from serialization unless explicitly present.
type KeyPair struct {
	Public  HexBytes `json:"public"`
	Private HexBytes `json:"private,omitempty"`
}

// TUFKey is the structure used for both public and private keys in TUF.
// Normally it would make sense to use a different structure for public and
// private keys, but that would change the key ID algorithm (since the canonical
// JSON would be different). The private bytes are always stripped before
// computing the ID, so the ID is content-addressed on the public half only.
type TUFKey struct {
	id     string
	Type   KeyType      `json:"keytype"`
	Value  KeyPair      `json:"keyval"`
	Scheme SigAlgorithm `json:"scheme"`
}

// Algorithm returns the key type
func (k TUFKey) Algorithm() KeyType {
	return k.Type
}

// SigAlgorithm returns the signature scheme of the key
func (k TUFKey) SigAlgorithm() SigAlgorithm {
	return k.Scheme
}

// ID efficiently generates if necessary and caches the ID of the key: the
// lowercase hex SHA-256 of the canonical JSON of the public key document.
func (k *TUFKey) ID() string {
	if k.id == "" {
		pubK := TUFKey{Type: k.Type, Value: KeyPair{Public: k.Value.Public}, Scheme: k.Scheme}
		data, err := MarshalCanonical(&pubK)
		if err != nil {
			logFatal("error generating key ID", err)
		}
		digest := sha256.Sum256(data)
		k.id = hex.EncodeToString(digest[:])
	}
	return k.id
}

// Public returns the public bytes: raw for ed25519, PKIX DER otherwise
func (k TUFKey) Public() []byte {
	return k.Value.Public
}

func logFatal(msg string, err error) {
	// key ID generation only fails if canonical marshalling of a fixed
	// structure fails, which means memory corruption
	panic(fmt.Sprintf("%s: %v", msg, err))
}

// NewPublicKey instantiates a new public key of the given type
func NewPublicKey(t KeyType, public []byte) PublicKey {
	return &TUFKey{
		Type:   t,
		Value:  KeyPair{Public: public},
		Scheme: t.SigAlgorithm(),
	}
}

// UnmarshalPublicKey parses a TUF public key document, stripping any private
// material that may be present
func UnmarshalPublicKey(raw []byte) (PublicKey, error) {
	var parsed TUFKey
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	if !ValidKeyType(parsed.Type) {
		return nil, fmt.Errorf("unsupported key type: %s", parsed.Type)
	}
	return NewPublicKey(parsed.Type, parsed.Value.Public), nil
}

// Keys is the mapping of key IDs to public keys, with custom unmarshalling
// so values satisfy the PublicKey interface
type Keys map[string]PublicKey

// UnmarshalJSON implements the json.Unmarshaller interface
func (ks *Keys) UnmarshalJSON(data []byte) error {
	parsed := make(map[string]TUFKey)
	err := json.Unmarshal(data, &parsed)
	if err != nil {
		return err
	}
	final := make(Keys)
	for k, tk := range parsed {
		final[k] = NewPublicKey(tk.Type, tk.Value.Public)
	}
	*ks = final
	return nil
}

// ED25519PrivateKey is an ed25519 keypair; the private bytes are the 64 byte
// expanded form
type ED25519PrivateKey struct {
	TUFKey
}

// ECDSAPrivateKey is a P-256 keypair; the private bytes are SEC1 DER
type ECDSAPrivateKey struct {
	TUFKey
}

// RSAPrivateKey is an RSA keypair; the private bytes are PKCS#1 DER
type RSAPrivateKey struct {
	TUFKey
}

// NewED25519PrivateKey wraps raw ed25519 key material
func NewED25519PrivateKey(public, private []byte) (*ED25519PrivateKey, error) {
	if len(private) != ed25519.PrivateKeySize || len(public) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("malformed ed25519 key material")
	}
	return &ED25519PrivateKey{TUFKey{
		Type:   ED25519Key,
		Value:  KeyPair{Public: public, Private: private},
		Scheme: EDDSASignature,
	}}, nil
}

// NewECDSAPrivateKey wraps DER encoded P-256 key material
func NewECDSAPrivateKey(public, private []byte) (*ECDSAPrivateKey, error) {
	if _, err := x509.ParseECPrivateKey(private); err != nil {
		return nil, fmt.Errorf("malformed ecdsa key material: %v", err)
	}
	return &ECDSAPrivateKey{TUFKey{
		Type:   ECDSAKey,
		Value:  KeyPair{Public: public, Private: private},
		Scheme: ECDSASignature,
	}}, nil
}

// NewRSAPrivateKey wraps PKCS#1 DER encoded RSA key material
func NewRSAPrivateKey(public, private []byte) (*RSAPrivateKey, error) {
	if _, err := x509.ParsePKCS1PrivateKey(private); err != nil {
		return nil, fmt.Errorf("malformed rsa key material: %v", err)
	}
	return &RSAPrivateKey{TUFKey{
		Type:   RSAKey,
		Value:  KeyPair{Public: public, Private: private},
		Scheme: RSAPSSSignature,
	}}, nil
}

// NewPrivateKey instantiates the typed private key for the public key's
// algorithm
func NewPrivateKey(pub PublicKey, private []byte) (PrivateKey, error) {
	switch pub.Algorithm() {
	case ED25519Key:
		return NewED25519PrivateKey(pub.Public(), private)
	case ECDSAKey:
		return NewECDSAPrivateKey(pub.Public(), private)
	case RSAKey:
		return NewRSAPrivateKey(pub.Public(), private)
	}
	return nil, fmt.Errorf("unsupported key type: %s", pub.Algorithm())
}

// PublicKeyFromPrivate returns a new PublicKey with the private bytes removed
func PublicKeyFromPrivate(pk PrivateKey) PublicKey {
	return NewPublicKey(pk.Algorithm(), pk.Public())
}

// Private returns the private bytes
func (k ED25519PrivateKey) Private() []byte {
	return k.Value.Private
}

// Sign produces an ed25519 signature over the message
func (k ED25519PrivateKey) Sign(_ io.Reader, msg []byte) ([]byte, error) {
	priv := ed25519.PrivateKey(k.Value.Private)
	return ed25519.Sign(priv, msg), nil
}

// Private returns the private bytes
func (k ECDSAPrivateKey) Private() []byte {
	return k.Value.Private
}

// Sign produces a raw r||s signature over the SHA-256 of the message
func (k ECDSAPrivateKey) Sign(rng io.Reader, msg []byte) ([]byte, error) {
	if rng == nil {
		rng = rand.Reader
	}
	priv, err := x509.ParseECPrivateKey(k.Value.Private)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rng, priv, digest[:])
	if err != nil {
		return nil, err
	}
	octetLength := (priv.Params().BitSize + 7) >> 3
	rBytes, sBytes := r.Bytes(), s.Bytes()
	signature := make([]byte, 2*octetLength)
	copy(signature[octetLength-len(rBytes):], rBytes)
	copy(signature[2*octetLength-len(sBytes):], sBytes)
	return signature, nil
}

// Private returns the private bytes
func (k RSAPrivateKey) Private() []byte {
	return k.Value.Private
}

// Sign produces an RSASSA-PSS-SHA256 signature over the message
func (k RSAPrivateKey) Sign(rng io.Reader, msg []byte) ([]byte, error) {
	if rng == nil {
		rng = rand.Reader
	}
	priv, err := x509.ParsePKCS1PrivateKey(k.Value.Private)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(msg)
	opts := rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
	return rsa.SignPSS(rng, priv, crypto.SHA256, digest[:], &opts)
}

// ECDSASignatureSize is the length of a raw r||s P-256 signature
const ECDSASignatureSize = 64
