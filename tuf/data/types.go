package data

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
	"time"

	"github.com/docker/go/canonical/json"
)

// SigAlgorithm for types of signatures
type SigAlgorithm string

func (k SigAlgorithm) String() string {
	return string(k)
}

const defaultHashAlgorithm = "sha256"

// Hash algorithm names
const (
	SHA256 = "sha256"
	SHA512 = "sha512"
)

// Signature schemes
const (
	EDDSASignature  SigAlgorithm = "ed25519"
	ECDSASignature  SigAlgorithm = "ecdsa-sha2-nistp256"
	RSAPSSSignature SigAlgorithm = "rsassa-pss-sha256"
)

// RepoID is an opaque 128-bit repository identifier, rendered as a UUID
// string. It partitions every other entity; nothing crosses repo boundaries.
type RepoID string

func (r RepoID) String() string {
	return string(r)
}

// RoleName is the name of a TUF role document
type RoleName string

func (r RoleName) String() string {
	return string(r)
}

// MetadataPath is the snapshot/timestamp meta key for the role, e.g. "targets.json"
func (r RoleName) MetadataPath() string {
	return string(r) + ".json"
}

// Canonical base roles plus the optional extension roles a root may carry
const (
	CanonicalRootRole      RoleName = "root"
	CanonicalTargetsRole   RoleName = "targets"
	CanonicalSnapshotRole  RoleName = "snapshot"
	CanonicalTimestampRole RoleName = "timestamp"
	OfflineUpdatesRole     RoleName = "offline-updates"
	OfflineSnapshotRole    RoleName = "offline-snapshot"
	RemoteSessionsRole     RoleName = "remote-sessions"
)

// BaseRoles are the roles every root document must declare
var BaseRoles = []RoleName{
	CanonicalRootRole,
	CanonicalTargetsRole,
	CanonicalSnapshotRole,
	CanonicalTimestampRole,
}

// ExtensionRoles are the role slots that may be added to a root after creation
var ExtensionRoles = []RoleName{
	OfflineUpdatesRole,
	OfflineSnapshotRole,
	RemoteSessionsRole,
}

// ValidRole returns true if the role is a base or extension role
func ValidRole(role RoleName) bool {
	for _, r := range append(append([]RoleName{}, BaseRoles...), ExtensionRoles...) {
		if role == r {
			return true
		}
	}
	return false
}

// TUFTypes maps role names to the _type value of their signed documents
var TUFTypes = map[RoleName]string{
	CanonicalRootRole:      "Root",
	CanonicalTargetsRole:   "Targets",
	CanonicalSnapshotRole:  "Snapshot",
	CanonicalTimestampRole: "Timestamp",
	OfflineUpdatesRole:     "Targets",
	OfflineSnapshotRole:    "Snapshot",
	RemoteSessionsRole:     "Targets",
}

// ValidTUFType checks if the given type is valid for the role
func ValidTUFType(typ string, role RoleName) bool {
	if v, ok := TUFTypes[role]; ok {
		return typ == v
	}
	return false
}

// HexBytes is a byte slice that serializes to and from lowercase hex
type HexBytes []byte

// MarshalJSON hex encodes the bytes
func (b HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

// UnmarshalJSON decodes a hex string
func (b *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

func (b HexBytes) String() string {
	return hex.EncodeToString(b)
}

// Signed is the high level, partially deserialized metadata object used to
// verify signatures before fully unpacking, or to add signatures before
// fully packing
type Signed struct {
	Signed     *json.RawMessage `json:"signed"`
	Signatures []Signature      `json:"signatures"`
}

// SignedCommon contains the fields common to the Signed component of all
// TUF metadata files
type SignedCommon struct {
	Type    string    `json:"_type"`
	Expires time.Time `json:"expires"`
	Version int       `json:"version"`
}

// SignedMeta is used in server validation where we only need signatures
// and common fields
type SignedMeta struct {
	Signed     SignedCommon `json:"signed"`
	Signatures []Signature  `json:"signatures"`
}

// Signature is a signature on a piece of metadata
type Signature struct {
	KeyID     string       `json:"keyid"`
	Method    SigAlgorithm `json:"method"`
	Signature HexBytes     `json:"sig"`
	IsValid   bool         `json:"-"`
}

type unmarshalledSignature Signature

// UnmarshalJSON does a custom unmarshalling of the signature JSON
func (s *Signature) UnmarshalJSON(data []byte) error {
	uSignature := unmarshalledSignature{}
	err := json.Unmarshal(data, &uSignature)
	if err != nil {
		return err
	}
	uSignature.Method = SigAlgorithm(strings.ToLower(string(uSignature.Method)))
	*s = Signature(uSignature)
	return nil
}

// Files is the map of paths to file meta contained in targets metadata files
type Files map[string]FileMeta

// Hashes is the map of hash type to digest created for each metadata
// and target file
type Hashes map[string]HexBytes

// SupportedHashes contains the hash algorithms accepted in metadata
var SupportedHashes = []string{SHA256, SHA512}

// FileMeta contains the size and hashes for a metadata or target file.
// Custom data can be optionally added.
type FileMeta struct {
	Length int64            `json:"length"`
	Hashes Hashes           `json:"hashes"`
	Custom *json.RawMessage `json:"custom,omitempty"`
}

// SnapshotFileMeta is a meta entry in snapshot or timestamp metadata,
// referencing a specific version of another role
type SnapshotFileMeta struct {
	Length  int64  `json:"length"`
	Hashes  Hashes `json:"hashes"`
	Version int    `json:"version"`
}

// CheckHashes verifies all the checksums specified by the "hashes" of the payload
func CheckHashes(payload []byte, name string, hashes Hashes) error {
	cnt := 0

	for k, v := range hashes {
		switch k {
		case SHA256:
			checksum := sha256.Sum256(payload)
			if subtle.ConstantTimeCompare(checksum[:], v) == 0 {
				return ErrMismatchedChecksum{alg: SHA256, name: name, expected: hex.EncodeToString(v)}
			}
			cnt++
		case SHA512:
			checksum := sha512.Sum512(payload)
			if subtle.ConstantTimeCompare(checksum[:], v) == 0 {
				return ErrMismatchedChecksum{alg: SHA512, name: name, expected: hex.EncodeToString(v)}
			}
			cnt++
		}
	}

	if cnt == 0 {
		return ErrMissingMeta{Role: name}
	}

	return nil
}

// CheckValidHashStructures returns an error, or nil, depending on whether
// the content of the hashes is valid or not.
func CheckValidHashStructures(hashes Hashes) error {
	cnt := 0

	for k, v := range hashes {
		switch k {
		case SHA256:
			if len(v) != sha256.Size {
				return ErrInvalidChecksum{alg: SHA256}
			}
			cnt++
		case SHA512:
			if len(v) != sha512.Size {
				return ErrInvalidChecksum{alg: SHA512}
			}
			cnt++
		}
	}

	if cnt == 0 {
		return fmt.Errorf("at least one supported hash needed")
	}

	return nil
}

// NewFileMeta generates a FileMeta object from the reader, using the
// hash algorithms provided
func NewFileMeta(r io.Reader, hashAlgorithms ...string) (FileMeta, error) {
	if len(hashAlgorithms) == 0 {
		hashAlgorithms = []string{defaultHashAlgorithm}
	}
	hashes := make(map[string]hash.Hash, len(hashAlgorithms))
	for _, hashAlgorithm := range hashAlgorithms {
		var h hash.Hash
		switch hashAlgorithm {
		case SHA256:
			h = sha256.New()
		case SHA512:
			h = sha512.New()
		default:
			return FileMeta{}, fmt.Errorf("unknown hash algorithm: %s", hashAlgorithm)
		}
		hashes[hashAlgorithm] = h
		r = io.TeeReader(r, h)
	}
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return FileMeta{}, err
	}
	m := FileMeta{Length: n, Hashes: make(Hashes, len(hashes))}
	for hashAlgorithm, h := range hashes {
		m.Hashes[hashAlgorithm] = h.Sum(nil)
	}
	return m, nil
}

// NewSnapshotFileMeta computes the meta entry referencing the given canonical
// role bytes at the given version
func NewSnapshotFileMeta(canonical []byte, version int) SnapshotFileMeta {
	checksum := sha256.Sum256(canonical)
	return SnapshotFileMeta{
		Length:  int64(len(canonical)),
		Hashes:  Hashes{SHA256: checksum[:]},
		Version: version,
	}
}
