package data

import (
	"fmt"
	"time"

	"github.com/docker/go/canonical/json"
)

// SignedSnapshot is a fully unpacked snapshot.json
type SignedSnapshot struct {
	Signatures []Signature
	Signed     Snapshot
	Dirty      bool
}

// Snapshot is the Signed component of a snapshot.json
type Snapshot struct {
	SignedCommon
	Meta map[string]SnapshotFileMeta `json:"meta"`
}

// NewSnapshot initializes a snapshot referencing the given root and targets
// canonical bytes at their current versions
func NewSnapshot(version int, expires time.Time, rootMeta, targetsMeta SnapshotFileMeta) *SignedSnapshot {
	return &SignedSnapshot{
		Signatures: make([]Signature, 0),
		Signed: Snapshot{
			SignedCommon: SignedCommon{
				Type:    TUFTypes[CanonicalSnapshotRole],
				Version: version,
				Expires: expires.UTC().Round(time.Second),
			},
			Meta: map[string]SnapshotFileMeta{
				CanonicalRootRole.MetadataPath():    rootMeta,
				CanonicalTargetsRole.MetadataPath(): targetsMeta,
			},
		},
		Dirty: true,
	}
}

// GetMeta gets the metadata for a particular role, returning an error if it's
// not found
func (sp SignedSnapshot) GetMeta(role RoleName) (*SnapshotFileMeta, error) {
	if meta, ok := sp.Signed.Meta[role.MetadataPath()]; ok {
		return &meta, nil
	}
	return nil, ErrMissingMeta{Role: role.String()}
}

// ToSigned partially serializes a SignedSnapshot for further signing
func (sp SignedSnapshot) ToSigned() (*Signed, error) {
	s, err := defaultSerializer.MarshalCanonical(sp.Signed)
	if err != nil {
		return nil, err
	}
	signed := json.RawMessage{}
	if err = signed.UnmarshalJSON(s); err != nil {
		return nil, err
	}
	sigs := make([]Signature, len(sp.Signatures))
	copy(sigs, sp.Signatures)
	return &Signed{
		Signatures: sigs,
		Signed:     &signed,
	}, nil
}

// MarshalJSON returns the serialized form of SignedSnapshot as bytes
func (sp SignedSnapshot) MarshalJSON() ([]byte, error) {
	signed, err := sp.ToSigned()
	if err != nil {
		return nil, err
	}
	return defaultSerializer.Marshal(signed)
}

func isValidSnapshotStructure(s Snapshot) error {
	expectedType := TUFTypes[CanonicalSnapshotRole]
	if s.Type != expectedType {
		return ErrInvalidMetadata{
			role: CanonicalSnapshotRole, msg: fmt.Sprintf("expected type %s, not %s", expectedType, s.Type)}
	}

	if s.Version < 1 {
		return ErrInvalidMetadata{
			role: CanonicalSnapshotRole, msg: "version cannot be less than 1"}
	}

	for _, file := range []RoleName{CanonicalRootRole, CanonicalTargetsRole} {
		metaFile, ok := s.Meta[file.MetadataPath()]
		switch {
		case !ok:
			return ErrInvalidMetadata{
				role: CanonicalSnapshotRole, msg: fmt.Sprintf("missing %s sha256 checksum information", file)}
		case metaFile.Version < 1:
			return ErrInvalidMetadata{
				role: CanonicalSnapshotRole, msg: fmt.Sprintf("%s meta version cannot be less than 1", file)}
		default:
			if err := CheckValidHashStructures(metaFile.Hashes); err != nil {
				return ErrInvalidMetadata{
					role: CanonicalSnapshotRole, msg: fmt.Sprintf("invalid %s checksum information: %v", file, err)}
			}
		}
	}
	return nil
}

// SnapshotFromSigned fully unpacks a Signed object into a SignedSnapshot
func SnapshotFromSigned(s *Signed) (*SignedSnapshot, error) {
	sp := Snapshot{}
	if s.Signed == nil {
		return nil, ErrInvalidMetadata{
			role: CanonicalSnapshotRole,
			msg:  "snapshot file contained an empty payload",
		}
	}
	if err := defaultSerializer.Unmarshal(*s.Signed, &sp); err != nil {
		return nil, err
	}
	if err := isValidSnapshotStructure(sp); err != nil {
		return nil, err
	}
	sigs := make([]Signature, len(s.Signatures))
	copy(sigs, s.Signatures)
	return &SignedSnapshot{
		Signatures: sigs,
		Signed:     sp,
	}, nil
}
