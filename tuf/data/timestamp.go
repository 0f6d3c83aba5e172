package data

import (
	"fmt"
	"time"

	"github.com/docker/go/canonical/json"
)

// SignedTimestamp is a fully unpacked timestamp.json
type SignedTimestamp struct {
	Signatures []Signature
	Signed     Timestamp
	Dirty      bool
}

// Timestamp is the Signed component of a timestamp.json
type Timestamp struct {
	SignedCommon
	Meta map[string]SnapshotFileMeta `json:"meta"`
}

// NewTimestamp initializes a timestamp referencing the given snapshot
// canonical bytes at its current version
func NewTimestamp(version int, expires time.Time, snapshotMeta SnapshotFileMeta) *SignedTimestamp {
	return &SignedTimestamp{
		Signatures: make([]Signature, 0),
		Signed: Timestamp{
			SignedCommon: SignedCommon{
				Type:    TUFTypes[CanonicalTimestampRole],
				Version: version,
				Expires: expires.UTC().Round(time.Second),
			},
			Meta: map[string]SnapshotFileMeta{
				CanonicalSnapshotRole.MetadataPath(): snapshotMeta,
			},
		},
		Dirty: true,
	}
}

// GetSnapshot returns the snapshot meta entry in the timestamp
func (ts SignedTimestamp) GetSnapshot() (*SnapshotFileMeta, error) {
	if meta, ok := ts.Signed.Meta[CanonicalSnapshotRole.MetadataPath()]; ok {
		return &meta, nil
	}
	return nil, ErrMissingMeta{Role: CanonicalSnapshotRole.String()}
}

// ToSigned partially serializes a SignedTimestamp for further signing
func (ts SignedTimestamp) ToSigned() (*Signed, error) {
	s, err := defaultSerializer.MarshalCanonical(ts.Signed)
	if err != nil {
		return nil, err
	}
	signed := json.RawMessage{}
	if err = signed.UnmarshalJSON(s); err != nil {
		return nil, err
	}
	sigs := make([]Signature, len(ts.Signatures))
	copy(sigs, ts.Signatures)
	return &Signed{
		Signatures: sigs,
		Signed:     &signed,
	}, nil
}

// MarshalJSON returns the serialized form of SignedTimestamp as bytes
func (ts SignedTimestamp) MarshalJSON() ([]byte, error) {
	signed, err := ts.ToSigned()
	if err != nil {
		return nil, err
	}
	return defaultSerializer.Marshal(signed)
}

func isValidTimestampStructure(t Timestamp) error {
	expectedType := TUFTypes[CanonicalTimestampRole]
	if t.Type != expectedType {
		return ErrInvalidMetadata{
			role: CanonicalTimestampRole, msg: fmt.Sprintf("expected type %s, not %s", expectedType, t.Type)}
	}

	if t.Version < 1 {
		return ErrInvalidMetadata{
			role: CanonicalTimestampRole, msg: "version cannot be less than 1"}
	}

	snapshotMeta, ok := t.Meta[CanonicalSnapshotRole.MetadataPath()]
	if !ok {
		return ErrInvalidMetadata{
			role: CanonicalTimestampRole, msg: "missing snapshot sha256 checksum information"}
	}
	if err := CheckValidHashStructures(snapshotMeta.Hashes); err != nil {
		return ErrInvalidMetadata{
			role: CanonicalTimestampRole, msg: fmt.Sprintf("invalid snapshot checksum information: %v", err)}
	}
	return nil
}

// TimestampFromSigned parses a Signed object into a SignedTimestamp
func TimestampFromSigned(s *Signed) (*SignedTimestamp, error) {
	ts := Timestamp{}
	if s.Signed == nil {
		return nil, ErrInvalidMetadata{
			role: CanonicalTimestampRole,
			msg:  "timestamp file contained an empty payload",
		}
	}
	if err := defaultSerializer.Unmarshal(*s.Signed, &ts); err != nil {
		return nil, err
	}
	if err := isValidTimestampStructure(ts); err != nil {
		return nil, err
	}
	sigs := make([]Signature, len(s.Signatures))
	copy(sigs, s.Signatures)
	return &SignedTimestamp{
		Signatures: sigs,
		Signed:     ts,
	}, nil
}
