package data

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/docker/go/canonical/json"
	otatuf "github.com/scala-steward/ota-tuf"
)

// SignedTargets is a fully unpacked targets.json, or target delegation
type SignedTargets struct {
	Signatures []Signature
	Signed     Targets
	Dirty      bool
}

// Targets is the Signed components of a targets.json or delegation.json
type Targets struct {
	SignedCommon
	Targets     Files        `json:"targets"`
	Delegations *Delegations `json:"delegations,omitempty"`
}

// Delegations holds a tier of targets delegations
type Delegations struct {
	Keys  Keys             `json:"keys"`
	Roles []*DelegatedRole `json:"roles"`
}

// DelegatedRole is a named sub-authority under targets allowed to sign for a
// set of path patterns
type DelegatedRole struct {
	Name      string   `json:"name"`
	KeyIDs    []string `json:"keyids"`
	Paths     []string `json:"paths"`
	Threshold int      `json:"threshold"`
}

// TargetFormat distinguishes plain binaries from OSTree commits
type TargetFormat string

// Target formats
const (
	TargetFormatBinary TargetFormat = "BINARY"
	TargetFormatOSTree TargetFormat = "OSTREE"
)

// TargetCustom is the structured custom metadata of a target item. The
// Proprietary object is free-form and merged shallowly on PATCH; the other
// fields are never writable through the proprietary patch endpoint.
type TargetCustom struct {
	Name        string                      `json:"name"`
	Version     string                      `json:"version"`
	HardwareIDs []string                    `json:"hardwareIds"`
	Format      TargetFormat                `json:"targetFormat"`
	URI         string                      `json:"uri,omitempty"`
	CLIUploaded bool                        `json:"cliUploaded,omitempty"`
	CreatedAt   time.Time                   `json:"createdAt"`
	UpdatedAt   time.Time                   `json:"updatedAt"`
	Proprietary map[string]*json.RawMessage `json:"proprietary,omitempty"`
}

// MergeProprietary shallow-merges the patch into the proprietary object:
// top level keys in the patch overwrite existing top level keys, nothing
// deeper is merged. The non-proprietary fields are untouched regardless of
// any name collision in the patch.
func (c *TargetCustom) MergeProprietary(patch map[string]*json.RawMessage) {
	if len(patch) == 0 {
		return
	}
	if c.Proprietary == nil {
		c.Proprietary = make(map[string]*json.RawMessage, len(patch))
	}
	for k, v := range patch {
		c.Proprietary[k] = v
	}
}

// ValidTargetPath errors if the filename breaks the target path constraints
func ValidTargetPath(p string) error {
	switch {
	case p == "":
		return ErrInvalidTargetPath{Path: p, Reason: "empty path"}
	case strings.HasPrefix(p, "/"):
		return ErrInvalidTargetPath{Path: p, Reason: "leading slash"}
	case len(p) > otatuf.MaxFilenameLength:
		return ErrInvalidTargetPath{Path: p, Reason: "path too long"}
	}
	for _, part := range strings.Split(path.Clean(p), "/") {
		if part == ".." {
			return ErrInvalidTargetPath{Path: p, Reason: "parent directory traversal"}
		}
	}
	return nil
}

// NewTargets initializes an empty targets document at the given version
func NewTargets(version int, expires time.Time) *SignedTargets {
	return &SignedTargets{
		Signatures: make([]Signature, 0),
		Signed: Targets{
			SignedCommon: SignedCommon{
				Type:    TUFTypes[CanonicalTargetsRole],
				Version: version,
				Expires: expires.UTC().Round(time.Second),
			},
			Targets: make(Files),
		},
		Dirty: true,
	}
}

// GetMeta returns the file meta for a target path, or nil if absent
func (t SignedTargets) GetMeta(path string) *FileMeta {
	for p, meta := range t.Signed.Targets {
		if p == path {
			return &meta
		}
	}
	return nil
}

// GetDelegation returns the delegated role declaration with the given name,
// or nil when the document declares no such delegation
func (t SignedTargets) GetDelegation(name string) *DelegatedRole {
	if t.Signed.Delegations == nil {
		return nil
	}
	for _, role := range t.Signed.Delegations.Roles {
		if role.Name == name {
			return role
		}
	}
	return nil
}

// BuildDelegationRole resolves a delegation declaration into a BaseRole with
// its keys attached
func (t SignedTargets) BuildDelegationRole(name string) (BaseRole, error) {
	delegation := t.GetDelegation(name)
	if delegation == nil {
		return BaseRole{}, ErrInvalidRole{Role: RoleName(name), Reason: "delegation not found in targets"}
	}
	pubKeys := make(map[string]PublicKey)
	for _, keyID := range delegation.KeyIDs {
		pubKey, ok := t.Signed.Delegations.Keys[keyID]
		if !ok {
			return BaseRole{}, ErrInvalidRole{
				Role:   RoleName(name),
				Reason: fmt.Sprintf("delegation lists unknown key ID %s", keyID),
			}
		}
		pubKeys[keyID] = pubKey
	}
	return BaseRole{
		Name:      RoleName(name),
		Keys:      pubKeys,
		Threshold: delegation.Threshold,
	}, nil
}

// ToSigned partially serializes a SignedTargets for further signing
func (t SignedTargets) ToSigned() (*Signed, error) {
	s, err := defaultSerializer.MarshalCanonical(t.Signed)
	if err != nil {
		return nil, err
	}
	signed := json.RawMessage{}
	if err = signed.UnmarshalJSON(s); err != nil {
		return nil, err
	}
	sigs := make([]Signature, len(t.Signatures))
	copy(sigs, t.Signatures)
	return &Signed{
		Signatures: sigs,
		Signed:     &signed,
	}, nil
}

// MarshalJSON returns the serialized form of SignedTargets as bytes
func (t SignedTargets) MarshalJSON() ([]byte, error) {
	signed, err := t.ToSigned()
	if err != nil {
		return nil, err
	}
	return defaultSerializer.Marshal(signed)
}

// isValidTargetsStructure returns an error, or nil, depending on whether the
// content of the struct is valid for targets metadata
func isValidTargetsStructure(t Targets, roleName RoleName) error {
	expectedType := TUFTypes[CanonicalTargetsRole]
	if t.Type != expectedType {
		return ErrInvalidMetadata{
			role: roleName, msg: fmt.Sprintf("expected type %s, not %s", expectedType, t.Type)}
	}

	if t.Version < 1 {
		return ErrInvalidMetadata{role: roleName, msg: "version cannot be less than 1"}
	}

	for path, item := range t.Targets {
		if err := ValidTargetPath(path); err != nil {
			return ErrInvalidMetadata{role: roleName, msg: err.Error()}
		}
		if item.Length <= 0 {
			return ErrInvalidMetadata{
				role: roleName, msg: fmt.Sprintf("%s has non-positive length", path)}
		}
		if err := CheckValidHashStructures(item.Hashes); err != nil {
			return ErrInvalidMetadata{
				role: roleName, msg: fmt.Sprintf("%s has invalid hashes: %v", path, err)}
		}
	}

	if t.Delegations != nil {
		for _, role := range t.Delegations.Roles {
			if role == nil || role.Name == "" {
				return ErrInvalidMetadata{role: roleName, msg: "delegation with empty name"}
			}
			if role.Threshold < 1 {
				return ErrInvalidMetadata{
					role: roleName, msg: fmt.Sprintf("delegation %s has invalid threshold", role.Name)}
			}
			for _, keyID := range role.KeyIDs {
				if _, ok := t.Delegations.Keys[keyID]; !ok {
					return ErrInvalidMetadata{
						role: roleName,
						msg:  fmt.Sprintf("delegation %s lists key ID %s without corresponding key", role.Name, keyID)}
				}
			}
			for _, pattern := range role.Paths {
				if pattern == "" || strings.HasPrefix(pattern, "/") {
					return ErrInvalidMetadata{
						role: roleName,
						msg:  fmt.Sprintf("delegation %s has malformed path pattern %q", role.Name, pattern)}
				}
			}
		}
	}
	return nil
}

// TargetsFromSigned fully unpacks a Signed object into a SignedTargets and
// ensures that it is a valid SignedTargets
func TargetsFromSigned(s *Signed, roleName RoleName) (*SignedTargets, error) {
	t := Targets{}
	if s.Signed == nil {
		return nil, ErrInvalidMetadata{
			role: roleName,
			msg:  "targets file contained an empty payload",
		}
	}
	if err := defaultSerializer.Unmarshal(*s.Signed, &t); err != nil {
		return nil, err
	}
	if err := isValidTargetsStructure(t, roleName); err != nil {
		return nil, err
	}
	sigs := make([]Signature, len(s.Signatures))
	copy(sigs, s.Signatures)
	return &SignedTargets{
		Signatures: sigs,
		Signed:     t,
	}, nil
}
