package roles

import (
	"io"
	"regexp"

	"github.com/docker/go/canonical/json"

	otatuf "github.com/scala-steward/ota-tuf"
	"github.com/scala-steward/ota-tuf/reposerver/errors"
	"github.com/scala-steward/ota-tuf/reposerver/storage"
	"github.com/scala-steward/ota-tuf/tuf/data"
)

var sha256HexRegex = regexp.MustCompile(otatuf.Sha256HexRegex)

// TargetRequest is an externally described target item: its binary lives
// elsewhere, the request only carries the checksum and length
type TargetRequest struct {
	Length       int64                       `json:"length"`
	Checksum     string                      `json:"checksum"`
	Sha256       string                      `json:"sha256,omitempty"`
	Name         string                      `json:"name"`
	Version      string                      `json:"version"`
	HardwareIDs  []string                    `json:"hardwareIds"`
	TargetFormat data.TargetFormat           `json:"targetFormat"`
	URI          string                      `json:"uri,omitempty"`
	Proprietary  map[string]*json.RawMessage `json:"proprietary,omitempty"`
}

// Normalize fills the request defaults: sha256 doubles as the checksum
// field, the format defaults to BINARY, and name and version fall back to
// the filename and the checksum
func (t *TargetRequest) Normalize(filename string) {
	if t.Checksum == "" {
		t.Checksum = t.Sha256
	}
	if t.TargetFormat == "" {
		t.TargetFormat = data.TargetFormatBinary
	}
	if t.Name == "" {
		t.Name = filename
	}
	if t.Version == "" {
		t.Version = t.Checksum
	}
}

func (t TargetRequest) validate(filename string) error {
	if err := data.ValidTargetPath(filename); err != nil {
		return errors.ErrInvalidTarget.WithDescription(err.Error())
	}
	switch {
	case t.Length <= 0:
		return errors.ErrInvalidTarget.WithDescription("target length must be positive")
	case !sha256HexRegex.MatchString(t.Checksum):
		return errors.ErrInvalidTarget.WithDescription("checksum must be a sha256 in hex")
	case t.Name == "" || t.Version == "":
		return errors.ErrInvalidTarget.WithDescription("target name and version are required")
	case t.TargetFormat != data.TargetFormatBinary && t.TargetFormat != data.TargetFormatOSTree:
		return errors.ErrInvalidTarget.WithDescription("targetFormat must be BINARY or OSTREE")
	}
	return nil
}

func (g *Generator) itemFor(repo data.RepoID, filename string, req TargetRequest, cliUploaded bool) (storage.TargetItem, error) {
	now := g.now()
	custom := data.TargetCustom{
		Name:        req.Name,
		Version:     req.Version,
		HardwareIDs: req.HardwareIDs,
		Format:      req.TargetFormat,
		URI:         req.URI,
		CLIUploaded: cliUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
		Proprietary: req.Proprietary,
	}
	if existing, err := g.store.GetTargetItem(repo, filename); err == nil {
		var existingCustom data.TargetCustom
		if err := json.Unmarshal(existing.Custom, &existingCustom); err == nil {
			custom.CreatedAt = existingCustom.CreatedAt
		}
	}
	serialized, err := json.Marshal(custom)
	if err != nil {
		return storage.TargetItem{}, err
	}
	return storage.TargetItem{
		Repo:           repo.String(),
		Filename:       filename,
		Length:         req.Length,
		ChecksumMethod: data.SHA256,
		ChecksumHex:    req.Checksum,
		Custom:         serialized,
	}, nil
}

// AddTarget adds or replaces a catalog item, regenerates the role chain and
// returns the new signed targets document. A repo that has never had its
// roles generated gets an initial version first, so the new item always
// lands in a version bump of its own.
func (g *Generator) AddTarget(repo data.RepoID, filename string, req TargetRequest) (storage.SignedRole, error) {
	if err := req.validate(filename); err != nil {
		return storage.SignedRole{}, err
	}
	if err := g.ensureGenerated(repo); err != nil {
		return storage.SignedRole{}, err
	}

	item, err := g.itemFor(repo, filename, req, false)
	if err != nil {
		return storage.SignedRole{}, err
	}
	if err := g.regenerateWith(repo, "", &item); err != nil {
		return storage.SignedRole{}, err
	}
	if _, err := g.store.UpsertTargetItem(item); err != nil {
		return storage.SignedRole{}, err
	}
	return g.store.GetSignedRole(repo, data.CanonicalTargetsRole)
}

// ensureGenerated produces the initial role chain for a repo that has none
func (g *Generator) ensureGenerated(repo data.RepoID) error {
	_, err := g.store.GetSignedRole(repo, data.CanonicalTargetsRole)
	if _, ok := err.(storage.ErrNotFound); ok {
		return g.regenerate(repo)
	}
	return err
}

// StoreTargetUpload persists an uploaded binary and adds the catalog item
// with the checksum and length measured from the upload itself
func (g *Generator) StoreTargetUpload(repo data.RepoID, filename string, req TargetRequest, body io.Reader) error {
	if err := data.ValidTargetPath(filename); err != nil {
		return errors.ErrInvalidTarget.WithDescription(err.Error())
	}
	length, checksum, err := g.blobs.Store(repo, filename, body)
	if err != nil {
		return err
	}
	req.Length = length
	req.Checksum = checksum
	req.URI = ""
	req.Normalize(filename)
	if err := req.validate(filename); err != nil {
		g.blobs.Delete(repo, filename)
		return err
	}

	if err := g.ensureGenerated(repo); err != nil {
		return err
	}

	item, err := g.itemFor(repo, filename, req, true)
	if err != nil {
		return err
	}
	if err := g.regenerateWith(repo, "", &item); err != nil {
		return err
	}
	_, err = g.store.UpsertTargetItem(item)
	return err
}

// DeleteTarget removes a catalog item, its stored binary if one exists, and
// regenerates the role chain without it. The catalog and blob are only
// touched after the new roles have been persisted.
func (g *Generator) DeleteTarget(repo data.RepoID, filename string) error {
	if _, err := g.store.GetTargetItem(repo, filename); err != nil {
		if _, ok := err.(storage.ErrNotFound); ok {
			return errors.ErrMissingEntity.WithDescription("target item not found")
		}
		return err
	}
	if err := g.regenerateWith(repo, filename, nil); err != nil {
		return err
	}
	if err := g.store.DeleteTargetItem(repo, filename); err != nil {
		if _, ok := err.(storage.ErrNotFound); !ok {
			return err
		}
	}
	return g.blobs.Delete(repo, filename)
}

// GetTargetItem returns a catalog item
func (g *Generator) GetTargetItem(repo data.RepoID, filename string) (storage.TargetItem, error) {
	item, err := g.store.GetTargetItem(repo, filename)
	if _, ok := err.(storage.ErrNotFound); ok {
		return storage.TargetItem{}, errors.ErrMissingEntity.WithDescription("target item not found")
	}
	return item, err
}

// ListTargetItems returns a page of the catalog ordered by filename
func (g *Generator) ListTargetItems(repo data.RepoID, nameContains string, offset, limit int) ([]storage.TargetItem, int64, error) {
	return g.store.ListTargetItems(repo, nameContains, offset, limit)
}

// PatchProprietary shallow-merges the patch into the item's proprietary
// custom object and regenerates the role chain. No other custom field is
// touched, whatever keys the patch carries.
func (g *Generator) PatchProprietary(repo data.RepoID, filename string, patch map[string]*json.RawMessage) (data.TargetCustom, error) {
	item, err := g.store.GetTargetItem(repo, filename)
	if _, ok := err.(storage.ErrNotFound); ok {
		return data.TargetCustom{}, errors.ErrMissingEntity.WithDescription("target item not found")
	} else if err != nil {
		return data.TargetCustom{}, err
	}

	var custom data.TargetCustom
	if err := json.Unmarshal(item.Custom, &custom); err != nil {
		return data.TargetCustom{}, err
	}
	custom.MergeProprietary(patch)

	serialized, err := json.Marshal(custom)
	if err != nil {
		return data.TargetCustom{}, err
	}
	item.Custom = serialized

	if err := g.regenerateWith(repo, "", &item); err != nil {
		return data.TargetCustom{}, err
	}
	if _, err := g.store.UpsertTargetItem(item); err != nil {
		return data.TargetCustom{}, err
	}
	return custom, nil
}

// EditTargetItem is a partial update of a catalog item's custom metadata
type EditTargetItem struct {
	URI               *string                     `json:"uri,omitempty"`
	HardwareIDs       []string                    `json:"hardwareIds,omitempty"`
	ProprietaryCustom map[string]*json.RawMessage `json:"proprietaryCustom,omitempty"`
}

// EditTarget applies a partial update to a catalog item and regenerates the
// role chain, returning the updated custom metadata
func (g *Generator) EditTarget(repo data.RepoID, filename string, edit EditTargetItem) (data.TargetCustom, error) {
	item, err := g.store.GetTargetItem(repo, filename)
	if _, ok := err.(storage.ErrNotFound); ok {
		return data.TargetCustom{}, errors.ErrMissingEntity.WithDescription("target item not found")
	} else if err != nil {
		return data.TargetCustom{}, err
	}

	var custom data.TargetCustom
	if err := json.Unmarshal(item.Custom, &custom); err != nil {
		return data.TargetCustom{}, err
	}
	if edit.URI != nil {
		custom.URI = *edit.URI
	}
	if edit.HardwareIDs != nil {
		custom.HardwareIDs = edit.HardwareIDs
	}
	custom.MergeProprietary(edit.ProprietaryCustom)
	custom.UpdatedAt = g.now()

	serialized, err := json.Marshal(custom)
	if err != nil {
		return data.TargetCustom{}, err
	}
	item.Custom = serialized

	if err := g.regenerateWith(repo, "", &item); err != nil {
		return data.TargetCustom{}, err
	}
	if _, err := g.store.UpsertTargetItem(item); err != nil {
		return data.TargetCustom{}, err
	}
	return custom, nil
}

// RetrieveTargetContent opens the stored binary of a managed target. For
// unmanaged targets it returns the declared uri so the caller can redirect,
// or fails when the item declares none.
func (g *Generator) RetrieveTargetContent(repo data.RepoID, filename string) (io.ReadCloser, int64, string, error) {
	if g.blobs.Exists(repo, filename) {
		rc, length, err := g.blobs.Retrieve(repo, filename)
		return rc, length, "", err
	}

	item, err := g.store.GetTargetItem(repo, filename)
	if _, ok := err.(storage.ErrNotFound); ok {
		return nil, 0, "", errors.ErrMissingEntity.WithDescription("target item not found")
	} else if err != nil {
		return nil, 0, "", err
	}
	var custom data.TargetCustom
	if err := json.Unmarshal(item.Custom, &custom); err != nil {
		return nil, 0, "", err
	}
	if custom.URI == "" {
		return nil, 0, "", errors.ErrNoUriForUnmanagedTarget
	}
	return nil, 0, custom.URI, nil
}
