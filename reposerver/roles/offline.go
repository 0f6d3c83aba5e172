package roles

import (
	"fmt"

	"github.com/docker/go/canonical/json"

	"github.com/scala-steward/ota-tuf/reposerver/errors"
	"github.com/scala-steward/ota-tuf/reposerver/storage"
	"github.com/scala-steward/ota-tuf/tuf/data"
	"github.com/scala-steward/ota-tuf/tuf/signed"
)

// PushOfflineTargets accepts a client-signed targets document, replacing the
// server-generated one. The checks run in a fixed order so a client always
// sees the earliest failure: the checksum precondition, then document shape,
// then signatures, then the version bump on persist.
//
// A successful push regenerates snapshot and timestamp over the new targets;
// the targets document itself is stored exactly as pushed and is never
// re-signed by the server.
func (g *Generator) PushOfflineTargets(repo data.RepoID, payload *data.Signed, checksum string) error {
	current, err := g.store.GetSignedRole(repo, data.CanonicalTargetsRole)
	exists := err == nil
	if !exists {
		if _, ok := err.(storage.ErrNotFound); !ok {
			return err
		}
	}

	// the checksum guards against overwriting another offline push; the
	// first push over a server-generated document needs no checksum
	if exists && current.Offline && checksum == "" {
		return errors.ErrPreconditionRequired
	}
	if exists && checksum != "" && checksum != current.Checksum {
		return errors.ErrPreconditionFailed
	}

	targets, err := data.TargetsFromSigned(payload, data.CanonicalTargetsRole)
	if err != nil {
		return errors.ErrInvalidTarget.WithDescription(err.Error())
	}
	carried := make(map[string]struct{})
	if exists {
		if previous, err := parseTargets(current.Content, data.CanonicalTargetsRole); err == nil {
			for filename := range previous.Signed.Targets {
				carried[filename] = struct{}{}
			}
		}
	}
	items, err := g.catalogItemsFor(repo, targets, carried)
	if err != nil {
		return err
	}

	if err := g.verifyTargetsSignatures(repo, payload); err != nil {
		return err
	}

	content, err := data.MarshalCanonical(payload)
	if err != nil {
		return err
	}
	newChecksum := checksumHex(content)

	// pushing the exact current document again is a no-op
	if exists && targets.Signed.Version == current.Version && newChecksum == current.Checksum {
		return nil
	}

	notBefore, err := g.store.GetExpireNotBefore(repo)
	if err != nil {
		return err
	}
	root, rootRaw, err := g.keys.FetchRoot(repo, notBefore)
	if err != nil {
		return err
	}

	rows, err := g.buildSnapshotTimestamp(repo, notBefore,
		data.NewSnapshotFileMeta(rootRaw, root.Signed.Version),
		data.NewSnapshotFileMeta(content, targets.Signed.Version))
	if err != nil {
		return err
	}
	rows = append([]storage.SignedRole{{
		Repo:      repo.String(),
		Role:      data.CanonicalTargetsRole.String(),
		Version:   targets.Signed.Version,
		ExpiresAt: targets.Signed.Expires,
		Checksum:  newChecksum,
		Length:    int64(len(content)),
		Content:   content,
		Offline:   true,
	}}, rows...)

	if err := g.persistRoles(repo, rows); err != nil {
		return err
	}
	return g.syncCatalog(repo, exists, current, targets, items)
}

// verifyTargetsSignatures checks the payload against the targets role of the
// current root. Unknown signing keys and duplicate signatures are rejected
// outright rather than merely not counted.
func (g *Generator) verifyTargetsSignatures(repo data.RepoID, payload *data.Signed) error {
	notBefore, err := g.store.GetExpireNotBefore(repo)
	if err != nil {
		return err
	}
	root, _, err := g.keys.FetchRoot(repo, notBefore)
	if err != nil {
		return err
	}
	role, err := root.BuildBaseRole(data.CanonicalTargetsRole)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{})
	for _, sig := range payload.Signatures {
		if _, ok := role.Keys[sig.KeyID]; !ok {
			return errors.ErrPayloadSignatureInvalid.WithDescription(
				fmt.Sprintf("signature by key %s which is not a targets key", sig.KeyID))
		}
		if _, dup := seen[sig.KeyID]; dup {
			return errors.ErrPayloadSignatureInvalid.WithDescription(
				fmt.Sprintf("multiple signatures by key %s", sig.KeyID))
		}
		seen[sig.KeyID] = struct{}{}
	}
	if err := signed.VerifySignatures(payload, role); err != nil {
		return errors.ErrPayloadSignatureInvalid.WithDescription(err.Error())
	}
	return nil
}

// catalogItemsFor converts the pushed targets into catalog rows. Entries new
// to this push must carry the structured custom metadata; entries carried
// over from the previous targets document may omit it, in which case their
// existing catalog rows are left as they are.
func (g *Generator) catalogItemsFor(repo data.RepoID, targets *data.SignedTargets, carried map[string]struct{}) ([]storage.TargetItem, error) {
	items := make([]storage.TargetItem, 0, len(targets.Signed.Targets))
	for filename, meta := range targets.Signed.Targets {
		if meta.Custom == nil {
			if _, ok := carried[filename]; ok {
				continue
			}
			return nil, errors.ErrInvalidTarget.WithDescription(
				fmt.Sprintf("%s carries no custom metadata", filename))
		}
		var custom data.TargetCustom
		if err := json.Unmarshal(*meta.Custom, &custom); err != nil {
			return nil, errors.ErrInvalidTarget.WithDescription(
				fmt.Sprintf("%s custom metadata is malformed: %v", filename, err))
		}
		if custom.Name == "" || custom.Version == "" {
			return nil, errors.ErrInvalidTarget.WithDescription(
				fmt.Sprintf("%s custom metadata needs name and version", filename))
		}

		checksum, ok := meta.Hashes[data.SHA256]
		if !ok {
			return nil, errors.ErrInvalidTarget.WithDescription(
				fmt.Sprintf("%s carries no sha256 checksum", filename))
		}
		items = append(items, storage.TargetItem{
			Repo:           repo.String(),
			Filename:       filename,
			Length:         meta.Length,
			ChecksumMethod: data.SHA256,
			ChecksumHex:    checksum.String(),
			Custom:         []byte(*meta.Custom),
		})
	}
	return items, nil
}

// syncCatalog reconciles the catalog and blob store with the pushed targets:
// removed targets lose their catalog rows and stored binaries
func (g *Generator) syncCatalog(repo data.RepoID, hadCurrent bool, current storage.SignedRole, targets *data.SignedTargets, items []storage.TargetItem) error {
	if hadCurrent {
		previous, err := parseTargets(current.Content, data.CanonicalTargetsRole)
		if err == nil {
			for filename := range previous.Signed.Targets {
				if _, kept := targets.Signed.Targets[filename]; kept {
					continue
				}
				if err := g.store.DeleteTargetItem(repo, filename); err != nil {
					if _, ok := err.(storage.ErrNotFound); !ok {
						return err
					}
				}
				if err := g.blobs.Delete(repo, filename); err != nil {
					return err
				}
			}
		}
	}

	for _, item := range items {
		if _, err := g.store.UpsertTargetItem(item); err != nil {
			return err
		}
	}
	return nil
}
