package roles

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/docker/go/canonical/json"
	"github.com/sirupsen/logrus"

	otatuf "github.com/scala-steward/ota-tuf"
	keysclient "github.com/scala-steward/ota-tuf/keyserver/client"
	"github.com/scala-steward/ota-tuf/reposerver/errors"
	"github.com/scala-steward/ota-tuf/reposerver/storage"
	"github.com/scala-steward/ota-tuf/reposerver/targetstore"
	"github.com/scala-steward/ota-tuf/tuf/data"
	"github.com/scala-steward/ota-tuf/utils"
)

// Generator produces and refreshes the non-root role documents of a repo.
// Root documents are owned by the key server; everything the generator signs
// goes through the key server's signing endpoint, so no private key material
// ever lives in this process.
type Generator struct {
	store storage.RepoStore
	keys  keysclient.KeyClient
	blobs targetstore.BlobStore
	clock clock.Clock

	targetsTTL   time.Duration
	snapshotTTL  time.Duration
	timestampTTL time.Duration
}

// NewGenerator returns a Generator with the default role lifetimes
func NewGenerator(store storage.RepoStore, keys keysclient.KeyClient, blobs targetstore.BlobStore) *Generator {
	return &Generator{
		store:        store,
		keys:         keys,
		blobs:        blobs,
		clock:        clock.C,
		targetsTTL:   otatuf.DefaultTargetsExpiry,
		snapshotTTL:  otatuf.DefaultSnapshotExpiry,
		timestampTTL: otatuf.DefaultTimestampExpiry,
	}
}

// SetClock replaces the wall clock, for tests
func (g *Generator) SetClock(c clock.Clock) {
	g.clock = c
}

// CreateRepo provisions keys and a root role for a new repo, optionally
// binding it to a tenant namespace. Ed25519 keys are cheap, so those repos
// are provisioned synchronously and leave with their first role set already
// generated; RSA repos finish asynchronously and generate roles on first use.
func (g *Generator) CreateRepo(repo data.RepoID, namespace string, keyType data.KeyType, threshold int) error {
	if namespace != "" {
		if _, err := g.store.RepoForNamespace(namespace); err == nil {
			return errors.ErrEntityAlreadyExists.WithDescription("the namespace already has a repo")
		} else if _, ok := err.(storage.ErrNotFound); !ok {
			return err
		}
	}

	forceSync := keyType == data.ED25519Key
	if _, err := g.keys.CreateRoot(repo, keyType, threshold, forceSync); err != nil {
		return err
	}
	if namespace != "" {
		if err := g.store.AddRepoForNamespace(namespace, repo); err != nil {
			if _, ok := err.(storage.ErrAlreadyExists); ok {
				return errors.ErrEntityAlreadyExists.WithDescription("the namespace already has a repo")
			}
			return err
		}
	}
	if forceSync {
		return g.regenerate(repo)
	}
	return nil
}

// Find returns the current document for a non-root role, refreshing it first
// when it is stale. Client-signed targets are always served as stored, even
// past their expiry; the server cannot re-sign them.
func (g *Generator) Find(repo data.RepoID, role data.RoleName) (storage.SignedRole, error) {
	row, err := g.store.GetSignedRole(repo, role)
	if _, ok := err.(storage.ErrNotFound); ok {
		if err := g.regenerate(repo); err != nil {
			return storage.SignedRole{}, err
		}
		return g.store.GetSignedRole(repo, role)
	} else if err != nil {
		return storage.SignedRole{}, err
	}

	switch role {
	case data.CanonicalTargetsRole:
		if row.Offline {
			return row, nil
		}
		changed, err := g.rootChanged(repo)
		if err != nil {
			return storage.SignedRole{}, err
		}
		if g.isStale(row) || changed {
			return g.refreshed(row, g.regenerate(repo), repo, role)
		}
	case data.CanonicalSnapshotRole:
		changed, err := g.rootChanged(repo)
		if err != nil {
			return storage.SignedRole{}, err
		}
		if g.isStale(row) || changed {
			return g.refreshed(row, g.refreshChain(repo), repo, role)
		}
	case data.CanonicalTimestampRole:
		if row.ExpiresAt.Before(g.now().Add(otatuf.TimestampRefreshWindow)) {
			return g.refreshed(row, g.refreshTimestamp(repo), repo, role)
		}
	}
	return row, nil
}

// refreshChain rebuilds everything the server can re-sign: the full cascade
// for server-generated targets, snapshot and timestamp only when the targets
// document is client-signed
func (g *Generator) refreshChain(repo data.RepoID) error {
	row, err := g.store.GetSignedRole(repo, data.CanonicalTargetsRole)
	if err == nil && row.Offline {
		return g.refreshSnapshotTimestamp(repo)
	}
	return g.regenerate(repo)
}

// refreshed re-reads the role after a refresh attempt. A repo whose signing
// key has been taken offline keeps serving the stored document.
func (g *Generator) refreshed(stale storage.SignedRole, refreshErr error, repo data.RepoID, role data.RoleName) (storage.SignedRole, error) {
	if refreshErr != nil {
		if apiErr, ok := refreshErr.(utils.Error); ok && apiErr.Code == "role_key_not_found" {
			logrus.WithField("repo", repo).Debugf("cannot refresh %s, serving stored version", role)
			return stale, nil
		}
		return storage.SignedRole{}, refreshErr
	}
	return g.store.GetSignedRole(repo, role)
}

func (g *Generator) now() time.Time {
	return g.clock.Now().UTC()
}

func (g *Generator) isStale(row storage.SignedRole) bool {
	if !row.ExpiresAt.After(g.now()) {
		return true
	}
	notBefore, err := g.store.GetExpireNotBefore(data.RepoID(row.Repo))
	if err != nil || notBefore == nil {
		return false
	}
	return row.ExpiresAt.Before(*notBefore)
}

// rootChanged detects a root rotation: the stored snapshot references the
// root by version, so a newer root invalidates the whole stored chain even
// before anything expires
func (g *Generator) rootChanged(repo data.RepoID) (bool, error) {
	row, err := g.store.GetSignedRole(repo, data.CanonicalSnapshotRole)
	if _, ok := err.(storage.ErrNotFound); ok {
		return false, nil
	} else if err != nil {
		return false, err
	}
	snapshot, err := parseSnapshot(row.Content)
	if err != nil {
		return false, err
	}
	rootMeta, err := snapshot.GetMeta(data.CanonicalRootRole)
	if err != nil {
		return false, err
	}

	notBefore, err := g.store.GetExpireNotBefore(repo)
	if err != nil {
		return false, err
	}
	root, _, err := g.keys.FetchRoot(repo, notBefore)
	if err != nil {
		return false, err
	}
	return root.Signed.Version != rootMeta.Version, nil
}

// expiresAt computes a role expiry, honoring the repo's configured
// expire-not-before instant
func (g *Generator) expiresAt(ttl time.Duration, notBefore *time.Time) time.Time {
	expires := g.now().Add(ttl)
	if notBefore != nil && expires.Before(*notBefore) {
		return notBefore.UTC()
	}
	return expires
}

// signRole sends the unsigned portion of a role to the key server's signing
// oracle and returns the canonical bytes of the full signed document
func (g *Generator) signRole(repo data.RepoID, role data.RoleName, unsigned interface{}) ([]byte, error) {
	payload, err := data.MarshalCanonical(unsigned)
	if err != nil {
		return nil, err
	}
	signedObj, err := g.keys.SignPayload(repo, role, json.RawMessage(payload))
	if err != nil {
		return nil, err
	}
	return data.MarshalCanonical(signedObj)
}

func checksumHex(content []byte) string {
	digest := sha256.Sum256(content)
	return hex.EncodeToString(digest[:])
}

// regenerate rebuilds the full targets, snapshot and timestamp chain,
// bumping each role by one version and persisting all three atomically
func (g *Generator) regenerate(repo data.RepoID) error {
	return g.regenerateWith(repo, "", nil)
}

// regenerateWith rebuilds the chain from the target catalog, optionally
// excluding one filename or overriding one item that is not yet persisted.
// The catalog itself is untouched, so a signing failure leaves everything
// as it was.
func (g *Generator) regenerateWith(repo data.RepoID, exclude string, override *storage.TargetItem) error {
	notBefore, err := g.store.GetExpireNotBefore(repo)
	if err != nil {
		return err
	}
	root, rootRaw, err := g.keys.FetchRoot(repo, notBefore)
	if err != nil {
		return err
	}

	targetFiles, err := g.catalogFiles(repo, exclude, override)
	if err != nil {
		return err
	}

	targets := data.Targets{
		SignedCommon: data.SignedCommon{
			Type:    data.TUFTypes[data.CanonicalTargetsRole],
			Version: g.currentVersion(repo, data.CanonicalTargetsRole) + 1,
			Expires: g.expiresAt(g.targetsTTL, notBefore).Round(time.Second),
		},
		Targets: targetFiles,
	}
	delegations, err := g.currentDelegations(repo)
	if err != nil {
		return err
	}
	targets.Delegations = delegations

	targetsContent, err := g.signRole(repo, data.CanonicalTargetsRole, targets)
	if err != nil {
		return err
	}

	rows, err := g.buildSnapshotTimestamp(repo, notBefore,
		data.NewSnapshotFileMeta(rootRaw, root.Signed.Version),
		data.NewSnapshotFileMeta(targetsContent, targets.Version))
	if err != nil {
		return err
	}

	rows = append([]storage.SignedRole{{
		Repo:      repo.String(),
		Role:      data.CanonicalTargetsRole.String(),
		Version:   targets.Version,
		ExpiresAt: targets.Expires,
		Checksum:  checksumHex(targetsContent),
		Length:    int64(len(targetsContent)),
		Content:   targetsContent,
		Offline:   false,
	}}, rows...)

	return g.persistRoles(repo, rows)
}

// refreshSnapshotTimestamp re-signs snapshot and timestamp against the
// current root and the stored targets, without touching the targets role
func (g *Generator) refreshSnapshotTimestamp(repo data.RepoID) error {
	notBefore, err := g.store.GetExpireNotBefore(repo)
	if err != nil {
		return err
	}
	root, rootRaw, err := g.keys.FetchRoot(repo, notBefore)
	if err != nil {
		return err
	}
	targetsRow, err := g.store.GetSignedRole(repo, data.CanonicalTargetsRole)
	if err != nil {
		return err
	}

	rows, err := g.buildSnapshotTimestamp(repo, notBefore,
		data.NewSnapshotFileMeta(rootRaw, root.Signed.Version),
		data.NewSnapshotFileMeta(targetsRow.Content, targetsRow.Version))
	if err != nil {
		return err
	}
	return g.persistRoles(repo, rows)
}

// buildSnapshotTimestamp signs a snapshot over the given root and targets
// meta, and a timestamp over that snapshot
func (g *Generator) buildSnapshotTimestamp(repo data.RepoID, notBefore *time.Time, rootMeta, targetsMeta data.SnapshotFileMeta) ([]storage.SignedRole, error) {
	snapshot := data.Snapshot{
		SignedCommon: data.SignedCommon{
			Type:    data.TUFTypes[data.CanonicalSnapshotRole],
			Version: g.currentVersion(repo, data.CanonicalSnapshotRole) + 1,
			Expires: g.expiresAt(g.snapshotTTL, notBefore).Round(time.Second),
		},
		Meta: map[string]data.SnapshotFileMeta{
			data.CanonicalRootRole.MetadataPath():    rootMeta,
			data.CanonicalTargetsRole.MetadataPath(): targetsMeta,
		},
	}
	snapshotContent, err := g.signRole(repo, data.CanonicalSnapshotRole, snapshot)
	if err != nil {
		return nil, err
	}

	timestamp := data.Timestamp{
		SignedCommon: data.SignedCommon{
			Type:    data.TUFTypes[data.CanonicalTimestampRole],
			Version: g.currentVersion(repo, data.CanonicalTimestampRole) + 1,
			Expires: g.expiresAt(g.timestampTTL, notBefore).Round(time.Second),
		},
		Meta: map[string]data.SnapshotFileMeta{
			data.CanonicalSnapshotRole.MetadataPath(): data.NewSnapshotFileMeta(snapshotContent, snapshot.Version),
		},
	}
	timestampContent, err := g.signRole(repo, data.CanonicalTimestampRole, timestamp)
	if err != nil {
		return nil, err
	}

	return []storage.SignedRole{
		{
			Repo:      repo.String(),
			Role:      data.CanonicalSnapshotRole.String(),
			Version:   snapshot.Version,
			ExpiresAt: snapshot.Expires,
			Checksum:  checksumHex(snapshotContent),
			Length:    int64(len(snapshotContent)),
			Content:   snapshotContent,
		},
		{
			Repo:      repo.String(),
			Role:      data.CanonicalTimestampRole.String(),
			Version:   timestamp.Version,
			ExpiresAt: timestamp.Expires,
			Checksum:  checksumHex(timestampContent),
			Length:    int64(len(timestampContent)),
			Content:   timestampContent,
		},
	}, nil
}

// refreshTimestamp re-signs only the timestamp, extending its expiry, when
// the referenced snapshot is unchanged
func (g *Generator) refreshTimestamp(repo data.RepoID) error {
	notBefore, err := g.store.GetExpireNotBefore(repo)
	if err != nil {
		return err
	}
	snapshotRow, err := g.store.GetSignedRole(repo, data.CanonicalSnapshotRole)
	if err != nil {
		return err
	}

	timestamp := data.Timestamp{
		SignedCommon: data.SignedCommon{
			Type:    data.TUFTypes[data.CanonicalTimestampRole],
			Version: g.currentVersion(repo, data.CanonicalTimestampRole) + 1,
			Expires: g.expiresAt(otatuf.TimestampRefreshExtension, notBefore).Round(time.Second),
		},
		Meta: map[string]data.SnapshotFileMeta{
			data.CanonicalSnapshotRole.MetadataPath(): data.NewSnapshotFileMeta(snapshotRow.Content, snapshotRow.Version),
		},
	}
	content, err := g.signRole(repo, data.CanonicalTimestampRole, timestamp)
	if err != nil {
		return err
	}

	return g.persistRoles(repo, []storage.SignedRole{{
		Repo:      repo.String(),
		Role:      data.CanonicalTimestampRole.String(),
		Version:   timestamp.Version,
		ExpiresAt: timestamp.Expires,
		Checksum:  checksumHex(content),
		Length:    int64(len(content)),
		Content:   content,
	}})
}

func (g *Generator) persistRoles(repo data.RepoID, rows []storage.SignedRole) error {
	if err := g.store.UpdateSignedRoles(repo, rows); err != nil {
		if bump, ok := err.(storage.ErrInvalidVersionBump); ok {
			return errors.ErrInvalidVersionBump.WithCause(map[string]int{
				"current": bump.Current,
				"given":   bump.Given,
			})
		}
		return err
	}
	return nil
}

func (g *Generator) currentVersion(repo data.RepoID, role data.RoleName) int {
	row, err := g.store.GetSignedRole(repo, role)
	if err != nil {
		return 0
	}
	return row.Version
}

// currentDelegations carries the delegation declarations of the stored
// targets document into the next version
func (g *Generator) currentDelegations(repo data.RepoID) (*data.Delegations, error) {
	row, err := g.store.GetSignedRole(repo, data.CanonicalTargetsRole)
	if _, ok := err.(storage.ErrNotFound); ok {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	current, err := parseTargets(row.Content, data.CanonicalTargetsRole)
	if err != nil {
		return nil, err
	}
	return current.Signed.Delegations, nil
}

// catalogFiles renders the full target catalog as targets role entries
func (g *Generator) catalogFiles(repo data.RepoID, exclude string, override *storage.TargetItem) (data.Files, error) {
	files := make(data.Files)
	offset := 0
	for {
		items, total, err := g.store.ListTargetItems(repo, "", offset, otatuf.MaxPageLimit)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if item.Filename == exclude {
				continue
			}
			if override != nil && item.Filename == override.Filename {
				continue
			}
			meta, err := fileMetaFor(item)
			if err != nil {
				return nil, err
			}
			files[item.Filename] = meta
		}
		offset += len(items)
		if int64(offset) >= total || len(items) == 0 {
			break
		}
	}
	if override != nil {
		meta, err := fileMetaFor(*override)
		if err != nil {
			return nil, err
		}
		files[override.Filename] = meta
	}
	return files, nil
}

func fileMetaFor(item storage.TargetItem) (data.FileMeta, error) {
	digest, err := hex.DecodeString(item.ChecksumHex)
	if err != nil {
		return data.FileMeta{}, err
	}
	meta := data.FileMeta{
		Length: item.Length,
		Hashes: data.Hashes{item.ChecksumMethod: digest},
	}
	if len(item.Custom) > 0 {
		raw := json.RawMessage(item.Custom)
		meta.Custom = &raw
	}
	return meta, nil
}

func parseTargets(content []byte, role data.RoleName) (*data.SignedTargets, error) {
	s := &data.Signed{}
	if err := json.Unmarshal(content, s); err != nil {
		return nil, err
	}
	return data.TargetsFromSigned(s, role)
}

func parseSnapshot(content []byte) (*data.SignedSnapshot, error) {
	s := &data.Signed{}
	if err := json.Unmarshal(content, s); err != nil {
		return nil, err
	}
	return data.SnapshotFromSigned(s)
}
