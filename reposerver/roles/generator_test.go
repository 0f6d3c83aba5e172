package roles

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/docker/go/canonical/json"
	"github.com/stretchr/testify/require"

	otatuf "github.com/scala-steward/ota-tuf"
	keysclient "github.com/scala-steward/ota-tuf/keyserver/client"
	"github.com/scala-steward/ota-tuf/keyserver/keygen"
	"github.com/scala-steward/ota-tuf/keyserver/rootrole"
	"github.com/scala-steward/ota-tuf/keyserver/secrets"
	ksstorage "github.com/scala-steward/ota-tuf/keyserver/storage"
	"github.com/scala-steward/ota-tuf/reposerver/storage"
	"github.com/scala-steward/ota-tuf/reposerver/targetstore"
	"github.com/scala-steward/ota-tuf/tuf/data"
	"github.com/scala-steward/ota-tuf/utils"
)

type testEnv struct {
	gen    *Generator
	store  *storage.MemStorage
	engine *rootrole.Engine
	clock  *clock.MockClock
	blobs  *targetstore.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	keyStore := ksstorage.NewMemStorage()
	secretsStore := secrets.NewMemoryStore()
	engine := rootrole.NewEngine(keyStore, secretsStore, keygen.NewEngine(keyStore, secretsStore))

	store := storage.NewMemStorage()
	blobs := targetstore.NewMemoryStore()
	gen := NewGenerator(store, keysclient.NewLocal(engine), blobs)
	mc := clock.NewMockClock(time.Now())
	gen.SetClock(mc)

	return &testEnv{gen: gen, store: store, engine: engine, clock: mc, blobs: blobs}
}

func (env *testEnv) createRepo(t *testing.T, repo data.RepoID) {
	t.Helper()
	require.NoError(t, env.gen.CreateRepo(repo, "", data.ED25519Key, 1))
}

func (env *testEnv) roleVersion(t *testing.T, repo data.RepoID, role data.RoleName) int {
	t.Helper()
	row, err := env.store.GetSignedRole(repo, role)
	require.NoError(t, err)
	return row.Version
}

func rawJSON(s string) *json.RawMessage {
	raw := json.RawMessage(s)
	return &raw
}

func requireAPIError(t *testing.T, err error, code string) utils.Error {
	t.Helper()
	apiErr, ok := err.(utils.Error)
	require.True(t, ok, "expected an API error, got %v", err)
	require.Equal(t, code, apiErr.Code)
	return apiErr
}

func parseStoredSnapshot(t *testing.T, env *testEnv, repo data.RepoID) *data.SignedSnapshot {
	t.Helper()
	row, err := env.store.GetSignedRole(repo, data.CanonicalSnapshotRole)
	require.NoError(t, err)
	snapshot, err := parseSnapshot(row.Content)
	require.NoError(t, err)
	return snapshot
}

func parseStoredTimestamp(t *testing.T, env *testEnv, repo data.RepoID) *data.SignedTimestamp {
	t.Helper()
	row, err := env.store.GetSignedRole(repo, data.CanonicalTimestampRole)
	require.NoError(t, err)
	s := &data.Signed{}
	require.NoError(t, json.Unmarshal(row.Content, s))
	timestamp, err := data.TimestampFromSigned(s)
	require.NoError(t, err)
	return timestamp
}

func testTargetRequest(content []byte) TargetRequest {
	digest := sha256.Sum256(content)
	return TargetRequest{
		Length:       int64(len(content)),
		Checksum:     hex.EncodeToString(digest[:]),
		Name:         "vim",
		Version:      "2.0.1",
		HardwareIDs:  []string{"raspberrypi_rocko"},
		TargetFormat: data.TargetFormatBinary,
	}
}

func TestCreateRepoGeneratesInitialChain(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("66666666-0000-4000-8000-000000000001")

	require.NoError(t, env.gen.CreateRepo(repo, "tenant-a", data.ED25519Key, 1))

	mapped, err := env.store.RepoForNamespace("tenant-a")
	require.NoError(t, err)
	require.Equal(t, repo, mapped)

	for _, role := range []data.RoleName{data.CanonicalTargetsRole, data.CanonicalSnapshotRole, data.CanonicalTimestampRole} {
		row, err := env.gen.Find(repo, role)
		require.NoError(t, err)
		require.Equal(t, 1, row.Version)
		require.False(t, row.Offline)
	}

	targetsRow, err := env.store.GetSignedRole(repo, data.CanonicalTargetsRole)
	require.NoError(t, err)
	snapshot := parseStoredSnapshot(t, env, repo)
	rootMeta, err := snapshot.GetMeta(data.CanonicalRootRole)
	require.NoError(t, err)
	require.Equal(t, 1, rootMeta.Version)
	targetsMeta, err := snapshot.GetMeta(data.CanonicalTargetsRole)
	require.NoError(t, err)
	require.Equal(t, 1, targetsMeta.Version)
	require.Equal(t, targetsRow.Checksum, targetsMeta.Hashes[data.SHA256].String())

	timestamp := parseStoredTimestamp(t, env, repo)
	snapshotMeta := timestamp.Signed.Meta[data.CanonicalSnapshotRole.MetadataPath()]
	require.Equal(t, 1, snapshotMeta.Version)

	err = env.gen.CreateRepo(data.RepoID("66666666-0000-4000-8000-00000000000f"), "tenant-a", data.ED25519Key, 1)
	requireAPIError(t, err, "entity_already_exists")
}

func TestFindRegeneratesMissingRoles(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("66666666-0000-4000-8000-000000000002")

	// a repo provisioned directly against the key server has no roles yet
	_, err := env.engine.CreateRoot(repo, data.ED25519Key, 1, true)
	require.NoError(t, err)

	row, err := env.gen.Find(repo, data.CanonicalTimestampRole)
	require.NoError(t, err)
	require.Equal(t, 1, row.Version)
	require.Equal(t, 1, env.roleVersion(t, repo, data.CanonicalTargetsRole))
	require.Equal(t, 1, env.roleVersion(t, repo, data.CanonicalSnapshotRole))
}

func TestAddTargetBumpsWholeChain(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("66666666-0000-4000-8000-000000000003")
	env.createRepo(t, repo)

	content := []byte("vim binary")
	row, err := env.gen.AddTarget(repo, "vim-2.0.1", testTargetRequest(content))
	require.NoError(t, err)
	require.Equal(t, 2, row.Version)

	targets, err := parseTargets(row.Content, data.CanonicalTargetsRole)
	require.NoError(t, err)
	meta := targets.GetMeta("vim-2.0.1")
	require.NotNil(t, meta)
	require.Equal(t, int64(len(content)), meta.Length)
	require.NotNil(t, meta.Custom)
	var custom data.TargetCustom
	require.NoError(t, json.Unmarshal(*meta.Custom, &custom))
	require.Equal(t, "vim", custom.Name)
	require.Equal(t, "2.0.1", custom.Version)
	require.Equal(t, []string{"raspberrypi_rocko"}, custom.HardwareIDs)

	require.Equal(t, 2, env.roleVersion(t, repo, data.CanonicalSnapshotRole))
	require.Equal(t, 2, env.roleVersion(t, repo, data.CanonicalTimestampRole))

	snapshot := parseStoredSnapshot(t, env, repo)
	targetsMeta, err := snapshot.GetMeta(data.CanonicalTargetsRole)
	require.NoError(t, err)
	require.Equal(t, 2, targetsMeta.Version)
	require.Equal(t, row.Checksum, targetsMeta.Hashes[data.SHA256].String())

	item, err := env.gen.GetTargetItem(repo, "vim-2.0.1")
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), item.Length)
}

func TestAddTargetValidation(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("66666666-0000-4000-8000-000000000004")
	env.createRepo(t, repo)

	req := testTargetRequest([]byte("x"))
	req.Checksum = "not-a-checksum"
	_, err := env.gen.AddTarget(repo, "vim", req)
	requireAPIError(t, err, "invalid_target")

	req = testTargetRequest([]byte("x"))
	req.Length = 0
	_, err = env.gen.AddTarget(repo, "vim", req)
	requireAPIError(t, err, "invalid_target")

	req = testTargetRequest([]byte("x"))
	req.TargetFormat = data.TargetFormat("TARBALL")
	_, err = env.gen.AddTarget(repo, "vim", req)
	requireAPIError(t, err, "invalid_target")

	_, err = env.gen.AddTarget(repo, "../escape", testTargetRequest([]byte("x")))
	requireAPIError(t, err, "invalid_target")

	// nothing was persisted along the way
	require.Equal(t, 1, env.roleVersion(t, repo, data.CanonicalTargetsRole))
}

func TestDeleteTargetRegeneratesWithoutIt(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("66666666-0000-4000-8000-000000000005")
	env.createRepo(t, repo)

	_, err := env.gen.AddTarget(repo, "vim-2.0.1", testTargetRequest([]byte("vim")))
	require.NoError(t, err)

	require.NoError(t, env.gen.DeleteTarget(repo, "vim-2.0.1"))
	row, err := env.store.GetSignedRole(repo, data.CanonicalTargetsRole)
	require.NoError(t, err)
	require.Equal(t, 3, row.Version)
	targets, err := parseTargets(row.Content, data.CanonicalTargetsRole)
	require.NoError(t, err)
	require.Nil(t, targets.GetMeta("vim-2.0.1"))

	_, err = env.gen.GetTargetItem(repo, "vim-2.0.1")
	requireAPIError(t, err, "missing_entity")
	err = env.gen.DeleteTarget(repo, "vim-2.0.1")
	requireAPIError(t, err, "missing_entity")
}

func TestUploadedTargetIsStoredAndServed(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("66666666-0000-4000-8000-000000000006")
	env.createRepo(t, repo)

	content := []byte("uploaded binary contents")
	req := TargetRequest{Name: "cl-tool", Version: "0.1.0", HardwareIDs: []string{"hw1"}}
	require.NoError(t, env.gen.StoreTargetUpload(repo, "cl-tool-0.1.0", req, bytes.NewReader(content)))

	item, err := env.gen.GetTargetItem(repo, "cl-tool-0.1.0")
	require.NoError(t, err)
	digest := sha256.Sum256(content)
	require.Equal(t, hex.EncodeToString(digest[:]), item.ChecksumHex)
	require.Equal(t, int64(len(content)), item.Length)
	var custom data.TargetCustom
	require.NoError(t, json.Unmarshal(item.Custom, &custom))
	require.True(t, custom.CLIUploaded)

	rc, length, uri, err := env.gen.RetrieveTargetContent(repo, "cl-tool-0.1.0")
	require.NoError(t, err)
	require.Empty(t, uri)
	require.Equal(t, int64(len(content)), length)
	rc.Close()
}

func TestRetrieveUnmanagedTargetRedirects(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("66666666-0000-4000-8000-000000000007")
	env.createRepo(t, repo)

	req := testTargetRequest([]byte("remote"))
	req.URI = "https://example.com/vim-2.0.1"
	_, err := env.gen.AddTarget(repo, "vim-2.0.1", req)
	require.NoError(t, err)

	rc, _, uri, err := env.gen.RetrieveTargetContent(repo, "vim-2.0.1")
	require.NoError(t, err)
	require.Nil(t, rc)
	require.Equal(t, "https://example.com/vim-2.0.1", uri)

	// without a uri there is nothing to serve
	req.URI = ""
	_, err = env.gen.AddTarget(repo, "local-only", req)
	require.NoError(t, err)
	_, _, _, err = env.gen.RetrieveTargetContent(repo, "local-only")
	requireAPIError(t, err, "no_uri_for_unmanaged_target")
}

func TestTimestampRefreshesInsideWindow(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("66666666-0000-4000-8000-000000000008")
	env.createRepo(t, repo)

	before, err := env.store.GetSignedRole(repo, data.CanonicalTimestampRole)
	require.NoError(t, err)

	// well before the expiry window nothing happens
	env.clock.AddTime(otatuf.DefaultTimestampExpiry - 2*otatuf.TimestampRefreshWindow)
	row, err := env.gen.Find(repo, data.CanonicalTimestampRole)
	require.NoError(t, err)
	require.Equal(t, 1, row.Version)

	env.clock.AddTime(otatuf.TimestampRefreshWindow + time.Minute)
	row, err = env.gen.Find(repo, data.CanonicalTimestampRole)
	require.NoError(t, err)
	require.Equal(t, 2, row.Version)
	require.True(t, row.ExpiresAt.After(before.ExpiresAt))

	// only the timestamp moved
	require.Equal(t, 1, env.roleVersion(t, repo, data.CanonicalTargetsRole))
	require.Equal(t, 1, env.roleVersion(t, repo, data.CanonicalSnapshotRole))
	timestamp := parseStoredTimestamp(t, env, repo)
	require.Equal(t, 1, timestamp.Signed.Meta[data.CanonicalSnapshotRole.MetadataPath()].Version)
}

func TestExpiredSnapshotRegeneratesChain(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("66666666-0000-4000-8000-000000000009")
	env.createRepo(t, repo)

	env.clock.AddTime(otatuf.DefaultSnapshotExpiry + time.Hour)
	row, err := env.gen.Find(repo, data.CanonicalSnapshotRole)
	require.NoError(t, err)
	require.Equal(t, 2, row.Version)
	require.Equal(t, 2, env.roleVersion(t, repo, data.CanonicalTargetsRole))
	require.Equal(t, 2, env.roleVersion(t, repo, data.CanonicalTimestampRole))
}

func TestRootRotationInvalidatesStoredChain(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("66666666-0000-4000-8000-00000000000a")
	env.createRepo(t, repo)

	_, err := env.engine.Rotate(repo)
	require.NoError(t, err)

	row, err := env.gen.Find(repo, data.CanonicalTargetsRole)
	require.NoError(t, err)
	require.Equal(t, 2, row.Version)

	snapshot := parseStoredSnapshot(t, env, repo)
	rootMeta, err := snapshot.GetMeta(data.CanonicalRootRole)
	require.NoError(t, err)
	require.Equal(t, 2, rootMeta.Version)
}

func TestExpireNotBeforeForcesRefresh(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("66666666-0000-4000-8000-00000000000b")
	env.createRepo(t, repo)

	notBefore := time.Now().Add(90 * 24 * time.Hour).UTC().Round(time.Second)
	require.NoError(t, env.gen.SetExpireNotBefore(repo, notBefore))

	row, err := env.gen.Find(repo, data.CanonicalTargetsRole)
	require.NoError(t, err)
	require.Equal(t, 2, row.Version)
	require.False(t, row.ExpiresAt.Before(notBefore))

	row, err = env.gen.Find(repo, data.CanonicalSnapshotRole)
	require.NoError(t, err)
	require.False(t, row.ExpiresAt.Before(notBefore))
}

func TestOfflineKeysServeStoredChain(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("66666666-0000-4000-8000-00000000000c")
	env.createRepo(t, repo)

	root, _, err := keysclient.NewLocal(env.engine).FetchRoot(repo, nil)
	require.NoError(t, err)
	for _, keyID := range root.Signed.Roles[data.CanonicalTargetsRole].KeyIDs {
		require.NoError(t, env.engine.TakeOffline(repo, keyID))
	}

	// the chain cannot be re-signed, so the expired documents keep serving
	env.clock.AddTime(otatuf.DefaultSnapshotExpiry + time.Hour)
	row, err := env.gen.Find(repo, data.CanonicalSnapshotRole)
	require.NoError(t, err)
	require.Equal(t, 1, row.Version)

	row, err = env.gen.Find(repo, data.CanonicalTargetsRole)
	require.NoError(t, err)
	require.Equal(t, 1, row.Version)
}

func TestDeleteTargetFailsWhenKeysOffline(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("66666666-0000-4000-8000-00000000000f")
	env.createRepo(t, repo)

	_, err := env.gen.AddTarget(repo, "vim-2.0.1", testTargetRequest([]byte("vim")))
	require.NoError(t, err)

	root, _, err := keysclient.NewLocal(env.engine).FetchRoot(repo, nil)
	require.NoError(t, err)
	for _, keyID := range root.Signed.Roles[data.CanonicalTargetsRole].KeyIDs {
		require.NoError(t, env.engine.TakeOffline(repo, keyID))
	}

	// the chain cannot be re-signed without the targets key, so the delete
	// fails before the catalog is touched
	err = env.gen.DeleteTarget(repo, "vim-2.0.1")
	apiErr := requireAPIError(t, err, "role_key_not_found")
	require.Equal(t, http.StatusPreconditionFailed, apiErr.Status)

	_, err = env.gen.GetTargetItem(repo, "vim-2.0.1")
	require.NoError(t, err)
}

func TestPatchProprietaryLeavesOtherFieldsAlone(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("66666666-0000-4000-8000-00000000000d")
	env.createRepo(t, repo)

	_, err := env.gen.AddTarget(repo, "vim-2.0.1", testTargetRequest([]byte("vim")))
	require.NoError(t, err)

	custom, err := env.gen.PatchProprietary(repo, "vim-2.0.1", map[string]*json.RawMessage{
		"releaseNotes": rawJSON(`"first release"`),
		"name":         rawJSON(`"not the target name"`),
	})
	require.NoError(t, err)
	require.Equal(t, "vim", custom.Name)
	require.Equal(t, rawJSON(`"first release"`), custom.Proprietary["releaseNotes"])
	require.Equal(t, rawJSON(`"not the target name"`), custom.Proprietary["name"])

	// the values come back intact from the persisted catalog row
	item, err := env.gen.GetTargetItem(repo, "vim-2.0.1")
	require.NoError(t, err)
	var stored data.TargetCustom
	require.NoError(t, json.Unmarshal(item.Custom, &stored))
	require.Equal(t, rawJSON(`"first release"`), stored.Proprietary["releaseNotes"])

	// a second patch overwrites top level keys only
	custom, err = env.gen.PatchProprietary(repo, "vim-2.0.1", map[string]*json.RawMessage{
		"releaseNotes": rawJSON(`"second release"`),
	})
	require.NoError(t, err)
	require.Equal(t, rawJSON(`"second release"`), custom.Proprietary["releaseNotes"])
	require.Equal(t, rawJSON(`"not the target name"`), custom.Proprietary["name"])

	require.Equal(t, 4, env.roleVersion(t, repo, data.CanonicalTargetsRole))
}

func TestEditTargetUpdatesCustom(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("66666666-0000-4000-8000-00000000000e")
	env.createRepo(t, repo)

	_, err := env.gen.AddTarget(repo, "vim-2.0.1", testTargetRequest([]byte("vim")))
	require.NoError(t, err)

	uri := "https://example.com/mirror/vim-2.0.1"
	custom, err := env.gen.EditTarget(repo, "vim-2.0.1", EditTargetItem{
		URI:         &uri,
		HardwareIDs: []string{"hw-a", "hw-b"},
	})
	require.NoError(t, err)
	require.Equal(t, uri, custom.URI)
	require.Equal(t, []string{"hw-a", "hw-b"}, custom.HardwareIDs)
	require.Equal(t, "vim", custom.Name)

	_, err = env.gen.EditTarget(repo, "absent", EditTargetItem{})
	requireAPIError(t, err, "missing_entity")
}
