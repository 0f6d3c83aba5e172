package roles

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/docker/go/canonical/json"
	"github.com/stretchr/testify/require"

	"github.com/scala-steward/ota-tuf/tuf/data"
	"github.com/scala-steward/ota-tuf/tuf/signed"
)

func offlineFile(content []byte, name, version string) data.FileMeta {
	digest := sha256.Sum256(content)
	custom := json.RawMessage(fmt.Sprintf(`{"name":%q,"version":%q}`, name, version))
	return data.FileMeta{
		Length: int64(len(content)),
		Hashes: data.Hashes{data.SHA256: data.HexBytes(digest[:])},
		Custom: &custom,
	}
}

func offlineTargetsDoc(version int, files data.Files) data.Targets {
	if files == nil {
		files = make(data.Files)
	}
	return data.Targets{
		SignedCommon: data.SignedCommon{
			Type:    data.TUFTypes[data.CanonicalTargetsRole],
			Version: version,
			Expires: time.Now().Add(30 * 24 * time.Hour).UTC().Round(time.Second),
		},
		Targets: files,
	}
}

// signTargetsDoc produces a client-signed targets document. The key server
// engine holds the targets keys here, standing in for the client's offline
// signing setup.
func signTargetsDoc(t *testing.T, env *testEnv, repo data.RepoID, doc data.Targets) *data.Signed {
	t.Helper()
	raw, err := data.MarshalCanonical(doc)
	require.NoError(t, err)
	s, err := env.engine.SignPayload(repo, data.CanonicalTargetsRole, json.RawMessage(raw))
	require.NoError(t, err)
	return s
}

func TestPushOfflineTargetsReplacesServerChain(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("77777777-0000-4000-8000-000000000001")
	env.createRepo(t, repo)

	doc := offlineTargetsDoc(2, data.Files{
		"vim-2.0.1": offlineFile([]byte("vim"), "vim", "2.0.1"),
	})
	require.NoError(t, env.gen.PushOfflineTargets(repo, signTargetsDoc(t, env, repo, doc), ""))

	row, err := env.gen.Find(repo, data.CanonicalTargetsRole)
	require.NoError(t, err)
	require.True(t, row.Offline)
	require.Equal(t, 2, row.Version)

	snapshot := parseStoredSnapshot(t, env, repo)
	targetsMeta, err := snapshot.GetMeta(data.CanonicalTargetsRole)
	require.NoError(t, err)
	require.Equal(t, 2, targetsMeta.Version)
	require.Equal(t, row.Checksum, targetsMeta.Hashes[data.SHA256].String())

	item, err := env.gen.GetTargetItem(repo, "vim-2.0.1")
	require.NoError(t, err)
	var custom data.TargetCustom
	require.NoError(t, json.Unmarshal(item.Custom, &custom))
	require.Equal(t, "vim", custom.Name)
	require.Equal(t, "2.0.1", custom.Version)
}

func TestPushOfflineChecksumPreconditions(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("77777777-0000-4000-8000-000000000002")
	env.createRepo(t, repo)

	require.NoError(t, env.gen.PushOfflineTargets(repo, signTargetsDoc(t, env, repo, offlineTargetsDoc(2, nil)), ""))
	current, err := env.store.GetSignedRole(repo, data.CanonicalTargetsRole)
	require.NoError(t, err)

	next := signTargetsDoc(t, env, repo, offlineTargetsDoc(3, nil))
	err = env.gen.PushOfflineTargets(repo, next, "")
	requireAPIError(t, err, "precondition_required")
	err = env.gen.PushOfflineTargets(repo, next, strings.Repeat("00", 32))
	requireAPIError(t, err, "precondition_failed")

	require.NoError(t, env.gen.PushOfflineTargets(repo, next, current.Checksum))
	require.Equal(t, 3, env.roleVersion(t, repo, data.CanonicalTargetsRole))
}

func TestPushOfflineVersionMustBumpByOne(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("77777777-0000-4000-8000-000000000003")
	env.createRepo(t, repo)

	require.NoError(t, env.gen.PushOfflineTargets(repo, signTargetsDoc(t, env, repo, offlineTargetsDoc(2, nil)), ""))
	current, err := env.store.GetSignedRole(repo, data.CanonicalTargetsRole)
	require.NoError(t, err)

	err = env.gen.PushOfflineTargets(repo, signTargetsDoc(t, env, repo, offlineTargetsDoc(4, nil)), current.Checksum)
	apiErr := requireAPIError(t, err, "invalid_version_bump")
	require.NotNil(t, apiErr.Cause)
	require.Contains(t, string(*apiErr.Cause), `"current":2`)
	require.Contains(t, string(*apiErr.Cause), `"given":4`)

	// the failed push left the chain untouched
	require.Equal(t, 2, env.roleVersion(t, repo, data.CanonicalTargetsRole))
}

func TestPushOfflineRejectsBadSignatures(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("77777777-0000-4000-8000-000000000004")
	env.createRepo(t, repo)

	doc := offlineTargetsDoc(2, nil)
	raw, err := data.MarshalCanonical(doc)
	require.NoError(t, err)

	// signed by a key the root role never declared
	foreign := signed.NewEd25519()
	foreignKey, err := foreign.Create(data.CanonicalTargetsRole, repo, data.ED25519Key)
	require.NoError(t, err)
	payload := json.RawMessage(raw)
	s := &data.Signed{Signed: &payload}
	require.NoError(t, signed.Sign(foreign, s, []data.PublicKey{foreignKey}, 1, nil))
	err = env.gen.PushOfflineTargets(repo, s, "")
	requireAPIError(t, err, "payload_signature_invalid")

	// a duplicated signature is rejected rather than counted once
	s = signTargetsDoc(t, env, repo, doc)
	s.Signatures = append(s.Signatures, s.Signatures[0])
	err = env.gen.PushOfflineTargets(repo, s, "")
	requireAPIError(t, err, "payload_signature_invalid")
}

func TestPushOfflineRequiresCustomMeta(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("77777777-0000-4000-8000-000000000005")
	env.createRepo(t, repo)

	meta := offlineFile([]byte("vim"), "vim", "2.0.1")
	meta.Custom = nil
	doc := offlineTargetsDoc(2, data.Files{"vim-2.0.1": meta})
	err := env.gen.PushOfflineTargets(repo, signTargetsDoc(t, env, repo, doc), "")
	requireAPIError(t, err, "invalid_target")

	doc = offlineTargetsDoc(2, data.Files{
		"vim-2.0.1": offlineFile([]byte("vim"), "", ""),
	})
	err = env.gen.PushOfflineTargets(repo, signTargetsDoc(t, env, repo, doc), "")
	requireAPIError(t, err, "invalid_target")
}

func TestPushOfflineCarriedItemsKeepCustomMeta(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("77777777-0000-4000-8000-000000000009")
	env.createRepo(t, repo)

	doc := offlineTargetsDoc(2, data.Files{
		"vim-2.0.1": offlineFile([]byte("vim"), "vim", "2.0.1"),
	})
	require.NoError(t, env.gen.PushOfflineTargets(repo, signTargetsDoc(t, env, repo, doc), ""))
	current, err := env.store.GetSignedRole(repo, data.CanonicalTargetsRole)
	require.NoError(t, err)

	// an item already in the previous targets may drop its custom metadata;
	// its catalog row keeps the metadata from the earlier push
	stripped := offlineFile([]byte("vim"), "vim", "2.0.1")
	stripped.Custom = nil
	doc = offlineTargetsDoc(3, data.Files{"vim-2.0.1": stripped})
	require.NoError(t, env.gen.PushOfflineTargets(repo, signTargetsDoc(t, env, repo, doc), current.Checksum))

	item, err := env.gen.GetTargetItem(repo, "vim-2.0.1")
	require.NoError(t, err)
	var custom data.TargetCustom
	require.NoError(t, json.Unmarshal(item.Custom, &custom))
	require.Equal(t, "vim", custom.Name)
	require.Equal(t, "2.0.1", custom.Version)

	// a file new to the push still has to carry custom metadata
	current, err = env.store.GetSignedRole(repo, data.CanonicalTargetsRole)
	require.NoError(t, err)
	bare := offlineFile([]byte("emacs"), "emacs", "29.1")
	bare.Custom = nil
	doc = offlineTargetsDoc(4, data.Files{
		"vim-2.0.1":  stripped,
		"emacs-29.1": bare,
	})
	err = env.gen.PushOfflineTargets(repo, signTargetsDoc(t, env, repo, doc), current.Checksum)
	requireAPIError(t, err, "invalid_target")
}

func TestPushOfflineIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("77777777-0000-4000-8000-000000000006")
	env.createRepo(t, repo)

	s := signTargetsDoc(t, env, repo, offlineTargetsDoc(2, nil))
	require.NoError(t, env.gen.PushOfflineTargets(repo, s, ""))
	current, err := env.store.GetSignedRole(repo, data.CanonicalTargetsRole)
	require.NoError(t, err)
	snapshotBefore := env.roleVersion(t, repo, data.CanonicalSnapshotRole)

	require.NoError(t, env.gen.PushOfflineTargets(repo, s, current.Checksum))
	require.Equal(t, 2, env.roleVersion(t, repo, data.CanonicalTargetsRole))
	require.Equal(t, snapshotBefore, env.roleVersion(t, repo, data.CanonicalSnapshotRole))
}

func TestPushOfflineSyncsCatalogAndBlobs(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("77777777-0000-4000-8000-000000000007")
	env.createRepo(t, repo)

	_, _, err := env.blobs.Store(repo, "alpha", bytes.NewReader([]byte("alpha binary")))
	require.NoError(t, err)

	doc := offlineTargetsDoc(2, data.Files{
		"alpha": offlineFile([]byte("alpha binary"), "alpha", "1.0.0"),
		"beta":  offlineFile([]byte("beta binary"), "beta", "1.0.0"),
	})
	require.NoError(t, env.gen.PushOfflineTargets(repo, signTargetsDoc(t, env, repo, doc), ""))
	_, err = env.gen.GetTargetItem(repo, "alpha")
	require.NoError(t, err)
	_, err = env.gen.GetTargetItem(repo, "beta")
	require.NoError(t, err)

	current, err := env.store.GetSignedRole(repo, data.CanonicalTargetsRole)
	require.NoError(t, err)
	doc = offlineTargetsDoc(3, data.Files{
		"beta": offlineFile([]byte("beta binary"), "beta", "1.0.0"),
	})
	require.NoError(t, env.gen.PushOfflineTargets(repo, signTargetsDoc(t, env, repo, doc), current.Checksum))

	// the dropped target loses its catalog row and its stored binary
	_, err = env.gen.GetTargetItem(repo, "alpha")
	requireAPIError(t, err, "missing_entity")
	require.False(t, env.blobs.Exists(repo, "alpha"))
	_, err = env.gen.GetTargetItem(repo, "beta")
	require.NoError(t, err)
}

func TestOfflineTargetsServeAsStoredWhenStale(t *testing.T) {
	env := newTestEnv(t)
	repo := data.RepoID("77777777-0000-4000-8000-000000000008")
	env.createRepo(t, repo)

	require.NoError(t, env.gen.PushOfflineTargets(repo, signTargetsDoc(t, env, repo, offlineTargetsDoc(2, nil)), ""))

	// past the snapshot expiry only snapshot and timestamp are re-signed;
	// the client-signed targets document is never touched
	env.clock.AddTime(25 * time.Hour)
	row, err := env.gen.Find(repo, data.CanonicalSnapshotRole)
	require.NoError(t, err)
	require.Equal(t, 3, row.Version)
	require.Equal(t, 2, env.roleVersion(t, repo, data.CanonicalTargetsRole))

	targetsRow, err := env.gen.Find(repo, data.CanonicalTargetsRole)
	require.NoError(t, err)
	require.Equal(t, 2, targetsRow.Version)
	require.True(t, targetsRow.Offline)
}
