package rootrole

import (
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/docker/go/canonical/json"
	"github.com/stretchr/testify/require"

	otatuf "github.com/scala-steward/ota-tuf"
	"github.com/scala-steward/ota-tuf/keyserver/keygen"
	"github.com/scala-steward/ota-tuf/keyserver/secrets"
	"github.com/scala-steward/ota-tuf/keyserver/storage"
	"github.com/scala-steward/ota-tuf/tuf/data"
	"github.com/scala-steward/ota-tuf/tuf/signed"
	"github.com/scala-steward/ota-tuf/utils"
)

func testEngine(t *testing.T) (*Engine, *storage.MemStorage, *clock.MockClock) {
	t.Helper()
	store := storage.NewMemStorage()
	secretsStore := secrets.NewMemoryStore()
	keygenEngine := keygen.NewEngine(store, secretsStore)
	engine := NewEngine(store, secretsStore, keygenEngine)

	mc := clock.NewMockClock(time.Now())
	engine.SetClock(mc)
	keygenEngine.SetClock(mc)
	return engine, store, mc
}

func parseRow(t *testing.T, row storage.SignedRootRole) (*data.Signed, *data.SignedRoot) {
	t.Helper()
	s := &data.Signed{}
	require.NoError(t, json.Unmarshal(row.Content, s))
	root, err := data.RootFromSigned(s)
	require.NoError(t, err)
	return s, root
}

func requireAPIError(t *testing.T, err error, code string) utils.Error {
	t.Helper()
	require.Error(t, err)
	apiErr, ok := err.(utils.Error)
	require.True(t, ok, "expected an API error, got %v", err)
	require.Equal(t, code, apiErr.Code)
	return apiErr
}

func TestCreateRootForceSyncBuildsInitialRoot(t *testing.T) {
	engine, _, _ := testEngine(t)
	repo := data.RepoID("00000000-0000-4000-8000-000000000001")

	requestIDs, err := engine.CreateRoot(repo, data.ED25519Key, 1, true)
	require.NoError(t, err)
	require.Len(t, requestIDs, len(data.BaseRoles))

	row, err := engine.FindFresh(repo, nil)
	require.NoError(t, err)
	require.Equal(t, 1, row.Version)

	s, root := parseRow(t, row)
	require.Len(t, root.Signed.Roles, len(data.BaseRoles))
	for _, role := range data.BaseRoles {
		roleObj, ok := root.Signed.Roles[role]
		require.True(t, ok, "missing role %s", role)
		require.Equal(t, 1, roleObj.Threshold)
		require.Len(t, roleObj.KeyIDs, 1)
	}

	rootRole, err := root.BuildBaseRole(data.CanonicalRootRole)
	require.NoError(t, err)
	require.NoError(t, signed.VerifySignatures(s, rootRole))
}

func TestCreateRootHonorsThreshold(t *testing.T) {
	engine, _, _ := testEngine(t)
	repo := data.RepoID("00000000-0000-4000-8000-000000000002")

	requestIDs, err := engine.CreateRoot(repo, data.ED25519Key, 2, true)
	require.NoError(t, err)
	require.Len(t, requestIDs, 2*len(data.BaseRoles))

	row, err := engine.FindFresh(repo, nil)
	require.NoError(t, err)
	_, root := parseRow(t, row)
	for _, role := range data.BaseRoles {
		require.Equal(t, 2, root.Signed.Roles[role].Threshold)
		require.Len(t, root.Signed.Roles[role].KeyIDs, 2)
	}
}

func TestCreateRootRejectsInvalidParameters(t *testing.T) {
	engine, _, _ := testEngine(t)
	repo := data.RepoID("00000000-0000-4000-8000-000000000003")

	_, err := engine.CreateRoot(repo, data.ED25519Key, 0, true)
	requireAPIError(t, err, "invalid_parameters")

	_, err = engine.CreateRoot(repo, data.KeyType("dsa"), 1, true)
	requireAPIError(t, err, "invalid_parameters")
}

func TestCreateRootTwiceConflicts(t *testing.T) {
	engine, _, _ := testEngine(t)
	repo := data.RepoID("00000000-0000-4000-8000-000000000004")

	_, err := engine.CreateRoot(repo, data.ED25519Key, 1, true)
	require.NoError(t, err)

	_, err = engine.CreateRoot(repo, data.ED25519Key, 1, true)
	requireAPIError(t, err, "entity_already_exists")
}

func TestAsyncCreateRootFinishesThroughBatch(t *testing.T) {
	engine, store, _ := testEngine(t)
	repo := data.RepoID("00000000-0000-4000-8000-000000000005")

	requestIDs, err := engine.CreateRoot(repo, data.ED25519Key, 1, false)
	require.NoError(t, err)
	require.Len(t, requestIDs, len(data.BaseRoles))

	_, err = engine.FindFresh(repo, nil)
	requireAPIError(t, err, "keys_not_ready")

	keygenEngine := keygen.NewEngine(store, secretsForEngine(engine))
	processed, err := keygenEngine.ProcessBatch()
	require.NoError(t, err)
	require.Equal(t, len(data.BaseRoles), processed)

	row, err := engine.FindFresh(repo, nil)
	require.NoError(t, err)
	require.Equal(t, 1, row.Version)
}

// secretsForEngine shares the secret store of the engine under test so a
// second keygen engine writes where the first one would
func secretsForEngine(e *Engine) secrets.Store {
	return e.secrets
}

func TestFindFreshUnknownRepo(t *testing.T) {
	engine, _, _ := testEngine(t)
	_, err := engine.FindFresh(data.RepoID("no-such-repo"), nil)
	requireAPIError(t, err, "missing_entity")
}

func TestFindFreshRefreshesExpiredRoot(t *testing.T) {
	engine, _, mc := testEngine(t)
	repo := data.RepoID("00000000-0000-4000-8000-000000000006")

	_, err := engine.CreateRoot(repo, data.ED25519Key, 1, true)
	require.NoError(t, err)

	first, err := engine.FindFresh(repo, nil)
	require.NoError(t, err)
	require.Equal(t, 1, first.Version)

	mc.AddTime(otatuf.DefaultRootExpiry + time.Hour)

	second, err := engine.FindFresh(repo, nil)
	require.NoError(t, err)
	require.Equal(t, 2, second.Version)
	require.True(t, second.ExpiresAt.After(first.ExpiresAt))

	// the refreshed root keeps the key set of its predecessor
	_, firstRoot := parseRow(t, first)
	_, secondRoot := parseRow(t, second)
	require.Equal(t, firstRoot.Signed.Roles[data.CanonicalRootRole].KeyIDs,
		secondRoot.Signed.Roles[data.CanonicalRootRole].KeyIDs)
}

func TestFindFreshHonorsExpireNotBefore(t *testing.T) {
	engine, _, mc := testEngine(t)
	repo := data.RepoID("00000000-0000-4000-8000-000000000007")

	_, err := engine.CreateRoot(repo, data.ED25519Key, 1, true)
	require.NoError(t, err)

	// the root is fresh by wall clock but will be expired at the deadline
	deadline := mc.Now().Add(2 * otatuf.DefaultRootExpiry)
	row, err := engine.FindFresh(repo, &deadline)
	require.NoError(t, err)
	require.Equal(t, 2, row.Version)
	require.True(t, row.ExpiresAt.After(mc.Now()))
}

func TestFetchVersion(t *testing.T) {
	engine, _, mc := testEngine(t)
	repo := data.RepoID("00000000-0000-4000-8000-000000000008")

	_, err := engine.CreateRoot(repo, data.ED25519Key, 1, true)
	require.NoError(t, err)
	mc.AddTime(otatuf.DefaultRootExpiry + time.Hour)
	_, err = engine.FindFresh(repo, nil)
	require.NoError(t, err)

	v1, err := engine.FetchVersion(repo, 1)
	require.NoError(t, err)
	require.Equal(t, 1, v1.Version)

	_, err = engine.FetchVersion(repo, 42)
	requireAPIError(t, err, "missing_entity")
}

func TestRotateCrossSignsNewRoot(t *testing.T) {
	engine, store, _ := testEngine(t)
	repo := data.RepoID("00000000-0000-4000-8000-000000000009")

	_, err := engine.CreateRoot(repo, data.ED25519Key, 1, true)
	require.NoError(t, err)
	v1, err := engine.FindFresh(repo, nil)
	require.NoError(t, err)
	_, oldRoot := parseRow(t, v1)
	oldRootRole, err := oldRoot.BuildBaseRole(data.CanonicalRootRole)
	require.NoError(t, err)
	oldKeyID := oldRootRole.ListKeyIDs()[0]

	v2, err := engine.Rotate(repo)
	require.NoError(t, err)
	require.Equal(t, 2, v2.Version)

	s2, newRoot := parseRow(t, v2)
	newRootRole, err := newRoot.BuildBaseRole(data.CanonicalRootRole)
	require.NoError(t, err)
	require.Len(t, newRootRole.ListKeyIDs(), 1)
	require.NotEqual(t, oldKeyID, newRootRole.ListKeyIDs()[0])

	// the old root key drops out of the key map entirely
	_, stillThere := newRoot.Signed.Keys[oldKeyID]
	require.False(t, stillThere)

	// the other role keys survive the rotation
	require.Equal(t, oldRoot.Signed.Roles[data.CanonicalTargetsRole].KeyIDs,
		newRoot.Signed.Roles[data.CanonicalTargetsRole].KeyIDs)

	// old and new root keys both signed version 2
	require.NoError(t, signed.VerifySignatures(s2, oldRootRole))
	require.NoError(t, signed.VerifySignatures(s2, newRootRole))

	// the old key is offline now
	keyRow, err := store.GetKey(repo, oldKeyID)
	require.NoError(t, err)
	require.False(t, keyRow.Online())
}

func TestRotateUnknownRepo(t *testing.T) {
	engine, _, _ := testEngine(t)
	_, err := engine.Rotate(data.RepoID("no-such-repo"))
	requireAPIError(t, err, "missing_entity")
}

func signNextRoot(t *testing.T, engine *Engine, repo data.RepoID, mutate func(*data.Root)) *data.Signed {
	t.Helper()
	next, err := engine.NextUnsigned(repo)
	require.NoError(t, err)
	if mutate != nil {
		mutate(next)
	}
	payload, err := data.MarshalCanonical(next)
	require.NoError(t, err)
	s, err := engine.SignPayload(repo, data.CanonicalRootRole, json.RawMessage(payload))
	require.NoError(t, err)
	return s
}

func TestValidateAndPersistAcceptsNextVersion(t *testing.T) {
	engine, _, _ := testEngine(t)
	repo := data.RepoID("00000000-0000-4000-8000-00000000000a")

	_, err := engine.CreateRoot(repo, data.ED25519Key, 1, true)
	require.NoError(t, err)
	_, err = engine.FindFresh(repo, nil)
	require.NoError(t, err)

	payload := signNextRoot(t, engine, repo, nil)
	require.NoError(t, engine.ValidateAndPersist(repo, payload))

	row, err := engine.FindFresh(repo, nil)
	require.NoError(t, err)
	require.Equal(t, 2, row.Version)
}

func TestValidateAndPersistRejectsWrongVersion(t *testing.T) {
	engine, _, _ := testEngine(t)
	repo := data.RepoID("00000000-0000-4000-8000-00000000000b")

	_, err := engine.CreateRoot(repo, data.ED25519Key, 1, true)
	require.NoError(t, err)
	_, err = engine.FindFresh(repo, nil)
	require.NoError(t, err)

	payload := signNextRoot(t, engine, repo, func(root *data.Root) {
		root.Version++ // skips a version
	})
	err = engine.ValidateAndPersist(repo, payload)
	apiErr := requireAPIError(t, err, "invalid_root_role")
	require.NotNil(t, apiErr.Cause)

	var causes []string
	require.NoError(t, json.Unmarshal(*apiErr.Cause, &causes))
	require.NotEmpty(t, causes)
	require.Contains(t, causes[0], "version must be exactly 2")
}

func TestValidateAndPersistRejectsForeignSignature(t *testing.T) {
	engine, _, _ := testEngine(t)
	repo := data.RepoID("00000000-0000-4000-8000-00000000000c")
	other := data.RepoID("00000000-0000-4000-8000-00000000000d")

	for _, r := range []data.RepoID{repo, other} {
		_, err := engine.CreateRoot(r, data.ED25519Key, 1, true)
		require.NoError(t, err)
		_, err = engine.FindFresh(r, nil)
		require.NoError(t, err)
	}

	// signed by the wrong repo's root keys
	next, err := engine.NextUnsigned(repo)
	require.NoError(t, err)
	payload, err := data.MarshalCanonical(next)
	require.NoError(t, err)
	s, err := engine.SignPayload(other, data.CanonicalRootRole, json.RawMessage(payload))
	require.NoError(t, err)

	err = engine.ValidateAndPersist(repo, s)
	requireAPIError(t, err, "invalid_root_role")
}

func TestAddRoles(t *testing.T) {
	engine, _, _ := testEngine(t)
	repo := data.RepoID("00000000-0000-4000-8000-00000000000e")

	_, err := engine.CreateRoot(repo, data.ED25519Key, 1, true)
	require.NoError(t, err)
	_, err = engine.FindFresh(repo, nil)
	require.NoError(t, err)

	row, err := engine.AddRoles(repo, data.RemoteSessionsRole)
	require.NoError(t, err)
	require.Equal(t, 2, row.Version)

	_, root := parseRow(t, row)
	roleObj, ok := root.Signed.Roles[data.RemoteSessionsRole]
	require.True(t, ok)
	require.Equal(t, 1, roleObj.Threshold)
	require.Len(t, roleObj.KeyIDs, 1)

	// adding the same role again does not bump the version
	again, err := engine.AddRoles(repo, data.RemoteSessionsRole)
	require.NoError(t, err)
	require.Equal(t, 2, again.Version)

	_, err = engine.AddRoles(repo, data.RoleName("garbage"))
	requireAPIError(t, err, "invalid_parameters")
}

func TestSignPayload(t *testing.T) {
	engine, _, _ := testEngine(t)
	repo := data.RepoID("00000000-0000-4000-8000-00000000000f")

	_, err := engine.CreateRoot(repo, data.ED25519Key, 1, true)
	require.NoError(t, err)
	row, err := engine.FindFresh(repo, nil)
	require.NoError(t, err)
	_, root := parseRow(t, row)

	payload := json.RawMessage(`{"hello":"world"}`)
	s, err := engine.SignPayload(repo, data.CanonicalTargetsRole, payload)
	require.NoError(t, err)
	require.Len(t, s.Signatures, 1)

	targetsRole, err := root.BuildBaseRole(data.CanonicalTargetsRole)
	require.NoError(t, err)
	require.NoError(t, signed.VerifySignatures(s, targetsRole))

	_, err = engine.SignPayload(repo, data.RoleName("no-such-role"), payload)
	requireAPIError(t, err, "missing_entity")
}

func TestTakeOfflineStopsSigning(t *testing.T) {
	engine, _, _ := testEngine(t)
	repo := data.RepoID("00000000-0000-4000-8000-000000000010")

	_, err := engine.CreateRoot(repo, data.ED25519Key, 1, true)
	require.NoError(t, err)
	row, err := engine.FindFresh(repo, nil)
	require.NoError(t, err)
	_, root := parseRow(t, row)

	targetsRole, err := root.BuildBaseRole(data.CanonicalTargetsRole)
	require.NoError(t, err)
	for _, keyID := range targetsRole.ListKeyIDs() {
		require.NoError(t, engine.TakeOffline(repo, keyID))
		// taking the same key offline twice is a no-op
		require.NoError(t, engine.TakeOffline(repo, keyID))
	}

	_, err = engine.SignPayload(repo, data.CanonicalTargetsRole, json.RawMessage(`{}`))
	requireAPIError(t, err, "role_key_not_found")

	err = engine.TakeOffline(repo, "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	requireAPIError(t, err, "missing_entity")
}
