package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scala-steward/ota-tuf/tuf/data"
)

func TestSignedRootVersionsAreMonotonic(t *testing.T) {
	st := NewMemStorage()
	repo := data.RepoID("22222222-0000-4000-8000-000000000001")
	expires := time.Now().Add(time.Hour)

	require.NoError(t, st.AddSignedRoot(repo, 1, expires, []byte("v1")))
	require.NoError(t, st.AddSignedRoot(repo, 2, expires, []byte("v2")))

	err := st.AddSignedRoot(repo, 2, expires, []byte("v2 again"))
	require.IsType(t, ErrOldVersion{}, err)
	err = st.AddSignedRoot(repo, 1, expires, []byte("v1 again"))
	require.IsType(t, ErrOldVersion{}, err)

	latest, err := st.LatestSignedRoot(repo)
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)
	require.Equal(t, []byte("v2"), latest.Content)

	v1, err := st.SignedRootVersion(repo, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v1.Content)

	_, err = st.SignedRootVersion(repo, 3)
	require.IsType(t, ErrNotFound{}, err)
	_, err = st.LatestSignedRoot(data.RepoID("other"))
	require.IsType(t, ErrNotFound{}, err)
}

func TestKeyGenRequestIDsAreUnique(t *testing.T) {
	st := NewMemStorage()
	req := KeyGenRequest{RequestID: "r1", Repo: "repo", Role: "targets", Status: KeyGenRequested}

	require.NoError(t, st.AddKeyGenRequests(req))
	err := st.AddKeyGenRequests(req)
	require.IsType(t, ErrRequestExists{}, err)
}

func TestPendingKeyGenRequestsHonorsLimit(t *testing.T) {
	st := NewMemStorage()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.AddKeyGenRequests(KeyGenRequest{
			RequestID: id, Repo: "repo", Role: "targets", Status: KeyGenRequested,
		}))
	}
	require.NoError(t, st.AddKeyGenRequests(KeyGenRequest{
		RequestID: "d", Repo: "repo", Role: "targets", Status: KeyGenError,
	}))

	pending, err := st.PendingKeyGenRequests(2)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	pending, err = st.PendingKeyGenRequests(10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
}

func TestKeysRoundTrip(t *testing.T) {
	st := NewMemStorage()
	repo := data.RepoID("22222222-0000-4000-8000-000000000002")
	key := Key{
		Repo:       repo.String(),
		Role:       "targets",
		KeyID:      "abc",
		KeyType:    string(data.ED25519Key),
		Public:     []byte("pub"),
		PrivateRef: "abc",
	}

	require.NoError(t, st.AddKey(key))
	err := st.AddKey(key)
	require.IsType(t, ErrKeyExists{}, err)

	got, err := st.GetKey(repo, "abc")
	require.NoError(t, err)
	require.True(t, got.Online())

	require.NoError(t, st.MarkKeyOffline(repo, "abc"))
	require.NoError(t, st.MarkKeyOffline(repo, "abc"))
	got, err = st.GetKey(repo, "abc")
	require.NoError(t, err)
	require.False(t, got.Online())

	_, err = st.GetKey(repo, "nope")
	require.IsType(t, ErrNotFound{}, err)
}
