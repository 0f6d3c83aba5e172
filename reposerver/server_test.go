package reposerver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docker/go/canonical/json"
	"github.com/stretchr/testify/require"

	otatuf "github.com/scala-steward/ota-tuf"
	keysclient "github.com/scala-steward/ota-tuf/keyserver/client"
	"github.com/scala-steward/ota-tuf/keyserver/keygen"
	"github.com/scala-steward/ota-tuf/keyserver/rootrole"
	"github.com/scala-steward/ota-tuf/keyserver/secrets"
	ksstorage "github.com/scala-steward/ota-tuf/keyserver/storage"
	"github.com/scala-steward/ota-tuf/reposerver/roles"
	"github.com/scala-steward/ota-tuf/reposerver/storage"
	"github.com/scala-steward/ota-tuf/reposerver/targetstore"
	"github.com/scala-steward/ota-tuf/tuf/data"
)

func testRepoServer(t *testing.T) (*httptest.Server, *rootrole.Engine, *storage.MemStorage) {
	t.Helper()
	keyStore := ksstorage.NewMemStorage()
	secretsStore := secrets.NewMemoryStore()
	engine := rootrole.NewEngine(keyStore, secretsStore, keygen.NewEngine(keyStore, secretsStore))

	store := storage.NewMemStorage()
	keys := keysclient.NewLocal(engine)
	conf := Config{
		Generator: roles.NewGenerator(store, keys, targetstore.NewMemoryStore()),
		Store:     store,
		Keys:      keys,
	}
	srv := httptest.NewServer(RootHandler(context.Background(), nil, conf))
	t.Cleanup(srv.Close)
	return srv, engine, store
}

func do(t *testing.T, method, url string, headers map[string]string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	content, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, content
}

func createTestRepo(t *testing.T, srv *httptest.Server, namespace string) string {
	t.Helper()
	resp, body := do(t, "POST", srv.URL+"/user_repo",
		map[string]string{otatuf.NamespaceHeader: namespace}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var repo string
	require.NoError(t, json.Unmarshal(body, &repo))
	require.NotEmpty(t, repo)
	return repo
}

func targetRequestBody(t *testing.T, content []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(content)
	raw, err := json.Marshal(roles.TargetRequest{
		Length:       int64(len(content)),
		Checksum:     hex.EncodeToString(digest[:]),
		Name:         "vim",
		Version:      "2.0.1",
		HardwareIDs:  []string{"raspberrypi_rocko"},
		TargetFormat: data.TargetFormatBinary,
	})
	require.NoError(t, err)
	return raw
}

func signOfflineTargets(t *testing.T, engine *rootrole.Engine, repo string, version int) []byte {
	t.Helper()
	doc := data.Targets{
		SignedCommon: data.SignedCommon{
			Type:    data.TUFTypes[data.CanonicalTargetsRole],
			Version: version,
			Expires: time.Now().Add(30 * 24 * time.Hour).UTC().Round(time.Second),
		},
		Targets: make(data.Files),
	}
	raw, err := data.MarshalCanonical(doc)
	require.NoError(t, err)
	s, err := engine.SignPayload(data.RepoID(repo), data.CanonicalTargetsRole, json.RawMessage(raw))
	require.NoError(t, err)
	signed, err := data.MarshalCanonical(s)
	require.NoError(t, err)
	return signed
}

func TestRepoLifecycleOverHTTP(t *testing.T) {
	srv, _, _ := testRepoServer(t)
	ns := map[string]string{otatuf.NamespaceHeader: "tenant-a"}
	repo := createTestRepo(t, srv, "tenant-a")

	// both addressing styles resolve to the same repo
	resp, byPath := do(t, "GET", srv.URL+"/repo/"+repo+"/root.json", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, byNamespace := do(t, "GET", srv.URL+"/user_repo/root.json", ns, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, byPath, byNamespace)

	resp, body := do(t, "GET", srv.URL+"/repo/"+repo+"/targets.json", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(otatuf.RoleChecksumHeader))
	s := &data.Signed{}
	require.NoError(t, json.Unmarshal(body, s))
	targets, err := data.TargetsFromSigned(s, data.CanonicalTargetsRole)
	require.NoError(t, err)
	require.Equal(t, 1, targets.Signed.Version)

	// current metadata caches briefly, a pinned root version for much longer
	require.Equal(t, "public, max-age=300, s-maxage=300, must-revalidate",
		resp.Header.Get("Cache-Control"))

	resp, versioned := do(t, "GET", srv.URL+"/repo/"+repo+"/1.root.json", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, byPath, versioned)
	require.Equal(t, "public, max-age=2592000, s-maxage=2592000",
		resp.Header.Get("Cache-Control"))

	resp, _ = do(t, "GET", srv.URL+"/repo/"+repo+"/9.root.json", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Cache-Control"))

	resp, body = do(t, "POST", srv.URL+"/repo/"+repo+"/targets/vim-2.0.1", nil, targetRequestBody(t, []byte("vim")))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NotEmpty(t, resp.Header.Get(otatuf.RoleChecksumHeader))
	s = &data.Signed{}
	require.NoError(t, json.Unmarshal(body, s))
	targets, err = data.TargetsFromSigned(s, data.CanonicalTargetsRole)
	require.NoError(t, err)
	require.Equal(t, 2, targets.Signed.Version)
	require.NotNil(t, targets.GetMeta("vim-2.0.1"))

	resp, body = do(t, "GET", srv.URL+"/user_repo/target_items", ns, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Total  int64 `json:"total"`
		Offset int   `json:"offset"`
		Limit  int   `json:"limit"`
		Values []struct {
			Filename string `json:"filename"`
			Length   int64  `json:"length"`
		} `json:"values"`
	}
	require.NoError(t, json.Unmarshal(body, &page))
	require.Equal(t, int64(1), page.Total)
	require.Equal(t, otatuf.DefaultPageOffset, page.Offset)
	require.Equal(t, otatuf.DefaultPageLimit, page.Limit)
	require.Len(t, page.Values, 1)
	require.Equal(t, "vim-2.0.1", page.Values[0].Filename)

	resp, _ = do(t, "DELETE", srv.URL+"/repo/"+repo+"/targets/vim-2.0.1", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, "DELETE", srv.URL+"/repo/"+repo+"/targets/vim-2.0.1", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRepoRequiresNamespace(t *testing.T) {
	srv, _, _ := testRepoServer(t)

	resp, body := do(t, "POST", srv.URL+"/user_repo", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(body), "invalid_parameters")

	createTestRepo(t, srv, "tenant-b")
	resp, body = do(t, "POST", srv.URL+"/user_repo",
		map[string]string{otatuf.NamespaceHeader: "tenant-b"}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, string(body), "entity_already_exists")

	resp, _ = do(t, "GET", srv.URL+"/user_repo/targets.json",
		map[string]string{otatuf.NamespaceHeader: "tenant-unknown"}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOfflineTargetsOverHTTP(t *testing.T) {
	srv, engine, _ := testRepoServer(t)
	repo := createTestRepo(t, srv, "tenant-c")

	resp, _ := do(t, "PUT", srv.URL+"/repo/"+repo+"/targets", nil, signOfflineTargets(t, engine, repo, 2))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, "GET", srv.URL+"/repo/"+repo+"/targets.json", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	checksum := resp.Header.Get(otatuf.RoleChecksumHeader)
	require.NotEmpty(t, checksum)

	// the second push needs the checksum precondition
	next := signOfflineTargets(t, engine, repo, 3)
	resp, body := do(t, "PUT", srv.URL+"/repo/"+repo+"/targets", nil, next)
	require.Equal(t, http.StatusPreconditionRequired, resp.StatusCode)
	require.Contains(t, string(body), "precondition_required")

	badChecksum := map[string]string{otatuf.RoleChecksumHeader: fmt.Sprintf("%064d", 0)}
	resp, body = do(t, "PUT", srv.URL+"/repo/"+repo+"/targets", badChecksum, next)
	require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	require.Contains(t, string(body), "precondition_failed")

	withChecksum := map[string]string{otatuf.RoleChecksumHeader: checksum}
	resp, _ = do(t, "PUT", srv.URL+"/repo/"+repo+"/targets", withChecksum, next)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// versions move one at a time
	resp, checksumBody := do(t, "GET", srv.URL+"/repo/"+repo+"/targets.json", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, checksumBody)
	withChecksum = map[string]string{otatuf.RoleChecksumHeader: resp.Header.Get(otatuf.RoleChecksumHeader)}
	resp, body = do(t, "PUT", srv.URL+"/repo/"+repo+"/targets", withChecksum, signOfflineTargets(t, engine, repo, 6))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, string(body), "invalid_version_bump")
}

func TestTargetUploadAndDownload(t *testing.T) {
	srv, _, _ := testRepoServer(t)
	repo := createTestRepo(t, srv, "tenant-d")

	content := []byte("uploaded target binary")
	resp, body := do(t, "PUT", srv.URL+"/repo/"+repo+"/targets/cl-tool-0.1.0?name=cl-tool&version=0.1.0&hardwareIds=hw1", nil, content)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(body))

	resp, served := do(t, "GET", srv.URL+"/repo/"+repo+"/targets/cl-tool-0.1.0", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, content, served)

	resp, _ = do(t, "GET", srv.URL+"/repo/"+repo+"/targets/absent", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnmanagedTargetRedirectsOverHTTP(t *testing.T) {
	srv, _, _ := testRepoServer(t)
	repo := createTestRepo(t, srv, "tenant-e")

	req := targetRequestBody(t, []byte("remote"))
	var parsed roles.TargetRequest
	require.NoError(t, json.Unmarshal(req, &parsed))
	parsed.URI = "https://example.com/vim-2.0.1"
	withURI, err := json.Marshal(parsed)
	require.NoError(t, err)

	resp, _ := do(t, "POST", srv.URL+"/repo/"+repo+"/targets/vim-2.0.1", nil, withURI)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	getReq, err := http.NewRequest("GET", srv.URL+"/repo/"+repo+"/targets/vim-2.0.1", nil)
	require.NoError(t, err)
	redirect, err := client.Do(getReq)
	require.NoError(t, err)
	defer redirect.Body.Close()
	require.Equal(t, http.StatusFound, redirect.StatusCode)
	require.Equal(t, "https://example.com/vim-2.0.1", redirect.Header.Get("Location"))
}

func TestExpireNotBeforeOverHTTP(t *testing.T) {
	srv, _, store := testRepoServer(t)
	repo := createTestRepo(t, srv, "tenant-f")

	instant := time.Now().Add(90 * 24 * time.Hour).UTC().Round(time.Second)
	payload, err := json.Marshal(map[string]time.Time{"expireAt": instant})
	require.NoError(t, err)
	resp, _ := do(t, "PUT", srv.URL+"/repo/"+repo+"/targets/expire/not-before", nil, payload)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	notBefore, err := store.GetExpireNotBefore(data.RepoID(repo))
	require.NoError(t, err)
	require.NotNil(t, notBefore)
	require.True(t, notBefore.Equal(instant))

	resp, body := do(t, "PUT", srv.URL+"/repo/"+repo+"/targets/expire/not-before", nil, []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(body), "malformed_json")
}

func TestHealthAndUnknownRoutes(t *testing.T) {
	srv, _, _ := testRepoServer(t)

	resp, _ := do(t, "GET", srv.URL+"/_reposerver/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, "GET", srv.URL+"/no/such/route", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, string(body), "missing_entity")
}
