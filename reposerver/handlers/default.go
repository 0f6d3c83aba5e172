package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/docker/go/canonical/json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	otatuf "github.com/scala-steward/ota-tuf"
	keysclient "github.com/scala-steward/ota-tuf/keyserver/client"
	"github.com/scala-steward/ota-tuf/reposerver/errors"
	"github.com/scala-steward/ota-tuf/reposerver/roles"
	"github.com/scala-steward/ota-tuf/reposerver/storage"
	"github.com/scala-steward/ota-tuf/tuf/data"
)

// MainHandler is the default handler for the root path
func MainHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if r.Method == http.MethodGet {
		_, err := w.Write([]byte("{}"))
		return err
	}
	return errors.ErrMissingEntity
}

// NotFoundHandler is used as a generic catch all handler to return the
// MissingEntity error
func NotFoundHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return errors.ErrMissingEntity
}

func generator(ctx context.Context) (*roles.Generator, error) {
	gen, ok := ctx.Value(otatuf.CtxKeyRoleGen).(*roles.Generator)
	if !ok {
		return nil, errors.ErrUnknown.WithDescription("role generator not configured")
	}
	return gen, nil
}

func repoStore(ctx context.Context) (storage.RepoStore, error) {
	store, ok := ctx.Value(otatuf.CtxKeyRepoStore).(storage.RepoStore)
	if !ok {
		return nil, errors.ErrUnknown.WithDescription("repo store not configured")
	}
	return store, nil
}

func keyClient(ctx context.Context) (keysclient.KeyClient, error) {
	keys, ok := ctx.Value(otatuf.CtxKeyKeyClient).(keysclient.KeyClient)
	if !ok {
		return nil, errors.ErrUnknown.WithDescription("key server client not configured")
	}
	return keys, nil
}

// resolveRepo finds the repo a request addresses: directly by path on the
// /repo routes, through the tenant namespace header on the /user_repo routes
func resolveRepo(ctx context.Context, r *http.Request) (data.RepoID, error) {
	if id, ok := mux.Vars(r)["repoID"]; ok && id != "" {
		return data.RepoID(id), nil
	}
	namespace := r.Header.Get(otatuf.NamespaceHeader)
	if namespace == "" {
		return "", errors.ErrInvalidParameters.WithDescription("missing " + otatuf.NamespaceHeader + " header")
	}
	store, err := repoStore(ctx)
	if err != nil {
		return "", err
	}
	repo, err := store.RepoForNamespace(namespace)
	if _, ok := err.(storage.ErrNotFound); ok {
		return "", errors.ErrMissingEntity.WithDescription("no repo exists for the namespace")
	}
	return repo, err
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

func writeContent(w http.ResponseWriter, content []byte) error {
	w.Header().Set("Content-Type", "application/json")
	_, err := w.Write(content)
	return err
}

// createRepositoryRequest is the body of POST /user_repo
type createRepositoryRequest struct {
	KeyType   data.KeyType `json:"keyType"`
	Threshold int          `json:"threshold"`
}

// CreateRepoHandler provisions a repo for the caller's namespace
func CreateRepoHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen, err := generator(ctx)
	if err != nil {
		return err
	}
	namespace := r.Header.Get(otatuf.NamespaceHeader)
	if namespace == "" {
		return errors.ErrInvalidParameters.WithDescription("missing " + otatuf.NamespaceHeader + " header")
	}

	req := createRepositoryRequest{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return errors.ErrMalformedJSON
		}
	}
	if req.KeyType == "" {
		if keyType, ok := ctx.Value(otatuf.CtxKeyKeyAlgo).(data.KeyType); ok {
			req.KeyType = keyType
		} else {
			req.KeyType = data.ED25519Key
		}
	}
	if !data.ValidKeyType(req.KeyType) {
		return errors.ErrInvalidParameters.WithDescription("unsupported key type")
	}
	if req.Threshold == 0 {
		req.Threshold = otatuf.MinThreshold
	}

	repo := data.RepoID(uuid.New().String())
	if err := gen.CreateRepo(repo, namespace, req.KeyType, req.Threshold); err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, repo)
}

// GetRoleHandler serves the current document of any role. Root documents
// come from the key server; the others are refreshed on read when stale.
// targets.json responses carry the checksum header used as the offline push
// precondition.
func GetRoleHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen, err := generator(ctx)
	if err != nil {
		return err
	}
	repo, err := resolveRepo(ctx, r)
	if err != nil {
		return err
	}
	role := data.RoleName(mux.Vars(r)["role"])

	if role == data.CanonicalRootRole {
		store, err := repoStore(ctx)
		if err != nil {
			return err
		}
		keys, err := keyClient(ctx)
		if err != nil {
			return err
		}
		notBefore, err := store.GetExpireNotBefore(repo)
		if err != nil {
			return err
		}
		_, raw, err := keys.FetchRoot(repo, notBefore)
		if err != nil {
			return err
		}
		return writeContent(w, raw)
	}

	row, err := gen.Find(repo, role)
	if err != nil {
		return err
	}
	if role == data.CanonicalTargetsRole {
		w.Header().Set(otatuf.RoleChecksumHeader, row.Checksum)
	}
	return writeContent(w, row.Content)
}

// GetRootVersionHandler proxies a historical root version from the key server
func GetRootVersionHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	repo, err := resolveRepo(ctx, r)
	if err != nil {
		return err
	}
	keys, err := keyClient(ctx)
	if err != nil {
		return err
	}
	version, err := strconv.Atoi(mux.Vars(r)["version"])
	if err != nil || version < 1 {
		return errors.ErrInvalidParameters.WithDescription("version must be a positive integer")
	}
	raw, err := keys.FetchRootVersion(repo, version)
	if err != nil {
		return err
	}
	return writeContent(w, raw)
}

// SetExpireNotBeforeHandler records the instant before which no served role
// may expire
func SetExpireNotBeforeHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen, err := generator(ctx)
	if err != nil {
		return err
	}
	repo, err := resolveRepo(ctx, r)
	if err != nil {
		return err
	}

	var req struct {
		ExpireAt time.Time `json:"expireAt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExpireAt.IsZero() {
		return errors.ErrMalformedJSON.WithDescription("expireAt must be an RFC3339 instant")
	}
	if err := gen.SetExpireNotBefore(repo, req.ExpireAt.UTC()); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
