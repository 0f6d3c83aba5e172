package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/docker/go/canonical/json"
	"github.com/gorilla/mux"

	otatuf "github.com/scala-steward/ota-tuf"
	"github.com/scala-steward/ota-tuf/keyserver/errors"
	"github.com/scala-steward/ota-tuf/keyserver/rootrole"
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

func rootEngine(ctx context.Context) (*rootrole.Engine, error) {
	engine, ok := ctx.Value(otatuf.CtxKeyRootRole).(*rootrole.Engine)
	if !ok {
		return nil, errors.ErrUnknown.WithDescription("root role engine not configured")
	}
	return engine, nil
}

func repoID(r *http.Request) data.RepoID {
	return data.RepoID(mux.Vars(r)["repoID"])
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

// createRootRequest is the body of POST /root/{repoID}
type createRootRequest struct {
	Threshold int          `json:"threshold"`
	KeyType   data.KeyType `json:"keyType"`
	ForceSync bool         `json:"forceSync"`
}

// CreateRootHandler records key generation for a new repo and returns the
// key generation request ids
func CreateRootHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	engine, err := rootEngine(ctx)
	if err != nil {
		return err
	}

	var req createRootRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return errors.ErrMalformedJSON
	}
	if req.Threshold == 0 {
		req.Threshold = otatuf.MinThreshold
	}
	if req.KeyType == "" {
		req.KeyType = data.ED25519Key
	}

	requestIDs, err := engine.CreateRoot(repoID(r), req.KeyType, req.Threshold, req.ForceSync)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, requestIDs)
}

// GetRootHandler returns the current root role, refreshing it first when it
// is stale
func GetRootHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	engine, err := rootEngine(ctx)
	if err != nil {
		return err
	}

	var expireNotBefore *time.Time
	if raw := r.URL.Query().Get("expire-not-before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return errors.ErrInvalidParameters.WithDescription("expire-not-before must be RFC3339")
		}
		expireNotBefore = &t
	}

	row, err := engine.FindFresh(repoID(r), expireNotBefore)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(row.Content)
	return err
}

// GetRootVersionHandler returns a specific historical root role version
func GetRootVersionHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	engine, err := rootEngine(ctx)
	if err != nil {
		return err
	}
	version, err := strconv.Atoi(mux.Vars(r)["version"])
	if err != nil || version < 1 {
		return errors.ErrInvalidParameters.WithDescription("version must be a positive integer")
	}
	row, err := engine.FetchVersion(repoID(r), version)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(row.Content)
	return err
}

// RetryKeyGenHandler moves errored key generation requests back to REQUESTED
func RetryKeyGenHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	engine, err := rootEngine(ctx)
	if err != nil {
		return err
	}
	moved, err := engine.RetryKeyGeneration(repoID(r))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]int64{"retried": moved})
}

// RotateRootHandler publishes a cross-signed root with a fresh root key
func RotateRootHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	engine, err := rootEngine(ctx)
	if err != nil {
		return err
	}
	row, err := engine.Rotate(repoID(r))
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(row.Content)
	return err
}

// PutSignedRootHandler validates and persists an externally signed root
func PutSignedRootHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	engine, err := rootEngine(ctx)
	if err != nil {
		return err
	}
	var payload data.Signed
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return errors.ErrMalformedJSON
	}
	if err := engine.ValidateAndPersist(repoID(r), &payload); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// GetUnsignedRootHandler returns the next root version for offline signing
func GetUnsignedRootHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	engine, err := rootEngine(ctx)
	if err != nil {
		return err
	}
	root, err := engine.NextUnsigned(repoID(r))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, root)
}

// DeletePrivateKeyHandler takes a key offline
func DeletePrivateKeyHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	engine, err := rootEngine(ctx)
	if err != nil {
		return err
	}
	if err := engine.TakeOffline(repoID(r), mux.Vars(r)["keyID"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// SignPayloadHandler signs the request body with every online key of the role
func SignPayloadHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	engine, err := rootEngine(ctx)
	if err != nil {
		return err
	}
	role := data.RoleName(mux.Vars(r)["roleType"])

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	var payload json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return errors.ErrMalformedJSON
	}

	signedPayload, err := engine.SignPayload(repoID(r), role, payload)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, signedPayload)
}

// AddRoleHandler appends an extension role slot to the root
func AddRoleHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	engine, err := rootEngine(ctx)
	if err != nil {
		return err
	}
	role := data.RoleName(mux.Vars(r)["extRole"])
	row, err := engine.AddRoles(repoID(r), role)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(row.Content)
	return err
}
