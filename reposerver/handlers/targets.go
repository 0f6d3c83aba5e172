package handlers

import (
	"context"
	stderrors "errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/docker/go/canonical/json"
	"github.com/gorilla/mux"

	otatuf "github.com/scala-steward/ota-tuf"
	"github.com/scala-steward/ota-tuf/reposerver/errors"
	"github.com/scala-steward/ota-tuf/reposerver/roles"
	"github.com/scala-steward/ota-tuf/reposerver/storage"
	"github.com/scala-steward/ota-tuf/tuf/data"
)

func targetFilename(r *http.Request) string {
	return mux.Vars(r)["filename"]
}

// AddTargetHandler appends an externally hosted target to the catalog and
// returns the regenerated signed targets document
func AddTargetHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen, err := generator(ctx)
	if err != nil {
		return err
	}
	repo, err := resolveRepo(ctx, r)
	if err != nil {
		return err
	}
	filename := targetFilename(r)

	var req roles.TargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return errors.ErrMalformedJSON
	}
	req.Normalize(filename)

	row, err := gen.AddTarget(repo, filename, req)
	if err != nil {
		return err
	}
	w.Header().Set(otatuf.RoleChecksumHeader, row.Checksum)
	return writeContent(w, row.Content)
}

// UploadTargetHandler stores an uploaded target binary, multipart or raw,
// and appends it to the catalog. When fileUri is given no binary is read and
// the target stays unmanaged.
func UploadTargetHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen, err := generator(ctx)
	if err != nil {
		return err
	}
	repo, err := resolveRepo(ctx, r)
	if err != nil {
		return err
	}
	filename := targetFilename(r)

	query := r.URL.Query()
	req := roles.TargetRequest{
		Name:         query.Get("name"),
		Version:      query.Get("version"),
		TargetFormat: data.TargetFormat(query.Get("targetFormat")),
		URI:          query.Get("fileUri"),
	}
	if hwIDs := query.Get("hardwareIds"); hwIDs != "" {
		req.HardwareIDs = strings.Split(hwIDs, ",")
	}

	if req.URI != "" {
		lengthStr := query.Get("length")
		length, err := strconv.ParseInt(lengthStr, 10, 64)
		if err != nil {
			return errors.ErrInvalidParameters.WithDescription("length is required for uri targets")
		}
		req.Length = length
		req.Checksum = query.Get("checksum")
		req.Normalize(filename)
		if _, err := gen.AddTarget(repo, filename, req); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	if r.ContentLength > otatuf.MaxTargetUploadSize {
		return errors.ErrPayloadTooLarge
	}
	body, cleanup, err := uploadBody(w, r)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := gen.StoreTargetUpload(repo, filename, req, body); err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			return errors.ErrPayloadTooLarge
		}
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// uploadBody returns the reader holding the uploaded binary, unwrapping a
// multipart form when one is posted
func uploadBody(w http.ResponseWriter, r *http.Request) (io.Reader, func(), error) {
	limited := http.MaxBytesReader(w, r.Body, otatuf.MaxTargetUploadSize)
	noop := func() {}

	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/") {
		return limited, noop, nil
	}

	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, noop, errors.ErrInvalidParameters.WithDescription("malformed multipart content type")
	}
	boundary, ok := params["boundary"]
	if !ok {
		return nil, noop, errors.ErrInvalidParameters.WithDescription("multipart body without boundary")
	}

	reader := multipart.NewReader(limited, boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, noop, errors.ErrInvalidParameters.WithDescription("multipart body without a file part")
		}
		if err != nil {
			return nil, noop, errors.ErrInvalidParameters.WithDescription("malformed multipart body")
		}
		if part.FileName() != "" || part.FormName() == "file" {
			return part, func() { part.Close() }, nil
		}
		part.Close()
	}
}

// DeleteTargetHandler removes a target from the catalog and the role chain
func DeleteTargetHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen, err := generator(ctx)
	if err != nil {
		return err
	}
	repo, err := resolveRepo(ctx, r)
	if err != nil {
		return err
	}
	if err := gen.DeleteTarget(repo, targetFilename(r)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// GetTargetContentHandler serves the binary of a managed target, or
// redirects to the declared uri of an unmanaged one
func GetTargetContentHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen, err := generator(ctx)
	if err != nil {
		return err
	}
	repo, err := resolveRepo(ctx, r)
	if err != nil {
		return err
	}

	rc, length, redirect, err := gen.RetrieveTargetContent(repo, targetFilename(r))
	if err != nil {
		return err
	}
	if redirect != "" {
		http.Redirect(w, r, redirect, http.StatusFound)
		return nil
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	_, err = io.Copy(w, rc)
	return err
}

// EditTargetHandler applies a partial update to a catalog item
func EditTargetHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen, err := generator(ctx)
	if err != nil {
		return err
	}
	repo, err := resolveRepo(ctx, r)
	if err != nil {
		return err
	}

	var edit roles.EditTargetItem
	if err := json.NewDecoder(r.Body).Decode(&edit); err != nil {
		return errors.ErrMalformedJSON
	}
	custom, err := gen.EditTarget(repo, targetFilename(r), edit)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, custom)
}

// PatchProprietaryHandler shallow-merges the body into the item's
// proprietary custom object
func PatchProprietaryHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen, err := generator(ctx)
	if err != nil {
		return err
	}
	repo, err := resolveRepo(ctx, r)
	if err != nil {
		return err
	}

	var patch map[string]*json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		return errors.ErrMalformedJSON
	}
	custom, err := gen.PatchProprietary(repo, targetFilename(r), patch)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, custom)
}

// OfflineTargetsHandler accepts a client-signed targets document
func OfflineTargetsHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen, err := generator(ctx)
	if err != nil {
		return err
	}
	repo, err := resolveRepo(ctx, r)
	if err != nil {
		return err
	}

	var payload data.Signed
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return errors.ErrMalformedJSON
	}
	checksum := r.Header.Get(otatuf.RoleChecksumHeader)
	if err := gen.PushOfflineTargets(repo, &payload, checksum); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// PutDelegationHandler accepts a client-signed delegated targets document
func PutDelegationHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen, err := generator(ctx)
	if err != nil {
		return err
	}
	repo, err := resolveRepo(ctx, r)
	if err != nil {
		return err
	}

	var payload data.Signed
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return errors.ErrMalformedJSON
	}
	if err := gen.PushDelegation(repo, mux.Vars(r)["name"], &payload); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// GetDelegationHandler serves a stored delegated targets document
func GetDelegationHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen, err := generator(ctx)
	if err != nil {
		return err
	}
	repo, err := resolveRepo(ctx, r)
	if err != nil {
		return err
	}
	row, err := gen.FindDelegation(repo, mux.Vars(r)["name"])
	if err != nil {
		return err
	}
	return writeContent(w, row.Content)
}

// targetItemView is the wire form of a catalog item
type targetItemView struct {
	Filename string           `json:"filename"`
	Length   int64            `json:"length"`
	Checksum checksumView     `json:"checksum"`
	Custom   *json.RawMessage `json:"custom,omitempty"`
}

type checksumView struct {
	Method string `json:"method"`
	Hash   string `json:"hash"`
}

func viewOf(item storage.TargetItem) targetItemView {
	view := targetItemView{
		Filename: item.Filename,
		Length:   item.Length,
		Checksum: checksumView{Method: item.ChecksumMethod, Hash: item.ChecksumHex},
	}
	if len(item.Custom) > 0 {
		raw := json.RawMessage(item.Custom)
		view.Custom = &raw
	}
	return view
}

// ListTargetItemsHandler returns a page of the catalog
func ListTargetItemsHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen, err := generator(ctx)
	if err != nil {
		return err
	}
	repo, err := resolveRepo(ctx, r)
	if err != nil {
		return err
	}

	query := r.URL.Query()
	offset := otatuf.DefaultPageOffset
	limit := otatuf.DefaultPageLimit
	if raw := query.Get("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			return errors.ErrInvalidParameters.WithDescription("offset must be a non-negative integer")
		}
	}
	if raw := query.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 1 {
			return errors.ErrInvalidParameters.WithDescription("limit must be a positive integer")
		}
	}
	if limit > otatuf.MaxPageLimit {
		limit = otatuf.MaxPageLimit
	}

	items, total, err := gen.ListTargetItems(repo, query.Get("nameContains"), offset, limit)
	if err != nil {
		return err
	}
	values := make([]targetItemView, 0, len(items))
	for _, item := range items {
		values = append(values, viewOf(item))
	}
	return writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":  total,
		"offset": offset,
		"limit":  limit,
		"values": values,
	})
}
