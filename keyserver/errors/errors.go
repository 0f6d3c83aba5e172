package errors

import (
	"net/http"

	"github.com/scala-steward/ota-tuf/utils"
)

// The API errors the key server serves. Handlers attach detail with
// WithDescription and WithCause.
var (
	ErrMissingEntity = utils.NewError("missing_entity", http.StatusNotFound,
		"the requested resource was not found")

	ErrEntityAlreadyExists = utils.NewError("entity_already_exists", http.StatusConflict,
		"the entity already exists")

	ErrKeysNotReady = utils.NewError("keys_not_ready", http.StatusFailedDependency,
		"key generation has not finished for this repo")

	ErrRoleKeyNotFound = utils.NewError("role_key_not_found", http.StatusPreconditionFailed,
		"no online private key is available for the role")

	ErrInvalidRootRole = utils.NewError("invalid_root_role", http.StatusBadRequest,
		"the signed root role failed validation")

	ErrMalformedJSON = utils.NewError("malformed_json", http.StatusBadRequest,
		"the request body was not well formed JSON")

	ErrInvalidParameters = utils.NewError("invalid_parameters", http.StatusBadRequest,
		"the request parameters are invalid")

	ErrUnknown = utils.NewError("internal_server_error", http.StatusInternalServerError,
		"an internal server error occurred")
)
