package errors

import (
	"net/http"

	"github.com/scala-steward/ota-tuf/utils"
)

// The API errors the repo server serves. Handlers attach detail with
// WithDescription and WithCause. Errors returned by the key server pass
// through unchanged.
var (
	ErrMissingEntity = utils.NewError("missing_entity", http.StatusNotFound,
		"the requested resource was not found")

	ErrEntityAlreadyExists = utils.NewError("entity_already_exists", http.StatusConflict,
		"the entity already exists")

	ErrInvalidVersionBump = utils.NewError("invalid_version_bump", http.StatusConflict,
		"the role version must be exactly one above the current version")

	ErrPayloadSignatureInvalid = utils.NewError("payload_signature_invalid", http.StatusBadRequest,
		"the payload signatures do not meet the role's key set and threshold")

	ErrDelegationNotDefined = utils.NewError("delegation_not_defined", http.StatusBadRequest,
		"the delegation is not defined in the current targets role")

	ErrPreconditionRequired = utils.NewError("precondition_required", http.StatusPreconditionRequired,
		"a checksum of the current targets role is required")

	ErrPreconditionFailed = utils.NewError("precondition_failed", http.StatusPreconditionFailed,
		"the provided checksum does not match the current targets role")

	ErrPayloadTooLarge = utils.NewError("payload_too_large", http.StatusRequestEntityTooLarge,
		"the uploaded target exceeds the maximum accepted size")

	ErrNoUriForUnmanagedTarget = utils.NewError("no_uri_for_unmanaged_target", http.StatusPreconditionFailed,
		"the target is not managed by this server and declares no uri")

	ErrMalformedJSON = utils.NewError("malformed_json", http.StatusBadRequest,
		"the request body was not well formed JSON")

	ErrInvalidParameters = utils.NewError("invalid_parameters", http.StatusBadRequest,
		"the request parameters are invalid")

	ErrInvalidTarget = utils.NewError("invalid_target", http.StatusBadRequest,
		"the target item is not well formed")

	ErrUnknown = utils.NewError("internal_server_error", http.StatusInternalServerError,
		"an internal server error occurred")
)
