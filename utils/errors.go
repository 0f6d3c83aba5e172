package utils

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Error is the body served on every 4xx and 5xx response. Cause carries
// machine readable detail, e.g. the per-check failure list of a rejected
// client-signed root.
type Error struct {
	Code        string           `json:"code"`
	Description string           `json:"description"`
	Cause       *json.RawMessage `json:"cause,omitempty"`
	ErrorID     string           `json:"errorId,omitempty"`
	Status      int              `json:"-"`
}

func (err Error) Error() string {
	return fmt.Sprintf("%s: %s", err.Code, err.Description)
}

// NewError builds an Error with the given code, HTTP status and description
func NewError(code string, status int, description string) Error {
	return Error{Code: code, Status: status, Description: description}
}

// WithDescription returns a copy of the error with the description replaced
func (err Error) WithDescription(description string) Error {
	err.Description = description
	return err
}

// WithCause returns a copy of the error carrying the given cause. The cause
// must be JSON serializable; if it is not, the error is returned unchanged.
func (err Error) WithCause(cause interface{}) Error {
	raw, marshalErr := json.Marshal(cause)
	if marshalErr != nil {
		logrus.Errorf("failed to serialize error cause: %v", marshalErr)
		return err
	}
	rawMsg := json.RawMessage(raw)
	err.Cause = &rawMsg
	return err
}

// ErrInternal is the catch-all for unexpected failures
var ErrInternal = NewError("internal_server_error", http.StatusInternalServerError, "an internal server error occurred")

// ServeError writes err to the response. Non-API errors are logged with their
// error id and served as opaque 500s.
func ServeError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(Error)
	if !ok {
		apiErr = ErrInternal
	}
	if apiErr.ErrorID == "" {
		apiErr.ErrorID = uuid.New().String()
	}
	if apiErr.Status >= http.StatusInternalServerError {
		logrus.WithField("errorId", apiErr.ErrorID).Error(err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	if encErr := json.NewEncoder(w).Encode(apiErr); encErr != nil {
		logrus.Errorf("failed to write error response: %v", encErr)
	}
}
