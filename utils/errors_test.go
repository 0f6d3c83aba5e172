package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServeErrorWritesAPIError(t *testing.T) {
	recorder := httptest.NewRecorder()
	err := NewError("missing_entity", http.StatusNotFound, "not here").
		WithCause([]string{"detail one", "detail two"})

	ServeError(recorder, err)

	require.Equal(t, http.StatusNotFound, recorder.Code)
	require.Equal(t, "application/json", recorder.Header().Get("Content-Type"))

	var served Error
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &served))
	require.Equal(t, "missing_entity", served.Code)
	require.Equal(t, "not here", served.Description)
	require.NotEmpty(t, served.ErrorID)
	require.NotNil(t, served.Cause)

	var causes []string
	require.NoError(t, json.Unmarshal(*served.Cause, &causes))
	require.Equal(t, []string{"detail one", "detail two"}, causes)
}

func TestServeErrorHidesNonAPIErrors(t *testing.T) {
	recorder := httptest.NewRecorder()
	ServeError(recorder, errors.New("the database is on fire"))

	require.Equal(t, http.StatusInternalServerError, recorder.Code)

	var served Error
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &served))
	require.Equal(t, "internal_server_error", served.Code)
	require.NotContains(t, recorder.Body.String(), "database")
}

func TestWithDescriptionAndCauseCopy(t *testing.T) {
	base := NewError("invalid_parameters", http.StatusBadRequest, "bad request")
	detailed := base.WithDescription("threshold too low")

	require.Equal(t, "bad request", base.Description)
	require.Equal(t, "threshold too low", detailed.Description)
	require.Nil(t, base.Cause)

	withCause := base.WithCause(map[string]int{"current": 3, "given": 5})
	require.Nil(t, base.Cause)
	require.NotNil(t, withCause.Cause)
}
