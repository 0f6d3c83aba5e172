package utils

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootHandlerCallsHandlerWithoutAuth(t *testing.T) {
	wrapper := RootHandlerFactory(context.Background(), nil)
	handler := wrapper(func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		_, err := w.Write([]byte("ok"))
		return err
	})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest("GET", "/", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "ok", recorder.Body.String())
}

func TestRootHandlerServesHandlerErrors(t *testing.T) {
	wrapper := RootHandlerFactory(context.Background(), nil)
	handler := wrapper(func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		return NewError("entity_already_exists", http.StatusConflict, "taken")
	})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest("POST", "/", nil))
	require.Equal(t, http.StatusConflict, recorder.Code)

	var served Error
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &served))
	require.Equal(t, "entity_already_exists", served.Code)
}

func TestCacheControlHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body"))
	})

	handler := WrapWithCacheHandler(NewCacheControlConfig(300, true), inner)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest("GET", "/", nil))
	require.Equal(t, "public, max-age=300, s-maxage=300, must-revalidate",
		recorder.Header().Get("Cache-Control"))

	// non-GET requests pass through untouched
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest("POST", "/", nil))
	require.Empty(t, recorder.Header().Get("Cache-Control"))

	handler = WrapWithCacheHandler(NewCacheControlConfig(0, false), inner)
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest("GET", "/", nil))
	require.Equal(t, "max-age=0, no-cache, no-store", recorder.Header().Get("Cache-Control"))
}
