package utils

import (
	"context"
	"fmt"
	"net/http"

	"github.com/docker/distribution/registry/auth"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// ContextHandler defines an alternate HTTP handler interface which takes in
// a context for authorization and returns an HTTP application error.
type ContextHandler func(ctx context.Context, w http.ResponseWriter, r *http.Request) error

// rootHandler is an implementation of an HTTP request handler which handles
// authorization and calling out to the defined alternate http handler.
type rootHandler struct {
	handler ContextHandler
	auth    auth.AccessController
	actions []string
	context context.Context
}

// AuthWrapper wraps a Handler with and Auth requirement
type AuthWrapper func(ContextHandler, ...string) *rootHandler

// RootHandlerFactory creates a new rootHandler factory, given the
// access controller and the server context every request handler shares
func RootHandlerFactory(ctx context.Context, ac auth.AccessController) AuthWrapper {
	return func(handler ContextHandler, actions ...string) *rootHandler {
		return &rootHandler{
			handler: handler,
			auth:    ac,
			actions: actions,
			context: ctx,
		}
	}
}

// ServeHTTP serves an HTTP request and implements the http.Handler interface.
func (root *rootHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := root.context

	if root.auth != nil {
		access := buildAccessRecords(mux.Vars(r)["repoID"], root.actions...)

		var authCtx context.Context
		var err error
		if authCtx, err = root.auth.Authorized(ctx, access...); err != nil {
			if challenge, ok := err.(auth.Challenge); ok {
				challenge.SetHeaders(r, w)
				ServeError(w, NewError("unauthorized", http.StatusUnauthorized, "authorization required"))
				return
			}
			logrus.Errorf("unexpected auth error: %v", err)
			ServeError(w, ErrInternal)
			return
		}
		ctx = authCtx
	}

	if err := root.handler(ctx, w, r); err != nil {
		ServeError(w, err)
	}
}

func buildAccessRecords(repoID string, actions ...string) []auth.Access {
	requiredAccess := make([]auth.Access, 0, len(actions))
	for _, action := range actions {
		requiredAccess = append(requiredAccess, auth.Access{
			Resource: auth.Resource{
				Type: "repository",
				Name: repoID,
			},
			Action: action,
		})
	}
	return requiredAccess
}

// CacheControlConfig is an interface for something that knows how to set cache
// control headers
type CacheControlConfig interface {
	// SetHeaders will set headers on the given writer
	SetHeaders(headers http.Header)
}

// NewCacheControlConfig returns a configuration option for the given max-age
func NewCacheControlConfig(maxAgeInSeconds int, mustReValidate bool) CacheControlConfig {
	if maxAgeInSeconds > 0 {
		return PublicCacheControl{MustReValidate: mustReValidate, MaxAgeInSeconds: maxAgeInSeconds}
	}
	return NoCacheControl{}
}

// PublicCacheControl is a set of cache control headers for public cacheable content
type PublicCacheControl struct {
	MustReValidate  bool
	MaxAgeInSeconds int
}

// SetHeaders sets the public headers with the given max age and re-validate value
func (p PublicCacheControl) SetHeaders(headers http.Header) {
	cacheControlValue := fmt.Sprintf("public, max-age=%v, s-maxage=%v", p.MaxAgeInSeconds, p.MaxAgeInSeconds)

	if p.MustReValidate {
		cacheControlValue = fmt.Sprintf("%s, must-revalidate", cacheControlValue)
	}
	headers.Set("Cache-Control", cacheControlValue)
}

// NoCacheControl is a set of cache control headers that explicitly disable caching
type NoCacheControl struct{}

// SetHeaders sets the public headers with the no-cache value
func (n NoCacheControl) SetHeaders(headers http.Header) {
	headers.Set("Cache-Control", "max-age=0, no-cache, no-store")
	headers.Set("Pragma", "no-cache")
}

// cacheControlResponseWriter wraps an http.ResponseWriter, setting the
// cache-control headers if the status code written is 200
type cacheControlResponseWriter struct {
	http.ResponseWriter
	config        CacheControlConfig
	statusWritten bool
}

// WriteHeader stores that the header was written and sets the cache headers
// for successful responses
func (c *cacheControlResponseWriter) WriteHeader(statusCode int) {
	if !c.statusWritten {
		c.statusWritten = true
		if statusCode == http.StatusOK {
			c.config.SetHeaders(c.ResponseWriter.Header())
		}
	}
	c.ResponseWriter.WriteHeader(statusCode)
}

func (c *cacheControlResponseWriter) Write(data []byte) (int, error) {
	if !c.statusWritten {
		c.WriteHeader(http.StatusOK)
	}
	return c.ResponseWriter.Write(data)
}

// WrapWithCacheHandler wraps the handler in a cache control handler if the
// configuration is non-nil
func WrapWithCacheHandler(ccc CacheControlConfig, handler http.Handler) http.Handler {
	if ccc == nil {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			handler.ServeHTTP(&cacheControlResponseWriter{ResponseWriter: w, config: ccc}, r)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
