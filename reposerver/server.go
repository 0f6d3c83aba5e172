package reposerver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"github.com/docker/distribution/health"
	"github.com/docker/distribution/registry/auth"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	otatuf "github.com/scala-steward/ota-tuf"
	keysclient "github.com/scala-steward/ota-tuf/keyserver/client"
	"github.com/scala-steward/ota-tuf/reposerver/handlers"
	"github.com/scala-steward/ota-tuf/reposerver/roles"
	"github.com/scala-steward/ota-tuf/reposerver/storage"
	"github.com/scala-steward/ota-tuf/tuf/data"
	"github.com/scala-steward/ota-tuf/utils"
)

// Config tells Run how to configure the repo server
type Config struct {
	Addr       string
	TLSConfig  *tls.Config
	Generator  *roles.Generator
	Store      storage.RepoStore
	Keys       keysclient.KeyClient
	KeyAlgo    data.KeyType
	AuthMethod string
	AuthOpts   interface{}
}

// Run starts the repo server. The context cancels it.
func Run(ctx context.Context, conf Config) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", conf.Addr)
	if err != nil {
		return err
	}
	var lsnr net.Listener
	lsnr, err = net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return err
	}

	if conf.TLSConfig != nil {
		logrus.Info("Enabling TLS")
		lsnr = tls.NewListener(lsnr, conf.TLSConfig)
	}

	var ac auth.AccessController
	if conf.AuthMethod == "token" {
		authOptions, ok := conf.AuthOpts.(map[string]interface{})
		if !ok {
			return fmt.Errorf("auth.options must be a map[string]interface{}")
		}
		ac, err = auth.GetAccessController(conf.AuthMethod, authOptions)
		if err != nil {
			return err
		}
	}

	svr := http.Server{
		Addr:    conf.Addr,
		Handler: RootHandler(ctx, ac, conf),
	}

	logrus.Info("Starting on ", conf.Addr)
	return svr.Serve(lsnr)
}

// CreateHandler creates a server handler, wrapping with auth and monitoring
func CreateHandler(operationName string, serverHandler utils.ContextHandler, authWrapper utils.AuthWrapper) http.Handler {
	return wrapMetrics(operationName, authWrapper(serverHandler))
}

type handlerMetrics struct {
	inFlightGauge          prometheus.Gauge
	counter                *prometheus.CounterVec
	duration, responseSize *prometheus.HistogramVec
}

func newHandlerMetrics(operation string) handlerMetrics {
	const (
		namespace = "tuf_reposerver"
		subsystem = "http"
	)

	inFlightGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "in_flight_requests",
		Namespace:   namespace,
		Subsystem:   subsystem,
		ConstLabels: prometheus.Labels{"operation": operation},
		Help:        "A gauge of requests currently being served by the wrapped handler.",
	})

	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "api_requests_total",
			Namespace:   namespace,
			Subsystem:   subsystem,
			ConstLabels: prometheus.Labels{"operation": operation},
			Help:        "A counter for requests to the wrapped handler.",
		},
		[]string{"code", "method"},
	)

	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "request_duration_seconds",
			Namespace:   namespace,
			Subsystem:   subsystem,
			ConstLabels: prometheus.Labels{"operation": operation},
			Help:        "A histogram of latencies for requests.",
			Buckets:     []float64{.25, .5, 1, 2.5, 5, 10},
		},
		[]string{"handler", "method"},
	)

	responseSize := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "response_size_bytes",
			Namespace:   namespace,
			Subsystem:   subsystem,
			ConstLabels: prometheus.Labels{"operation": operation},
			Help:        "A histogram of response sizes for requests.",
			Buckets:     []float64{200, 500, 900, 1500},
		},
		[]string{},
	)

	prometheus.MustRegister(inFlightGauge, counter, duration, responseSize)

	return handlerMetrics{
		inFlightGauge: inFlightGauge,
		counter:       counter,
		duration:      duration,
		responseSize:  responseSize,
	}
}

// handlerMetricsRegister is needed because the same operation is served on
// both the /repo and /user_repo routes and duplicate metrics are invalid.
var handlerMetricsRegister = make(map[string]handlerMetrics)

// wrapMetrics wraps the given server handler with prometheus metrics middleware
func wrapMetrics(operation string, next http.Handler) http.Handler {
	m, ok := handlerMetricsRegister[operation]
	if !ok {
		m = newHandlerMetrics(operation)
		handlerMetricsRegister[operation] = m
	}

	return promhttp.InstrumentHandlerInFlight(m.inFlightGauge,
		promhttp.InstrumentHandlerDuration(m.duration.MustCurryWith(prometheus.Labels{"handler": operation}),
			promhttp.InstrumentHandlerCounter(m.counter,
				promhttp.InstrumentHandlerResponseSize(m.responseSize, next),
			),
		),
	)
}

// RootHandler returns the handler that routes all the paths from / for the
// repo server. Every repo operation is reachable both as /repo/{repoID}/…
// and as /user_repo/…, where the repo is resolved from the tenant namespace
// header.
func RootHandler(ctx context.Context, ac auth.AccessController, conf Config) http.Handler {
	ctx = context.WithValue(ctx, otatuf.CtxKeyRoleGen, conf.Generator)
	ctx = context.WithValue(ctx, otatuf.CtxKeyRepoStore, conf.Store)
	ctx = context.WithValue(ctx, otatuf.CtxKeyKeyClient, conf.Keys)
	if conf.KeyAlgo != "" {
		ctx = context.WithValue(ctx, otatuf.CtxKeyKeyAlgo, conf.KeyAlgo)
	}
	authWrapper := utils.RootHandlerFactory(ctx, ac)

	consistentCache := utils.NewCacheControlConfig(int(otatuf.VersionedRootCacheMaxAge.Seconds()), false)
	currentCache := utils.NewCacheControlConfig(int(otatuf.CurrentMetadataCacheMaxAge.Seconds()), true)

	r := mux.NewRouter()
	r.Methods("GET").Path("/").Handler(authWrapper(handlers.MainHandler))

	r.Methods("POST").Path("/user_repo").Handler(CreateHandler(
		"CreateRepo", handlers.CreateRepoHandler, authWrapper))

	for _, prefix := range []string{"/repo/{repoID}", "/user_repo"} {
		r.Methods("GET").Path(prefix + "/{version:[1-9][0-9]*}.root.json").Handler(utils.WrapWithCacheHandler(
			consistentCache, CreateHandler("GetRootVersion", handlers.GetRootVersionHandler, authWrapper)))
		r.Methods("GET").Path(prefix + "/{role:root|targets|snapshot|timestamp}.json").Handler(utils.WrapWithCacheHandler(
			currentCache, CreateHandler("GetRole", handlers.GetRoleHandler, authWrapper)))

		r.Methods("PUT").Path(prefix + "/targets/expire/not-before").Handler(CreateHandler(
			"SetExpireNotBefore", handlers.SetExpireNotBeforeHandler, authWrapper))
		r.Methods("PUT").Path(prefix + "/targets").Handler(CreateHandler(
			"OfflineTargets", handlers.OfflineTargetsHandler, authWrapper))
		r.Methods("GET").Path(prefix + "/target_items").Handler(CreateHandler(
			"ListTargetItems", handlers.ListTargetItemsHandler, authWrapper))

		r.Methods("POST").Path(prefix + "/targets/{filename:.+}").Handler(CreateHandler(
			"AddTarget", handlers.AddTargetHandler, authWrapper))
		r.Methods("PUT").Path(prefix + "/targets/{filename:.+}").Handler(CreateHandler(
			"UploadTarget", handlers.UploadTargetHandler, authWrapper))
		r.Methods("DELETE").Path(prefix + "/targets/{filename:.+}").Handler(CreateHandler(
			"DeleteTarget", handlers.DeleteTargetHandler, authWrapper))
		r.Methods("GET").Path(prefix + "/targets/{filename:.+}").Handler(CreateHandler(
			"GetTargetContent", handlers.GetTargetContentHandler, authWrapper))
		r.Methods("PATCH").Path(prefix + "/targets/{filename:.+}").Handler(CreateHandler(
			"EditTarget", handlers.EditTargetHandler, authWrapper))
		r.Methods("PATCH").Path(prefix + "/proprietary-custom/{filename:.+}").Handler(CreateHandler(
			"PatchProprietary", handlers.PatchProprietaryHandler, authWrapper))

		r.Methods("PUT").Path(prefix + "/delegations/{name:[a-zA-Z0-9_.-]+}.json").Handler(CreateHandler(
			"PutDelegation", handlers.PutDelegationHandler, authWrapper))
		r.Methods("GET").Path(prefix + "/delegations/{name:[a-zA-Z0-9_.-]+}.json").Handler(CreateHandler(
			"GetDelegation", handlers.GetDelegationHandler, authWrapper))
	}

	r.Methods("GET").Path("/_reposerver/health").HandlerFunc(health.StatusHandler)
	r.Methods("GET").Path("/metrics").Handler(promhttp.Handler())
	r.Methods("GET", "POST", "PUT", "PATCH", "HEAD", "DELETE").Path("/{other:.*}").Handler(
		authWrapper(handlers.NotFoundHandler))

	return r
}
