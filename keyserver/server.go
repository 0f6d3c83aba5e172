package keyserver

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
	"github.com/scala-steward/ota-tuf/keyserver/handlers"
	"github.com/scala-steward/ota-tuf/keyserver/keygen"
	"github.com/scala-steward/ota-tuf/keyserver/rootrole"
	"github.com/scala-steward/ota-tuf/utils"
)

// Config tells Run how to configure the key server
type Config struct {
	Addr       string
	TLSConfig  *tls.Config
	RootRole   *rootrole.Engine
	KeyGen     *keygen.Engine
	AuthMethod string
	AuthOpts   interface{}
}

// Run starts the key server and its background key generation loop. The
// context cancels both.
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

	go func() {
		if err := conf.KeyGen.Run(ctx); err != nil && err != context.Canceled {
			logrus.Errorf("key generation loop stopped: %v", err)
		}
	}()

	svr := http.Server{
		Addr:    conf.Addr,
		Handler: RootHandler(ctx, ac, conf.RootRole),
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
		namespace = "tuf_keyserver"
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

// handlerMetricsRegister is needed because some handlers have the same
// operation string and duplicate metrics are invalid.
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
// key server.
func RootHandler(ctx context.Context, ac auth.AccessController, engine *rootrole.Engine) http.Handler {
	ctx = context.WithValue(ctx, otatuf.CtxKeyRootRole, engine)
	authWrapper := utils.RootHandlerFactory(ctx, ac)

	r := mux.NewRouter()
	r.Methods("GET").Path("/").Handler(authWrapper(handlers.MainHandler))

	r.Methods("POST").Path("/root/{repoID}").Handler(CreateHandler(
		"CreateRoot", handlers.CreateRootHandler, authWrapper))
	r.Methods("GET").Path("/root/{repoID}").Handler(CreateHandler(
		"GetRoot", handlers.GetRootHandler, authWrapper))
	r.Methods("PUT").Path("/root/{repoID}").Handler(CreateHandler(
		"RetryKeyGen", handlers.RetryKeyGenHandler, authWrapper))
	r.Methods("PUT").Path("/root/{repoID}/rotate").Handler(CreateHandler(
		"RotateRoot", handlers.RotateRootHandler, authWrapper))
	r.Methods("GET").Path("/root/{repoID}/unsigned").Handler(CreateHandler(
		"GetUnsignedRoot", handlers.GetUnsignedRootHandler, authWrapper))
	r.Methods("POST").Path("/root/{repoID}/unsigned").Handler(CreateHandler(
		"PutSignedRoot", handlers.PutSignedRootHandler, authWrapper))
	r.Methods("GET").Path("/root/{repoID}/{version:[1-9][0-9]*}").Handler(CreateHandler(
		"GetRootVersion", handlers.GetRootVersionHandler, authWrapper))
	r.Methods("DELETE").Path("/root/{repoID}/private_keys/{keyID}").Handler(CreateHandler(
		"DeletePrivateKey", handlers.DeletePrivateKeyHandler, authWrapper))
	r.Methods("PUT").Path("/root/{repoID}/roles/{extRole:offline-updates|offline-snapshot|remote-sessions}").Handler(CreateHandler(
		"AddRole", handlers.AddRoleHandler, authWrapper))
	r.Methods("POST").Path("/root/{repoID}/{roleType:targets|snapshot|timestamp|offline-updates|offline-snapshot|remote-sessions}").Handler(CreateHandler(
		"SignPayload", handlers.SignPayloadHandler, authWrapper))

	r.Methods("GET").Path("/_keyserver/health").HandlerFunc(health.StatusHandler)
	r.Methods("GET").Path("/metrics").Handler(promhttp.Handler())
	r.Methods("GET", "POST", "PUT", "HEAD", "DELETE").Path("/{other:.*}").Handler(
		authWrapper(handlers.NotFoundHandler))

	return r
}
