// Package metrics exports daemon counters to Prometheus and serves the
// health endpoints.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"swarmdrive/pkg/vfs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds the daemon's collectors.
type Metrics struct {
	RPCRequests *prometheus.CounterVec
	RPCLatency  *prometheus.HistogramVec
	FSCalls     *prometheus.CounterVec
	FSLatency   *prometheus.HistogramVec
}

// New creates the collectors and registers them with registry, or with
// the default registerer when registry is nil.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		RPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmdrive_rpc_requests_total",
			Help: "RPC calls handled, by method and status code",
		}, []string{"method", "code"}),
		RPCLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swarmdrive_rpc_latency_seconds",
			Help:    "RPC call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		FSCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmdrive_fs_calls_total",
			Help: "Filesystem calls dispatched, by operation and errno",
		}, []string{"op", "errno"}),
		FSLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swarmdrive_fs_latency_seconds",
			Help:    "Filesystem call latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"op"}),
	}
}

// Sources report live daemon state for the gauges. Nil fields are skipped.
type Sources struct {
	Sessions func() int
	Drives   func() int
	Swarms   func() int
	Mounted  func() bool
}

// RegisterSources adds gauges that read src on every scrape.
func RegisterSources(registry prometheus.Registerer, src Sources) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	gauge := func(name, help string, fn func() int) {
		if fn == nil {
			return
		}
		factory.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(fn())
		})
	}
	gauge("swarmdrive_sessions", "Open RPC sessions", src.Sessions)
	gauge("swarmdrive_drives", "Drives cached by the registry", src.Drives)
	gauge("swarmdrive_swarms", "Swarm topics joined", src.Swarms)
	if src.Mounted != nil {
		gauge("swarmdrive_root_mounted", "1 when a root drive is mounted", func() int {
			if src.Mounted() {
				return 1
			}
			return 0
		})
	}
}

func (m *Metrics) observeRPC(method string, start time.Time, err error) {
	m.RPCRequests.WithLabelValues(method, status.Code(err).String()).Inc()
	m.RPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// UnaryServerInterceptor records every unary call.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeRPC(info.FullMethod, start, err)
		return resp, err
	}
}

// StreamServerInterceptor records every stream once it ends.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		m.observeRPC(info.FullMethod, start, err)
		return err
	}
}

type dispatcher struct {
	next    vfs.Dispatcher
	metrics *Metrics
}

// Dispatcher wraps d so every filesystem call is counted.
func (m *Metrics) Dispatcher(d vfs.Dispatcher) vfs.Dispatcher {
	return &dispatcher{next: d, metrics: m}
}

func (d *dispatcher) Dispatch(ctx context.Context, req *vfs.Request) (*vfs.Response, error) {
	start := time.Now()
	resp, err := d.next.Dispatch(ctx, req)

	op := req.Op.String()
	errno := "0"
	if err != nil {
		errno = strconv.Itoa(int(vfs.Errno(err)))
	}
	d.metrics.FSCalls.WithLabelValues(op, errno).Inc()
	d.metrics.FSLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return resp, err
}

// Handler serves /metrics from gatherer plus the liveness and readiness
// probes. ready may be nil, in which case the daemon is always ready.
func Handler(gatherer prometheus.Gatherer, ready func() bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})
	return mux
}

// StartServer serves handler on address in the background. Shut it down
// with the returned server.
func StartServer(address string, handler http.Handler, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("address", address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return server
}
