// uwbd -- UWB ranging service daemon: Session Manager + Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/uwbplatform/uwbd/internal/callbacks"
	"github.com/uwbplatform/uwbd/internal/config"
	uwbmetrics "github.com/uwbplatform/uwbd/internal/metrics"
	"github.com/uwbplatform/uwbd/internal/secureprovision"
	"github.com/uwbplatform/uwbd/internal/uci"
	"github.com/uwbplatform/uwbd/internal/uwb"
	appversion "github.com/uwbplatform/uwbd/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP server
// to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// simMaxSessions is the session-table capacity reported by the reference
// uci.Sim transport. It only bounds the fake chip's own bookkeeping; the
// effective cap clients see is config.UwbConfig.MaxSessions.
const simMaxSessions = 64

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("uwbd starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("chips", len(cfg.Chips)),
	)

	reg := prometheus.NewRegistry()
	collector := uwbmetrics.NewCollector(reg)

	mgr, sims := newManager(cfg, collector, logger)
	defer mgr.Close()

	if err := runServers(cfg, mgr, sims, reg, logger); err != nil {
		logger.Error("uwbd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("uwbd stopped")
	return 0
}

// reportingCallbacks logs every ranging callback at debug level. It stands
// in for a real client integration (IPC/library boundary, out of scope per
// spec.md §1 Non-goals) in the reference daemon.
type reportingCallbacks struct {
	logger *slog.Logger
}

func (r *reportingCallbacks) OnRangingOpened(h callbacks.Handle) {
	r.logger.Debug("ranging opened", slog.String("handle", string(h)))
}

func (r *reportingCallbacks) OnRangingOpenFailed(h callbacks.Handle, status uci.StatusCode, detail string) {
	r.logger.Warn("ranging open failed", slog.String("handle", string(h)), slog.Any("status", status), slog.String("detail", detail))
}

func (r *reportingCallbacks) OnRangingStarted(h callbacks.Handle) {
	r.logger.Debug("ranging started", slog.String("handle", string(h)))
}

func (r *reportingCallbacks) OnRangingStartFailed(h callbacks.Handle, status uci.StatusCode) {
	r.logger.Warn("ranging start failed", slog.String("handle", string(h)), slog.Any("status", status))
}

func (r *reportingCallbacks) OnRangingStopped(h callbacks.Handle, reason callbacks.ReasonCode) {
	r.logger.Debug("ranging stopped", slog.String("handle", string(h)), slog.Any("reason", reason))
}

func (r *reportingCallbacks) OnRangingStopFailed(h callbacks.Handle, status uci.StatusCode) {
	r.logger.Warn("ranging stop failed", slog.String("handle", string(h)), slog.Any("status", status))
}

func (r *reportingCallbacks) OnRangingClosed(h callbacks.Handle, status uci.StatusCode) {
	r.logger.Debug("ranging closed", slog.String("handle", string(h)), slog.Any("status", status))
}

func (r *reportingCallbacks) OnRangingClosedWithReason(h callbacks.Handle, reason callbacks.ReasonCode) {
	r.logger.Debug("ranging closed", slog.String("handle", string(h)), slog.Any("reason", reason))
}

func (r *reportingCallbacks) OnRangingResult(h callbacks.Handle, result callbacks.RangingResult) {
	r.logger.Debug("ranging result",
		slog.String("handle", string(h)),
		slog.Int("measurements", len(result.Measurements)),
	)
}

func (r *reportingCallbacks) OnRangingReconfigured(h callbacks.Handle) {
	r.logger.Debug("ranging reconfigured", slog.String("handle", string(h)))
}

func (r *reportingCallbacks) OnRangingReconfigureFailed(h callbacks.Handle, status uci.StatusCode) {
	r.logger.Warn("ranging reconfigure failed", slog.String("handle", string(h)), slog.Any("status", status))
}

func (r *reportingCallbacks) OnControleeAdded(h callbacks.Handle, address uint16) {
	r.logger.Debug("controlee added", slog.String("handle", string(h)), slog.Any("address", address))
}

func (r *reportingCallbacks) OnControleeAddFailed(h callbacks.Handle, address uint16, status uci.StatusCode) {
	r.logger.Warn("controlee add failed", slog.String("handle", string(h)), slog.Any("address", address), slog.Any("status", status))
}

func (r *reportingCallbacks) OnControleeRemoved(h callbacks.Handle, address uint16) {
	r.logger.Debug("controlee removed", slog.String("handle", string(h)), slog.Any("address", address))
}

func (r *reportingCallbacks) OnControleeRemoveFailed(h callbacks.Handle, address uint16, status uci.StatusCode) {
	r.logger.Warn("controlee remove failed", slog.String("handle", string(h)), slog.Any("address", address), slog.Any("status", status))
}

func (r *reportingCallbacks) OnDataReceived(h callbacks.Handle, remoteAddr uint64, params map[string]string, payload []byte) {
	r.logger.Debug("data received", slog.String("handle", string(h)), slog.Any("remote_addr", remoteAddr), slog.Int("bytes", len(payload)))
}

func (r *reportingCallbacks) OnDataSent(h callbacks.Handle, remoteAddr uint64) {
	r.logger.Debug("data sent", slog.String("handle", string(h)), slog.Any("remote_addr", remoteAddr))
}

func (r *reportingCallbacks) OnDataSendFailed(h callbacks.Handle, remoteAddr uint64, status uci.StatusCode) {
	r.logger.Warn("data send failed", slog.String("handle", string(h)), slog.Any("remote_addr", remoteAddr), slog.Any("status", status))
}

func (r *reportingCallbacks) OnRangingRoundsUpdateStatus(h callbacks.Handle, status uci.StatusCode) {
	r.logger.Debug("ranging rounds update status", slog.String("handle", string(h)), slog.Any("status", status))
}

var _ callbacks.RangingCallbacks = (*reportingCallbacks)(nil)

// newManager builds one uwb.Manager wired to a single reference in-memory
// uci.Sim transport, wrapped in uwbmetrics.InstrumentedTransport so every
// native command is counted. Returns the sims so runServers can drain them
// on shutdown if needed.
//
// The same Manager and Sim serve every chip id (the Manager addresses the
// transport by uci.ChipID on every call). Entries in cfg.Chips are only
// logged; no per-chip transport is built for them.
func newManager(cfg *config.Config, collector *uwbmetrics.Collector, logger *slog.Logger) (*uwb.Manager, []*uci.Sim) {
	sim := uci.NewSim(simMaxSessions)
	transport := uwbmetrics.NewInstrumentedTransport(sim, collector)

	mgr := uwb.NewManager(
		transport,
		&reportingCallbacks{logger: logger},
		uwb.WithLogger(logger),
		uwb.WithMetrics(collector),
		uwb.WithMaxSessions(cfg.UWB.MaxSessions),
		uwb.WithRangingErrorStreakTimeout(cfg.UWB.RangingErrorStreakTimeoutMs()),
		uwb.WithRecentSessionCacheSize(cfg.UWB.RecentSessionCacheSize),
		uwb.WithSecureProvisioner(secureprovision.New(logger)),
	)
	sim.SetListener(mgr)

	for _, cc := range cfg.Chips {
		logger.Info("chip configured",
			slog.String("id", cc.ID),
			slog.String("device", cc.Device),
			slog.String("default_protocol", cc.DefaultProtocol),
		)
	}

	return mgr, []*uci.Sim{sim}
}

// runServers runs the metrics HTTP server under an errgroup with a
// signal-aware context, mirroring the teacher's errgroup-based server
// lifecycle (cmd/gobfd/main.go).
func runServers(
	cfg *config.Config,
	mgr *uwb.Manager,
	_ []*uci.Sim,
	reg *prometheus.Registry,
	logger *slog.Logger,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, mgr, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// gracefulShutdown stops accepting new ranging sessions and shuts down the
// metrics server, bounded by shutdownTimeout.
//
// The parent context is already cancelled when this function is called; a
// fresh timeout context is derived internally for the HTTP drain.
func gracefulShutdown(ctx context.Context, mgr *uwb.Manager, logger *slog.Logger, srv *http.Server) error {
	logger.Info("initiating graceful shutdown")

	mgr.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
