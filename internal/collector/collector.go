// Package collector assembles storage, pipeline, sensors and the session
// manager into one running collector.
package collector

import (
	"context"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/powertrace/internal/config"
	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/logger"
	"codeberg.org/mutker/powertrace/internal/pipeline"
	"codeberg.org/mutker/powertrace/internal/sensor"
	"codeberg.org/mutker/powertrace/internal/session"
	"codeberg.org/mutker/powertrace/internal/state"
	"codeberg.org/mutker/powertrace/internal/storage"
	"codeberg.org/mutker/powertrace/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultStopTimeout = 30 * time.Second
	readHeaderTimeout  = 5 * time.Second
)

type Option func(*Host)

// WithAdapters replaces the sensors built from the configuration.
func WithAdapters(adapters ...telemetry.Adapter) Option {
	return func(h *Host) {
		h.adapters = adapters
	}
}

func WithVersion(version string) Option {
	return func(h *Host) {
		h.version = version
	}
}

// WithStopTimeout bounds the final flush after Run's context is done.
func WithStopTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.stopTimeout = d
		}
	}
}

// Host is the composition root of a collector process.
type Host struct {
	cfg         *config.Config
	logger      logger.Logger
	version     string
	stopTimeout time.Duration
	adapters    []telemetry.Adapter

	store     *storage.Store
	pipeline  *pipeline.Pipeline
	manager   *session.Manager
	snapshots *state.File
	registry  *prometheus.Registry

	metricsSrv      *http.Server
	metricsListener net.Listener
}

// Open prepares a collector: it opens the database, prunes sessions past
// the retention window and starts the metrics endpoint when configured.
// No session is started.
func Open(ctx context.Context, cfg *config.Config, log logger.Logger, opts ...Option) (*Host, error) {
	errFactory := errors.New()

	h := &Host{
		cfg:         cfg,
		logger:      log,
		stopTimeout: defaultStopTimeout,
		snapshots:   state.NewFile(cfg.StateFile),
		registry:    prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.adapters == nil {
		adapters, err := sensor.NewAdapters(cfg.Sensors, cfg.Paths(), log.WithComponent("sensor"),
			sensor.WithStreamBuffer(cfg.StreamBuffer))
		if err != nil {
			return nil, err
		}
		h.adapters = adapters
	}

	store, err := storage.Open(ctx, storage.Config{DBPath: cfg.Database}, log.WithComponent("storage"))
	if err != nil {
		return nil, err
	}
	h.store = store

	policy := cfg.Policy()
	if err := h.prune(ctx, policy.Retention); err != nil {
		h.logger.Warn().Err(err).Msg("Retention pruning failed")
	}

	h.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	h.pipeline, err = pipeline.New(store, policy, log.WithComponent("pipeline"),
		pipeline.WithMetrics(pipeline.NewMetrics(h.registry)))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	h.manager, err = session.NewManager(h.adapters, h.pipeline, policy, log.WithComponent("session"),
		session.WithSnapshotter(h.snapshots),
		session.WithMergeBuffer(cfg.MergeBuffer),
		session.WithHostInfo(func() telemetry.HostInfo { return HostInfo(cfg.User, h.version) }),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		if err := h.serveMetrics(cfg.MetricsAddr); err != nil {
			_ = store.Close()
			return nil, errFactory.Wrap(errors.ErrInitFailed, err)
		}
	}

	return h, nil
}

func (h *Host) prune(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}

	if _, err := h.store.Prune(ctx, time.Now().Add(-retention)); err != nil {
		return err
	}
	return h.dropStaleSnapshot(ctx)
}

// dropStaleSnapshot removes a completed snapshot whose session is no longer
// stored, so status does not report a pruned session.
func (h *Host) dropStaleSnapshot(ctx context.Context) error {
	snap, err := h.snapshots.Load()
	if err != nil {
		if errors.HasCode(err, state.ErrNoSnapshot) {
			return nil
		}
		return err
	}
	if snap.Active() {
		return nil
	}

	if _, err := h.store.Session(ctx, snap.SessionID); !errors.HasCode(err, storage.ErrSessionNotFound) {
		return err
	}

	h.logger.Debug().
		Str("session_id", snap.SessionID.String()).
		Str("state_file", h.snapshots.Path()).
		Msg("Removing snapshot of pruned session")

	return h.snapshots.Clear()
}

func (h *Host) serveMetrics(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{Registry: h.registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	h.metricsListener = listener
	h.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := h.metricsSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error().Err(err).Msg("Metrics server exited")
		}
	}()

	h.logger.Info().Str("addr", listener.Addr().String()).Msg("Serving metrics")

	return nil
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (h *Host) MetricsAddr() string {
	if h.metricsListener == nil {
		return ""
	}
	return h.metricsListener.Addr().String()
}

func (h *Host) Store() *storage.Store {
	return h.store
}

func (h *Host) Manager() *session.Manager {
	return h.manager
}

// Run records one session until ctx is done, then stops it and waits for
// its samples to be committed.
func (h *Host) Run(ctx context.Context, notes string) (telemetry.SessionMetadata, error) {
	meta, err := h.manager.Start(ctx, notes)
	if err != nil {
		return telemetry.SessionMetadata{}, err
	}

	<-ctx.Done()
	h.logger.Info().Msg("Stopping session")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.stopTimeout)
	defer cancel()

	return meta, h.manager.Stop(stopCtx)
}

// Close stops any active session and releases the database and the metrics
// endpoint.
func (h *Host) Close() error {
	errFactory := errors.New()

	ctx, cancel := context.WithTimeout(context.Background(), h.stopTimeout)
	defer cancel()

	var errs []error
	if err := h.manager.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	if h.metricsSrv != nil {
		if err := h.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, errFactory.Wrap(errors.ErrShutdownFailed, err))
		}
	}

	if err := h.store.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
