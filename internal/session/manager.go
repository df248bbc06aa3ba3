// Package session owns the lifecycle of a tracking session: it starts the
// sensors, forwards their merged stream into the pipeline and makes every
// sample durable before Stop returns.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/logger"
	"codeberg.org/mutker/powertrace/internal/mux"
	"codeberg.org/mutker/powertrace/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Pipeline is the ingestion side the manager feeds.
type Pipeline interface {
	RegisterSession(ctx context.Context, meta telemetry.SessionMetadata) error
	CompleteSession(ctx context.Context, meta telemetry.SessionMetadata) error
	Enqueue(ctx context.Context, s telemetry.Sample) error
	Flush(ctx context.Context) error
	// Stalled delivers a value while storage rejects commits and the
	// buffer is full.
	Stalled() <-chan struct{}
}

// Snapshotter records the manager's current session for other processes.
type Snapshotter interface {
	Save(meta telemetry.SessionMetadata) error
}

type Option func(*Manager)

// WithHostInfo sets the provider of the descriptive fields of new sessions.
func WithHostInfo(host func() telemetry.HostInfo) Option {
	return func(m *Manager) {
		m.host = host
	}
}

func WithSnapshotter(s Snapshotter) Option {
	return func(m *Manager) {
		m.snapshots = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMergeBuffer sizes the channel shared by the sensor streams. Zero keeps
// the buffer capacity of the sampling policy.
func WithMergeBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.mergeBuffer = n
		}
	}
}

type run struct {
	meta     telemetry.SessionMetadata
	adapters []telemetry.Adapter
	cancel   context.CancelFunc // ends sensor production
	abort    context.CancelFunc // drops whatever is still in flight
	done     chan struct{}      // closed when the forward loop has ended
}

// Manager is Idle or Active. Start and Stop serialize on one slot.
type Manager struct {
	adapters    []telemetry.Adapter
	pipeline    Pipeline
	policy      telemetry.SamplingPolicy
	logger      logger.Logger
	host        func() telemetry.HostInfo
	snapshots   Snapshotter
	now         func() time.Time
	mergeBuffer int

	mu      sync.Mutex
	current *run
}

func NewManager(
	adapters []telemetry.Adapter,
	pipeline Pipeline,
	policy telemetry.SamplingPolicy,
	log logger.Logger,
	opts ...Option,
) (*Manager, error) {
	errFactory := errors.New()

	if len(adapters) == 0 {
		return nil, errFactory.New(ErrNoAdapters)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		adapters:    adapters,
		pipeline:    pipeline,
		policy:      policy,
		logger:      log,
		host:        func() telemetry.HostInfo { return telemetry.HostInfo{} },
		now:         time.Now,
		mergeBuffer: policy.BufferCapacity,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Current returns the active session, if any.
func (m *Manager) Current() (telemetry.SessionMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return telemetry.SessionMetadata{}, false
	}
	return m.current.meta, true
}

// Start begins a new session and returns once the sensors are launched. An
// active session is stopped first.
func (m *Manager) Start(ctx context.Context, notes string) (telemetry.SessionMetadata, error) {
	errFactory := errors.New()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.logger.Warn().
			Str("session_id", m.current.meta.ID.String()).
			Msg("Session already active, stopping it first")
		if err := m.stopLocked(ctx); err != nil {
			m.logger.Error().Err(err).Msg("Previous session did not stop cleanly")
		}
	}

	meta := telemetry.NewSession(m.now(), notes, m.host())
	if err := m.pipeline.RegisterSession(ctx, meta); err != nil {
		return telemetry.SessionMetadata{}, errFactory.Wrap(ErrSessionStart, err)
	}

	// The session outlives the caller's ctx, which only bounds Start itself.
	base := context.WithoutCancel(ctx)
	sessionCtx, cancel := context.WithCancel(base)
	drainCtx, abort := context.WithCancel(base)

	r := &run{
		meta:   meta,
		cancel: cancel,
		abort:  abort,
		done:   make(chan struct{}),
	}

	streams := make([]<-chan telemetry.Sample, 0, len(m.adapters))
	for _, a := range m.adapters {
		if err := a.Start(sessionCtx, meta, m.policy); err != nil {
			m.logger.Warn().Err(err).Str("sensor", a.Name()).Msg("Sensor failed to start")
			continue
		}
		r.adapters = append(r.adapters, a)
		streams = append(streams, a.ReadSamples(sessionCtx))
	}
	if len(r.adapters) == 0 {
		m.logger.Warn().Msg("No sensor started, session will record nothing")
	}

	merged := mux.Merge(drainCtx, m.logger, streams, mux.WithBuffer(m.mergeBuffer))
	go m.forward(drainCtx, merged, r.done)

	m.current = r
	m.saveSnapshot(meta)

	m.logger.Info().
		Str("session_id", meta.ID.String()).
		Int("sensors", len(r.adapters)).
		Msg("Session started")

	return meta, nil
}

// Stop ends the active session and returns after its samples are durable.
// With no active session it does nothing.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		m.logger.Info().Msg("No active session to stop")
		return nil
	}

	return m.stopLocked(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) error {
	errFactory := errors.New()

	r := m.current
	m.current = nil

	r.cancel()

	var g errgroup.Group
	for _, a := range r.adapters {
		g.Go(func() error {
			if err := a.Stop(); err != nil {
				m.logger.Warn().Err(err).Str("sensor", a.Name()).Msg("Sensor failed to stop")
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Debug().Msg("Continuing shutdown with sensors that failed to stop")
	}

	select {
	case <-r.done:
	case <-m.pipeline.Stalled():
		r.abort()
		<-r.done
		m.logger.Warn().Msg("Storage is rejecting samples, in-flight samples dropped")
	case <-ctx.Done():
		r.abort()
		<-r.done
		m.logger.Warn().Err(ctx.Err()).Msg("Stop deadline reached, in-flight samples dropped")
	}
	r.abort()

	meta := r.meta.Complete(m.now())
	if err := m.pipeline.CompleteSession(ctx, meta); err != nil {
		m.logger.Error().Err(err).Str("session_id", meta.ID.String()).Msg("Failed to record session end")
	}

	flushErr := m.pipeline.Flush(ctx)
	m.saveSnapshot(meta)

	if flushErr != nil {
		return errFactory.Wrap(ErrSessionStop, flushErr)
	}

	m.logger.Info().
		Str("session_id", meta.ID.String()).
		Dur("duration", meta.Duration(m.now())).
		Msg("Session stopped")

	return nil
}

// forward moves merged samples into the pipeline until the stream closes.
func (m *Manager) forward(ctx context.Context, merged <-chan telemetry.Sample, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("panic", fmt.Sprint(r)).Msg("Forward loop failed")
			// unblock the forwarders so the merged stream can close
			for range merged {
			}
		}
	}()

	for s := range merged {
		if err := m.pipeline.Enqueue(ctx, s); err != nil && ctx.Err() != nil {
			for range merged {
			}
			return
		}
	}
}

func (m *Manager) saveSnapshot(meta telemetry.SessionMetadata) {
	if m.snapshots == nil {
		return
	}
	if err := m.snapshots.Save(meta); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to write session snapshot")
	}
}
