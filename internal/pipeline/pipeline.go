// Package pipeline buffers samples between the sensors and storage and
// commits them in batched transactions.
package pipeline

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/logger"
	"codeberg.org/mutker/powertrace/internal/telemetry"
	"github.com/google/uuid"
)

// Store is the durable sink the pipeline writes through.
type Store interface {
	RegisterSession(ctx context.Context, meta telemetry.SessionMetadata) error
	CompleteSession(ctx context.Context, meta telemetry.SessionMetadata) error
	InsertSamples(ctx context.Context, sessionID uuid.UUID, batch []telemetry.Sample) error
}

type entry struct {
	session uuid.UUID
	sample  telemetry.Sample
}

type Option func(*Pipeline)

func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// Pipeline is a bounded buffer in front of Store. Enqueue blocks while the
// buffer is full. Buffered samples are committed by a background drainer
// while a session is bound, and completely by Flush.
type Pipeline struct {
	store   Store
	policy  telemetry.SamplingPolicy
	logger  logger.Logger
	metrics *Metrics

	buf     chan entry
	wake    chan struct{}
	stalled chan struct{}

	mu        sync.RWMutex
	session   uuid.UUID
	stopDrain context.CancelFunc
	drainDone chan struct{}
	rejected  map[string]struct{}

	// commitMu serializes the drainer and Flush; it guards pending.
	commitMu sync.Mutex
	pending  []entry
}

func New(store Store, policy telemetry.SamplingPolicy, log logger.Logger, opts ...Option) (*Pipeline, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		store:    store,
		policy:   policy,
		logger:   log,
		metrics:  NewMetrics(nil),
		buf:      make(chan entry, policy.BufferCapacity),
		wake:     make(chan struct{}, 1),
		stalled:  make(chan struct{}, 1),
		rejected: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Len returns the number of buffered samples.
func (p *Pipeline) Len() int {
	return len(p.buf)
}

// Enqueue buffers s for the bound session, waiting while the buffer is full.
// Invalid samples, and samples arriving while no session is bound, are
// rejected.
func (p *Pipeline) Enqueue(ctx context.Context, s telemetry.Sample) error {
	errFactory := errors.New()

	if err := s.Valid(); err != nil {
		p.reject(err)
		return err
	}

	p.mu.RLock()
	session := p.session
	p.mu.RUnlock()
	if session == uuid.Nil {
		err := errFactory.New(ErrNoSession)
		p.reject(err)
		return err
	}

	e := entry{session: session, sample: s}
	select {
	case p.buf <- e:
	default:
		// full: hand the backlog to the drainer and wait
		p.signal()
		select {
		case p.buf <- e:
		case <-ctx.Done():
			return errFactory.Wrap(ErrCanceled, ctx.Err())
		}
	}

	p.metrics.Enqueued.Inc()
	n := len(p.buf)
	p.metrics.Buffered.Set(float64(n))
	if n >= min(p.policy.BatchSize, cap(p.buf)) {
		p.signal()
	}

	return nil
}

func (p *Pipeline) signal() {
	notify(p.wake)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func withdraw(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

// Stalled delivers a value after a background commit failed while the
// buffer was full, so producers cannot make progress until storage accepts
// writes again. A later successful commit withdraws the value.
func (p *Pipeline) Stalled() <-chan struct{} {
	return p.stalled
}

func (p *Pipeline) reject(err error) {
	p.metrics.Rejected.Inc()

	msg := err.Error()
	p.mu.Lock()
	_, seen := p.rejected[msg]
	p.rejected[msg] = struct{}{}
	p.mu.Unlock()

	if !seen {
		p.logger.Warn().Err(err).Msg("Sample rejected")
	}
}

// RegisterSession records meta in storage, binds subsequent samples to it
// and starts the background drainer.
func (p *Pipeline) RegisterSession(ctx context.Context, meta telemetry.SessionMetadata) error {
	if err := p.store.RegisterSession(ctx, meta); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.session = meta.ID
	withdraw(p.stalled)
	if p.stopDrain == nil {
		drainCtx, cancel := context.WithCancel(context.Background())
		p.stopDrain = cancel
		p.drainDone = make(chan struct{})
		go p.drainLoop(drainCtx, p.drainDone)
	}

	p.logger.Debug().Str("session_id", meta.ID.String()).Msg("Session bound to pipeline")

	return nil
}

func (p *Pipeline) CompleteSession(ctx context.Context, meta telemetry.SessionMetadata) error {
	return p.store.CompleteSession(ctx, meta)
}

// Flush stops the drainer and commits everything buffered, including
// samples enqueued while it runs, in batches of at most BatchSize. On
// success the pipeline is unbound and empty. A failed batch is kept and
// retried by the next Flush.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.stopDrainer()

	start := time.Now()
	n, err := p.drain(ctx, true)
	if err != nil {
		p.logger.Error().
			Err(err).
			Int("persisted", n).
			Int("retained", p.retained()).
			Msg("Flush failed")
		return err
	}

	p.mu.Lock()
	p.session = uuid.Nil
	p.rejected = make(map[string]struct{})
	p.mu.Unlock()
	withdraw(p.stalled)

	p.logger.Debug().
		Int("persisted", n).
		Dur("took", time.Since(start)).
		Msg("Pipeline flushed")

	return nil
}

func (p *Pipeline) retained() int {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	return len(p.pending)
}

func (p *Pipeline) stopDrainer() {
	p.mu.Lock()
	cancel, done := p.stopDrain, p.drainDone
	p.stopDrain, p.drainDone = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *Pipeline) drainLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.policy.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}

		_, err := p.drain(ctx, false)
		switch {
		case err == nil:
			withdraw(p.stalled)
		case ctx.Err() == nil:
			p.logger.Warn().Err(err).Msg("Background commit failed, batch kept for retry")
			if len(p.buf) == cap(p.buf) {
				notify(p.stalled)
			}
		}
	}
}

// drain commits the retained batch and then buffered samples. With untilEmpty
// it keeps reading until the buffer is observed empty; otherwise it stops
// after the samples buffered when it began.
func (p *Pipeline) drain(ctx context.Context, untilEmpty bool) (int, error) {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	persisted := 0
	if len(p.pending) > 0 {
		batch := p.pending
		p.pending = nil
		n, err := p.commit(ctx, batch)
		persisted += n
		if err != nil {
			return persisted, err
		}
	}

	budget := len(p.buf)
	for untilEmpty || budget > 0 {
		limit := p.policy.BatchSize
		if !untilEmpty {
			limit = min(limit, budget)
		}

		batch := p.take(limit)
		if len(batch) == 0 {
			return persisted, nil
		}
		budget -= len(batch)

		n, err := p.commit(ctx, batch)
		persisted += n
		if err != nil {
			return persisted, err
		}
	}

	return persisted, nil
}

// take removes up to limit entries without waiting.
func (p *Pipeline) take(limit int) []entry {
	batch := make([]entry, 0, limit)
	for len(batch) < limit {
		select {
		case e := <-p.buf:
			batch = append(batch, e)
		default:
			p.metrics.Buffered.Set(float64(len(p.buf)))
			return batch
		}
	}
	p.metrics.Buffered.Set(float64(len(p.buf)))
	return batch
}

// commit writes batch as one transaction per session run. On failure the
// uncommitted tail is kept in pending. Callers hold commitMu.
func (p *Pipeline) commit(ctx context.Context, batch []entry) (int, error) {
	errFactory := errors.New()

	persisted := 0
	for len(batch) > 0 {
		session := batch[0].session
		end := 1
		for end < len(batch) && batch[end].session == session {
			end++
		}

		samples := make([]telemetry.Sample, end)
		for i := range samples {
			samples[i] = batch[i].sample
		}

		start := time.Now()
		if err := p.store.InsertSamples(ctx, session, samples); err != nil {
			p.metrics.FlushFailures.Inc()
			p.pending = batch
			return persisted, errFactory.Wrap(ErrFlushFailed, err)
		}
		p.metrics.CommitLatency.Observe(time.Since(start).Seconds())
		p.metrics.Batches.Inc()
		p.metrics.Persisted.Add(float64(end))

		persisted += end
		batch = batch[end:]
	}

	return persisted, nil
}
