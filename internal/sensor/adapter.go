package sensor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/logger"
	"codeberg.org/mutker/powertrace/internal/telemetry"
)

// DefaultStreamBuffer is the per-run output capacity of an Adapter.
const DefaultStreamBuffer = 64

// Poller reads one subsystem. Adapter drives it on a ticker.
type Poller interface {
	Name() string
	Tier() telemetry.Tier
	// Open acquires handles and resets derived state for a new run. An
	// error marks the sensor unavailable until the next run.
	Open() error
	// Poll returns the samples of one tick. It may return samples together
	// with an error when only part of the subsystem could be read.
	Poll(now time.Time) ([]telemetry.Sample, error)
	Close() error
}

// State is the lifecycle position of an Adapter.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Option func(*Adapter)

// WithClock overrides the time source handed to Poll.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// WithStreamBuffer sizes the per-run output channel.
func WithStreamBuffer(n int) Option {
	return func(a *Adapter) {
		if n >= 0 {
			a.buffer = n
		}
	}
}

// Adapter runs a Poller as a telemetry.Adapter.
type Adapter struct {
	poller Poller
	logger logger.Logger
	now    func() time.Time
	buffer int

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	out     chan telemetry.Sample
	runDone <-chan struct{} // Done of the ctx given to Start
}

var _ telemetry.Adapter = (*Adapter)(nil)

func NewAdapter(p Poller, log logger.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		poller: p,
		logger: log.WithComponent(p.Name()),
		now:    time.Now,
		buffer: DefaultStreamBuffer,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string {
	return a.poller.Name()
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start launches a fresh run and returns without waiting for the sensor to
// open. The run ends when Stop is called or ctx is done; a run that ended on
// its own leaves the adapter Stopped.
func (a *Adapter) Start(ctx context.Context, meta telemetry.SessionMetadata, policy telemetry.SamplingPolicy) error {
	errFactory := errors.New()

	interval := policy.Interval(a.poller.Tier())
	if interval <= 0 {
		return errFactory.WithData(ErrInvalidPolicy, struct {
			Sensor   string
			Interval time.Duration
		}{
			Sensor:   a.poller.Name(),
			Interval: interval,
		})
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateRunning {
		return errFactory.WithData(ErrAlreadyRunning, a.poller.Name())
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.out = make(chan telemetry.Sample, a.buffer)
	a.runDone = ctx.Done()
	a.state = StateRunning

	go a.run(runCtx, meta, interval, a.out, a.done)

	return nil
}

// Stop ends the current run and waits for its loop to exit. Stopping an
// adapter that was never started does nothing.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	if a.state == StateRunning {
		a.state = StateStopped
	}
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	return nil
}

// ReadSamples returns the stream of the current run. The stream closes when
// the run ends or ctx is done. Samples already buffered remain readable
// after the run ends.
func (a *Adapter) ReadSamples(ctx context.Context) <-chan telemetry.Sample {
	a.mu.Lock()
	out, runDone := a.out, a.runDone
	a.mu.Unlock()

	if out == nil || ctx.Err() != nil {
		closed := make(chan telemetry.Sample)
		close(closed)
		return closed
	}

	done := ctx.Done()
	if done == nil || done == runDone {
		return out
	}
	return relay(done, out)
}

// relay copies in to a new stream that also closes when done is closed.
func relay(done <-chan struct{}, in <-chan telemetry.Sample) <-chan telemetry.Sample {
	out := make(chan telemetry.Sample)

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case s, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- s:
				case <-done:
					return
				}
			}
		}
	}()

	return out
}

func (a *Adapter) run(ctx context.Context, meta telemetry.SessionMetadata, interval time.Duration,
	out chan<- telemetry.Sample, done chan<- struct{},
) {
	defer close(done)
	defer close(out)
	defer a.finish(done)

	log := a.logger
	if ctx.Err() != nil {
		return
	}
	if err := a.poller.Open(); err != nil {
		if ctx.Err() == nil {
			log.Warn().
				Err(err).
				Str("session_id", meta.ID.String()).
				Msg("Sensor unavailable, no samples for this session")
		}
		return
	}
	defer func() {
		if err := a.poller.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close sensor")
		}
	}()

	log.Debug().
		Str("tier", a.poller.Tier().String()).
		Dur("interval", interval).
		Msg("Sensor polling started")

	// failures already logged during this run, keyed by message
	seen := make(map[string]struct{})

	if !a.tick(ctx, out, seen) {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Sensor polling stopped")
			return
		case <-ticker.C:
			if !a.tick(ctx, out, seen) {
				return
			}
		}
	}
}

// finish marks the adapter Stopped when the run identified by done ended
// without Stop.
func (a *Adapter) finish(done chan<- struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done == done && a.state == StateRunning {
		a.state = StateStopped
	}
}

// tick polls once and emits the finite samples. It reports false when ctx
// ended while emitting.
func (a *Adapter) tick(ctx context.Context, out chan<- telemetry.Sample, seen map[string]struct{}) bool {
	now := a.now().UTC()

	samples, err := a.poll(now)
	if err != nil && ctx.Err() == nil {
		msg := err.Error()
		if _, ok := seen[msg]; !ok {
			seen[msg] = struct{}{}
			a.logger.Warn().Err(err).Msg("Sensor read failed")
		}
	}

	for _, s := range samples {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		if s.Timestamp.IsZero() {
			s.Timestamp = now
		}
		s.Confidence = telemetry.ClampConfidence(s.Confidence)

		select {
		case out <- s:
		case <-ctx.Done():
			return false
		}
	}

	return true
}

func (a *Adapter) poll(now time.Time) (samples []telemetry.Sample, err error) {
	defer func() {
		if r := recover(); r != nil {
			samples = nil
			err = errors.New().WithData(ErrReadFailed, fmt.Sprintf("panic: %v", r))
		}
	}()
	return a.poller.Poll(now)
}
