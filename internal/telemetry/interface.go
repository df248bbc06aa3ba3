package telemetry

import "context"

// Adapter polls one subsystem and streams samples while a session runs.
//
// An adapter moves Idle -> Running on Start and Running -> Stopped on Stop,
// or when the context given to Start is done.
// Start after Stop begins a fresh run, so one adapter serves many sessions.
type Adapter interface {
	Name() string

	// Start begins polling at the cadence chosen from policy and returns
	// without waiting for the first poll. A sensor that cannot be opened
	// is logged and simply produces no samples for the session.
	Start(ctx context.Context, meta SessionMetadata, policy SamplingPolicy) error

	// Stop halts polling, releases OS handles and closes the stream. It is
	// idempotent.
	Stop() error

	// ReadSamples returns the stream of the current run. The channel is
	// closed when the run stops, when the context given to Start is done or
	// when ctx is done; a ctx that is already done yields a closed channel.
	ReadSamples(ctx context.Context) <-chan Sample
}
