// Package mux merges independently clocked sample streams into one.
package mux

import (
	"context"
	"fmt"
	"sync"

	"codeberg.org/mutker/powertrace/internal/logger"
	"codeberg.org/mutker/powertrace/internal/telemetry"
)

const defaultBuffer = 1024

type options struct {
	buffer int
}

type Option func(*options)

// WithBuffer sizes the shared output channel. Forwarders only block on each
// other once it is full.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.buffer = n
		}
	}
}

// Merge forwards every input into one channel. Order is kept within an input
// only. The output closes once every input has closed, or when ctx is done.
// A forwarder that panics is logged and counted as ended.
func Merge(ctx context.Context, log logger.Logger, inputs []<-chan telemetry.Sample, opts ...Option) <-chan telemetry.Sample {
	o := options{buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}

	out := make(chan telemetry.Sample, o.buffer)

	var wg sync.WaitGroup
	wg.Add(len(inputs))
	for i, in := range inputs {
		go func(index int, in <-chan telemetry.Sample) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Int("input", index).
						Str("panic", fmt.Sprint(r)).
						Msg("Stream forwarder failed, input dropped")
				}
			}()
			forward(ctx, in, out)
		}(i, in)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

func forward(ctx context.Context, in <-chan telemetry.Sample, out chan<- telemetry.Sample) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- s:
			case <-ctx.Done():
				return
			}
		}
	}
}
