package sensor

import (
	"sort"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/logger"
	"codeberg.org/mutker/powertrace/internal/telemetry"
)

type factory func(paths Paths, log logger.Logger) Poller

var pollers = map[string]factory{
	"battery":  func(p Paths, _ logger.Logger) Poller { return NewBattery(p) },
	"cpu":      func(p Paths, _ logger.Logger) Poller { return NewCPU(p) },
	"gpu":      func(_ Paths, log logger.Logger) Poller { return NewGPU(log) },
	"display":  func(p Paths, _ logger.Logger) Poller { return NewDisplay(p) },
	"wireless": func(p Paths, _ logger.Logger) Poller { return NewWireless(p) },
	"thermal":  func(p Paths, _ logger.Logger) Poller { return NewThermal(p) },
}

// Names lists the known sensors in sorted order.
func Names() []string {
	names := make([]string, 0, len(pollers))
	for name := range pollers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewPoller returns the poller registered under name.
func NewPoller(name string, paths Paths, log logger.Logger) (Poller, error) {
	f, ok := pollers[name]
	if !ok {
		return nil, errors.New().WithData(ErrUnknownSensor, name)
	}
	return f(paths, log), nil
}

// NewAdapters builds one adapter per name. Duplicate names are collapsed.
func NewAdapters(names []string, paths Paths, log logger.Logger, opts ...Option) ([]telemetry.Adapter, error) {
	seen := make(map[string]bool, len(names))
	adapters := make([]telemetry.Adapter, 0, len(names))

	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		p, err := NewPoller(name, paths, log)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, NewAdapter(p, log, opts...))
	}

	return adapters, nil
}
