package sensor

import (
	"path/filepath"
	"sort"
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/telemetry"
)

// displayPoller reports backlight brightness as a percentage of its maximum.
type displayPoller struct {
	paths  Paths
	panels []string
}

func NewDisplay(paths Paths) Poller {
	return &displayPoller{paths: paths}
}

func (p *displayPoller) Name() string { return "display" }

func (p *displayPoller) Tier() telemetry.Tier { return telemetry.TierLow }

func (p *displayPoller) Open() error {
	matches, err := filepath.Glob(p.paths.sys("class", "backlight", "*"))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return errors.New().WithData(ErrSensorUnavailable, "no backlight device")
	}
	sort.Strings(matches)
	p.panels = matches
	return nil
}

func (p *displayPoller) Poll(now time.Time) ([]telemetry.Sample, error) {
	var (
		out  []telemetry.Sample
		errs []error
	)

	for _, dir := range p.panels {
		brightness, err := readInt(filepath.Join(dir, "brightness"))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		maxBrightness, err := readInt(filepath.Join(dir, "max_brightness"))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if maxBrightness <= 0 {
			continue
		}

		out = append(out, telemetry.Sample{
			Timestamp:    now,
			Component:    telemetry.ComponentDisplay,
			Subcomponent: filepath.Base(dir),
			Metric:       telemetry.MetricBrightnessPercent,
			Value:        float64(brightness) / float64(maxBrightness) * 100,
			Units:        telemetry.MetricBrightnessPercent.Units(),
			Source:       sourceSysfs,
			Confidence:   1,
		})
	}

	if len(errs) > 0 {
		return out, errors.New().Wrap(ErrReadFailed, errors.Join(errs...))
	}
	return out, nil
}

func (p *displayPoller) Close() error {
	p.panels = nil
	return nil
}
