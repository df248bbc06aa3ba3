package sensor

import (
	"path/filepath"
	"sort"
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/telemetry"
)

type thermalZone struct {
	label string
	temp  string
}

// thermalPoller reads /sys/class/thermal/thermal_zone*/temp (millidegrees).
type thermalPoller struct {
	paths Paths
	zones []thermalZone
}

func NewThermal(paths Paths) Poller {
	return &thermalPoller{paths: paths}
}

func (p *thermalPoller) Name() string { return "thermal" }

func (p *thermalPoller) Tier() telemetry.Tier { return telemetry.TierLow }

func (p *thermalPoller) Open() error {
	matches, err := filepath.Glob(p.paths.sys("class", "thermal", "thermal_zone*"))
	if err != nil {
		return err
	}
	sort.Strings(matches)

	p.zones = p.zones[:0]
	for _, dir := range matches {
		temp := filepath.Join(dir, "temp")
		if !exists(temp) {
			continue
		}
		label, err := readString(filepath.Join(dir, "type"))
		if err != nil || label == "" {
			label = filepath.Base(dir)
		} else {
			label = filepath.Base(dir) + "/" + label
		}
		p.zones = append(p.zones, thermalZone{label: label, temp: temp})
	}

	if len(p.zones) == 0 {
		return errors.New().WithData(ErrSensorUnavailable, "no thermal zone")
	}
	return nil
}

func (p *thermalPoller) Poll(now time.Time) ([]telemetry.Sample, error) {
	var (
		out  []telemetry.Sample
		errs []error
	)

	for _, zone := range p.zones {
		milli, err := readInt(zone.temp)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, telemetry.Sample{
			Timestamp:    now,
			Component:    telemetry.ComponentThermal,
			Subcomponent: zone.label,
			Metric:       telemetry.MetricTemperatureCelsius,
			Value:        float64(milli) / 1000,
			Units:        telemetry.MetricTemperatureCelsius.Units(),
			Source:       sourceSysfs,
			Confidence:   1,
		})
	}

	if len(errs) > 0 {
		return out, errors.New().Wrap(ErrReadFailed, errors.Join(errs...))
	}
	return out, nil
}

func (p *thermalPoller) Close() error {
	p.zones = nil
	return nil
}
