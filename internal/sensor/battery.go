package sensor

import (
	"path/filepath"
	"sort"
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/telemetry"
)

const (
	sourceSysfs        = "sysfs"
	sourceSysfsDerived = "sysfs:derived"

	// power_supply reports micro units
	microToMilli = 1e-3
	// µV * µA = pW
	picoToMilli = 1e-9

	derivedConfidence = 0.8
)

// batteryPoller reads /sys/class/power_supply/BAT*.
type batteryPoller struct {
	paths     Paths
	batteries []string
}

func NewBattery(paths Paths) Poller {
	return &batteryPoller{paths: paths}
}

func (p *batteryPoller) Name() string { return "battery" }

func (p *batteryPoller) Tier() telemetry.Tier { return telemetry.TierMedium }

func (p *batteryPoller) Open() error {
	matches, err := filepath.Glob(p.paths.sys("class", "power_supply", "BAT*"))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return errors.New().WithData(ErrSensorUnavailable, "no battery in power_supply")
	}
	sort.Strings(matches)
	p.batteries = matches
	return nil
}

func (p *batteryPoller) Poll(now time.Time) ([]telemetry.Sample, error) {
	var (
		out  []telemetry.Sample
		errs []error
	)

	for _, dir := range p.batteries {
		samples, err := readBattery(dir, now)
		out = append(out, samples...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.New().Wrap(ErrReadFailed, errors.Join(errs...))
	}
	return out, nil
}

func readBattery(dir string, now time.Time) ([]telemetry.Sample, error) {
	name := filepath.Base(dir)
	sample := func(metric telemetry.Metric, value float64, source string, confidence float64) telemetry.Sample {
		return telemetry.Sample{
			Timestamp:    now,
			Component:    telemetry.ComponentBattery,
			Subcomponent: name,
			Metric:       metric,
			Value:        value,
			Units:        metric.Units(),
			Source:       source,
			Confidence:   confidence,
		}
	}

	var out []telemetry.Sample

	voltage, vErr := readInt(filepath.Join(dir, "voltage_now"))
	if vErr == nil {
		out = append(out, sample(telemetry.MetricVoltageMillivolts, float64(voltage)*microToMilli, sourceSysfs, 1))
	}

	current, cErr := readInt(filepath.Join(dir, "current_now"))
	if cErr == nil {
		out = append(out, sample(telemetry.MetricCurrentMilliamps, float64(current)*microToMilli, sourceSysfs, 1))
	}

	if power, err := readInt(filepath.Join(dir, "power_now")); err == nil {
		out = append(out, sample(telemetry.MetricPowerMilliwatts, float64(power)*microToMilli, sourceSysfs, 1))
	} else if vErr == nil && cErr == nil {
		out = append(out, sample(telemetry.MetricPowerMilliwatts,
			float64(voltage)*float64(current)*picoToMilli, sourceSysfsDerived, derivedConfidence))
	}

	if energy, err := readInt(filepath.Join(dir, "energy_now")); err == nil {
		out = append(out, sample(telemetry.MetricRemainingCapacityMilliwattHours,
			float64(energy)*microToMilli, sourceSysfs, 1))
	} else if charge, err := readInt(filepath.Join(dir, "charge_now")); err == nil && vErr == nil {
		out = append(out, sample(telemetry.MetricRemainingCapacityMilliwattHours,
			float64(charge)*float64(voltage)*picoToMilli, sourceSysfsDerived, derivedConfidence))
	}

	if full, err := readInt(filepath.Join(dir, "energy_full")); err == nil {
		out = append(out, sample(telemetry.MetricFullCapacityMilliwattHours,
			float64(full)*microToMilli, sourceSysfs, 1))
	} else if charge, err := readInt(filepath.Join(dir, "charge_full")); err == nil && vErr == nil {
		out = append(out, sample(telemetry.MetricFullCapacityMilliwattHours,
			float64(charge)*float64(voltage)*picoToMilli, sourceSysfsDerived, derivedConfidence))
	}

	if len(out) == 0 {
		return nil, errors.New().WithData(ErrReadFailed, struct {
			Battery string
			Error   string
		}{
			Battery: name,
			Error:   errors.Join(vErr, cErr).Error(),
		})
	}
	return out, nil
}

func (p *batteryPoller) Close() error {
	p.batteries = nil
	return nil
}
