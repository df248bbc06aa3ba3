package sensor

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/telemetry"
)

const (
	sourceProcStat = "procfs:stat"
	sourceCPUFreq  = "sysfs:cpufreq"
	sourceRAPL     = "rapl"

	kiloToMega = 1e-3
)

type raplZone struct {
	name   string
	energy string
	rate   Rate
}

// cpuPoller reports utilization from /proc/stat, the mean core frequency
// and RAPL package power.
type cpuPoller struct {
	paths Paths

	prevTotal, prevIdle uint64
	primed              bool

	freqFiles []string
	zones     []*raplZone
}

func NewCPU(paths Paths) Poller {
	return &cpuPoller{paths: paths}
}

func (p *cpuPoller) Name() string { return "cpu" }

func (p *cpuPoller) Tier() telemetry.Tier { return telemetry.TierHigh }

func (p *cpuPoller) Open() error {
	p.primed = false
	p.zones = nil

	if !exists(p.paths.proc("stat")) {
		return errors.New().WithData(ErrSensorUnavailable, "no /proc/stat")
	}

	p.freqFiles, _ = filepath.Glob(p.paths.sys("devices", "system", "cpu", "cpu[0-9]*", "cpufreq", "scaling_cur_freq"))

	// package zones only, sub-zones (core, uncore) carry a second index
	zones, _ := filepath.Glob(p.paths.sys("class", "powercap", "intel-rapl:*"))
	sort.Strings(zones)
	for _, dir := range zones {
		if strings.Count(filepath.Base(dir), ":") != 1 {
			continue
		}
		energy := filepath.Join(dir, "energy_uj")
		if !exists(energy) {
			continue
		}
		name, err := readString(filepath.Join(dir, "name"))
		if err != nil || name == "" {
			name = filepath.Base(dir)
		}
		p.zones = append(p.zones, &raplZone{name: name, energy: energy})
	}

	return nil
}

func (p *cpuPoller) Poll(now time.Time) ([]telemetry.Sample, error) {
	var (
		out  []telemetry.Sample
		errs []error
	)

	if util, ok, err := p.utilization(); err != nil {
		errs = append(errs, err)
	} else if ok {
		out = append(out, cpuSample(now, "", telemetry.MetricUtilizationPercent, util, sourceProcStat))
	}

	if freq, ok := p.frequency(); ok {
		out = append(out, cpuSample(now, "", telemetry.MetricFrequencyMegahertz, freq, sourceCPUFreq))
	}

	for _, zone := range p.zones {
		uj, err := readInt(zone.energy)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		// µJ/s is µW
		if rate, ok := zone.rate.Update(float64(uj), now); ok {
			out = append(out, cpuSample(now, zone.name, telemetry.MetricPowerMilliwatts, rate*microToMilli, sourceRAPL))
		}
	}

	if len(errs) > 0 {
		return out, errors.New().Wrap(ErrReadFailed, errors.Join(errs...))
	}
	return out, nil
}

// utilization returns busy percent since the previous call; the first call
// only primes the counters.
func (p *cpuPoller) utilization() (float64, bool, error) {
	lines, err := readLines(p.paths.proc("stat"))
	if err != nil {
		return 0, false, err
	}

	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}

		var total, idle uint64
		// user nice system idle iowait irq softirq steal
		for i, f := range fields[1:min(len(fields), 9)] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return 0, false, err
			}
			total += v
			if i == 3 || i == 4 {
				idle += v
			}
		}

		prevTotal, prevIdle, primed := p.prevTotal, p.prevIdle, p.primed
		p.prevTotal, p.prevIdle, p.primed = total, idle, true

		if !primed || total <= prevTotal || idle < prevIdle {
			return 0, false, nil
		}

		dTotal := float64(total - prevTotal)
		dIdle := float64(idle - prevIdle)
		busy := (dTotal - dIdle) / dTotal * 100
		return max(0, min(100, busy)), true, nil
	}

	return 0, false, errors.New().WithData(ErrReadFailed, "no aggregate cpu line in stat")
}

func (p *cpuPoller) frequency() (float64, bool) {
	var sum float64
	var n int
	for _, path := range p.freqFiles {
		khz, err := readInt(path)
		if err != nil {
			continue
		}
		sum += float64(khz)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n) * kiloToMega, true
}

func cpuSample(now time.Time, sub string, metric telemetry.Metric, value float64, source string) telemetry.Sample {
	return telemetry.Sample{
		Timestamp:    now,
		Component:    telemetry.ComponentCPU,
		Subcomponent: sub,
		Metric:       metric,
		Value:        value,
		Units:        metric.Units(),
		Source:       source,
		Confidence:   1,
	}
}

func (p *cpuPoller) Close() error {
	p.freqFiles = nil
	p.zones = nil
	return nil
}
