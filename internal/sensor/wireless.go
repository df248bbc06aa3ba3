package sensor

import (
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/telemetry"
)

const sourceNetDev = "procfs:net/dev"

type ifaceRates struct {
	rx, tx Rate
}

// wirelessPoller derives rx/tx throughput of wireless interfaces from the
// byte counters in /proc/net/dev.
type wirelessPoller struct {
	paths Paths
	rates map[string]*ifaceRates
}

func NewWireless(paths Paths) Poller {
	return &wirelessPoller{paths: paths}
}

func (p *wirelessPoller) Name() string { return "wireless" }

func (p *wirelessPoller) Tier() telemetry.Tier { return telemetry.TierMedium }

func (p *wirelessPoller) Open() error {
	if !exists(p.paths.proc("net", "dev")) {
		return errors.New().WithData(ErrSensorUnavailable, "no /proc/net/dev")
	}
	p.rates = make(map[string]*ifaceRates)
	return nil
}

func (p *wirelessPoller) Poll(now time.Time) ([]telemetry.Sample, error) {
	lines, err := readLines(p.paths.proc("net", "dev"))
	if err != nil {
		return nil, errors.New().Wrap(ErrReadFailed, err)
	}

	var out []telemetry.Sample
	// two header lines precede the interfaces
	for i := 2; i < len(lines); i++ {
		name, counters, found := strings.Cut(lines[i], ":")
		if !found {
			continue
		}
		iface := strings.TrimSpace(name)
		if !exists(p.paths.sys("class", "net", iface, "wireless")) {
			continue
		}

		fields := strings.Fields(counters)
		if len(fields) < 16 {
			continue
		}
		rxBytes, rxErr := strconv.ParseUint(fields[0], 10, 64)
		txBytes, txErr := strconv.ParseUint(fields[8], 10, 64)
		if rxErr != nil || txErr != nil {
			continue
		}

		rates, ok := p.rates[iface]
		if !ok {
			rates = &ifaceRates{}
			p.rates[iface] = rates
		}

		if rate, ok := rates.rx.Update(float64(rxBytes), now); ok {
			out = append(out, throughput(now, iface+"/rx", rate))
		}
		if rate, ok := rates.tx.Update(float64(txBytes), now); ok {
			out = append(out, throughput(now, iface+"/tx", rate))
		}
	}

	return out, nil
}

func throughput(now time.Time, sub string, rate float64) telemetry.Sample {
	return telemetry.Sample{
		Timestamp:    now,
		Component:    telemetry.ComponentWireless,
		Subcomponent: sub,
		Metric:       telemetry.MetricThroughputBytesPerSecond,
		Value:        rate,
		Units:        telemetry.MetricThroughputBytesPerSecond.Units(),
		Source:       sourceNetDev,
		Confidence:   1,
	}
}

func (p *wirelessPoller) Close() error {
	p.rates = nil
	return nil
}
