package sensor

import (
	"fmt"
	"time"

	"codeberg.org/mutker/powertrace/internal/gpu"
	"codeberg.org/mutker/powertrace/internal/logger"
	"codeberg.org/mutker/powertrace/internal/telemetry"
)

const sourceNVML = "nvml"

// GPUReader is satisfied by *gpu.Reader.
type GPUReader interface {
	Open() error
	Read() ([]gpu.Reading, error)
	Close() error
}

type gpuPoller struct {
	reader GPUReader
}

func NewGPU(log logger.Logger) Poller {
	return NewGPUWithReader(gpu.NewReader(log.WithComponent("nvml")))
}

func NewGPUWithReader(r GPUReader) Poller {
	return &gpuPoller{reader: r}
}

func (p *gpuPoller) Name() string { return "gpu" }

func (p *gpuPoller) Tier() telemetry.Tier { return telemetry.TierHigh }

func (p *gpuPoller) Open() error {
	return p.reader.Open()
}

func (p *gpuPoller) Poll(now time.Time) ([]telemetry.Sample, error) {
	readings, err := p.reader.Read()
	if err != nil {
		return nil, err
	}

	var out []telemetry.Sample
	for _, r := range readings {
		device := fmt.Sprintf("gpu%d", r.Index)
		add := func(sub string, metric telemetry.Metric, value float64) {
			out = append(out, telemetry.Sample{
				Timestamp:    now,
				Component:    telemetry.ComponentGPU,
				Subcomponent: sub,
				Metric:       metric,
				Value:        value,
				Units:        metric.Units(),
				Source:       sourceNVML,
				Confidence:   1,
			})
		}

		if r.Has(gpu.FieldPower) {
			add(device, telemetry.MetricPowerMilliwatts, r.PowerMilliwatts)
		}
		if r.Has(gpu.FieldTemperature) {
			add(device, telemetry.MetricTemperatureCelsius, r.TemperatureCelsius)
		}
		if r.Has(gpu.FieldUtilization) {
			add(device, telemetry.MetricUtilizationPercent, r.UtilizationPercent)
		}
		if r.Has(gpu.FieldClock) {
			add(device, telemetry.MetricFrequencyMegahertz, r.GraphicsClockMHz)
		}
		if r.Has(gpu.FieldEnergy) {
			add(device, telemetry.MetricEnergyMillijoules, r.EnergyMillijoules)
		}
		for fan, speed := range r.FanSpeedPercent {
			add(fmt.Sprintf("%s/fan%d", device, fan), telemetry.MetricFanSpeedPercent, speed)
		}
	}

	return out, nil
}

func (p *gpuPoller) Close() error {
	return p.reader.Close()
}
