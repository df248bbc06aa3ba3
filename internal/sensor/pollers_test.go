package sensor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/gpu"
	"codeberg.org/mutker/powertrace/internal/logger"
	"codeberg.org/mutker/powertrace/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0o644))
}

func fixturePaths(t *testing.T) Paths {
	root := t.TempDir()
	return Paths{
		Sysfs:  filepath.Join(root, "sys"),
		Procfs: filepath.Join(root, "proc"),
	}
}

func byMetric(samples []telemetry.Sample) map[telemetry.Metric]telemetry.Sample {
	out := make(map[telemetry.Metric]telemetry.Sample, len(samples))
	for _, s := range samples {
		out[s.Metric] = s
	}
	return out
}

func TestBatteryPoller(t *testing.T) {
	paths := fixturePaths(t)
	bat := paths.sys("class", "power_supply", "BAT0")
	writeFile(t, filepath.Join(bat, "voltage_now"), "12000000")
	writeFile(t, filepath.Join(bat, "current_now"), "1500000")
	writeFile(t, filepath.Join(bat, "power_now"), "18000000")
	writeFile(t, filepath.Join(bat, "energy_now"), "40000000")
	writeFile(t, filepath.Join(bat, "energy_full"), "50000000")

	p := NewBattery(paths)
	require.NoError(t, p.Open())
	now := time.Now()
	samples, err := p.Poll(now)
	require.NoError(t, err)
	require.Len(t, samples, 5)

	m := byMetric(samples)
	assert.InDelta(t, 12000.0, m[telemetry.MetricVoltageMillivolts].Value, 1e-9)
	assert.InDelta(t, 1500.0, m[telemetry.MetricCurrentMilliamps].Value, 1e-9)
	assert.InDelta(t, 18000.0, m[telemetry.MetricPowerMilliwatts].Value, 1e-9)
	assert.InDelta(t, 40000.0, m[telemetry.MetricRemainingCapacityMilliwattHours].Value, 1e-9)
	assert.InDelta(t, 50000.0, m[telemetry.MetricFullCapacityMilliwattHours].Value, 1e-9)

	power := m[telemetry.MetricPowerMilliwatts]
	assert.Equal(t, telemetry.ComponentBattery, power.Component)
	assert.Equal(t, "BAT0", power.Subcomponent)
	assert.Equal(t, "mW", power.Units)
	assert.Equal(t, "sysfs", power.Source)
	assert.True(t, now.Equal(power.Timestamp))
	require.NoError(t, p.Close())
}

func TestBatteryPollerDerivesPowerAndEnergy(t *testing.T) {
	paths := fixturePaths(t)
	bat := paths.sys("class", "power_supply", "BAT1")
	writeFile(t, filepath.Join(bat, "voltage_now"), "11000000")
	writeFile(t, filepath.Join(bat, "current_now"), "2000000")
	writeFile(t, filepath.Join(bat, "charge_now"), "3000000")

	p := NewBattery(paths)
	require.NoError(t, p.Open())
	samples, err := p.Poll(time.Now())
	require.NoError(t, err)

	m := byMetric(samples)
	power := m[telemetry.MetricPowerMilliwatts]
	assert.InDelta(t, 22000.0, power.Value, 1e-6)
	assert.Equal(t, "sysfs:derived", power.Source)
	assert.Less(t, power.Confidence, 1.0)

	assert.InDelta(t, 33000.0, m[telemetry.MetricRemainingCapacityMilliwattHours].Value, 1e-6)
	_, ok := m[telemetry.MetricFullCapacityMilliwattHours]
	assert.False(t, ok)
}

func TestBatteryPollerWithoutBattery(t *testing.T) {
	err := NewBattery(fixturePaths(t)).Open()
	assert.True(t, errors.HasCode(err, ErrSensorUnavailable))
}

func TestCPUPoller(t *testing.T) {
	paths := fixturePaths(t)
	stat := paths.proc("stat")
	writeFile(t, stat, "cpu  100 0 100 700 100 0 0 0 0 0\ncpu0 50 0 50 350 50 0 0 0 0 0")
	writeFile(t, paths.sys("devices", "system", "cpu", "cpu0", "cpufreq", "scaling_cur_freq"), "2000000")
	writeFile(t, paths.sys("devices", "system", "cpu", "cpu1", "cpufreq", "scaling_cur_freq"), "3000000")
	zone := paths.sys("class", "powercap", "intel-rapl:0")
	writeFile(t, filepath.Join(zone, "name"), "package-0")
	writeFile(t, filepath.Join(zone, "energy_uj"), "1000000")
	writeFile(t, paths.sys("class", "powercap", "intel-rapl:0:0", "energy_uj"), "5")

	p := NewCPU(paths)
	require.NoError(t, p.Open())

	t0 := time.Unix(1000, 0)
	samples, err := p.Poll(t0)
	require.NoError(t, err)
	m := byMetric(samples)
	_, primed := m[telemetry.MetricUtilizationPercent]
	assert.False(t, primed, "first poll only primes utilization")
	assert.InDelta(t, 2500.0, m[telemetry.MetricFrequencyMegahertz].Value, 1e-9)

	// 1000 jiffies more, 250 of them idle or iowait
	writeFile(t, stat, "cpu  550 0 400 900 150 0 0 0 0 0")
	writeFile(t, filepath.Join(zone, "energy_uj"), "3000000")

	samples, err = p.Poll(t0.Add(2 * time.Second))
	require.NoError(t, err)
	m = byMetric(samples)
	assert.InDelta(t, 75.0, m[telemetry.MetricUtilizationPercent].Value, 1e-9)

	power := m[telemetry.MetricPowerMilliwatts]
	assert.Equal(t, "package-0", power.Subcomponent)
	assert.Equal(t, "rapl", power.Source)
	// 2 J over 2 s
	assert.InDelta(t, 1000.0, power.Value, 1e-9)
}

func TestDisplayPoller(t *testing.T) {
	paths := fixturePaths(t)
	panel := paths.sys("class", "backlight", "intel_backlight")
	writeFile(t, filepath.Join(panel, "brightness"), "300")
	writeFile(t, filepath.Join(panel, "max_brightness"), "1200")

	p := NewDisplay(paths)
	require.NoError(t, p.Open())
	samples, err := p.Poll(time.Now())
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "intel_backlight", samples[0].Subcomponent)
	assert.InDelta(t, 25.0, samples[0].Value, 1e-9)
	assert.Equal(t, telemetry.MetricBrightnessPercent, samples[0].Metric)
}

func TestWirelessPoller(t *testing.T) {
	paths := fixturePaths(t)
	netdev := paths.proc("net", "dev")
	header := "Inter-|   Receive                                                |  Transmit\n" +
		" face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed\n"
	writeFile(t, netdev, header+
		"    lo: 5000 10 0 0 0 0 0 0 5000 10 0 0 0 0 0 0\n"+
		" wlan0: 1000 10 0 0 0 0 0 0 2000 10 0 0 0 0 0 0")
	require.NoError(t, os.MkdirAll(paths.sys("class", "net", "wlan0", "wireless"), 0o755))

	p := NewWireless(paths)
	require.NoError(t, p.Open())

	t0 := time.Unix(2000, 0)
	samples, err := p.Poll(t0)
	require.NoError(t, err)
	assert.Empty(t, samples)

	writeFile(t, netdev, header+
		"    lo: 9000 10 0 0 0 0 0 0 9000 10 0 0 0 0 0 0\n"+
		" wlan0: 5000 10 0 0 0 0 0 0 1000 10 0 0 0 0 0 0")
	samples, err = p.Poll(t0.Add(4 * time.Second))
	require.NoError(t, err)
	require.Len(t, samples, 2)

	assert.Equal(t, "wlan0/rx", samples[0].Subcomponent)
	assert.InDelta(t, 1000.0, samples[0].Value, 1e-9)
	assert.Equal(t, "wlan0/tx", samples[1].Subcomponent)
	assert.Zero(t, samples[1].Value, "counter reset clamps to zero")
	assert.Equal(t, telemetry.ComponentWireless, samples[1].Component)
}

func TestThermalPoller(t *testing.T) {
	paths := fixturePaths(t)
	writeFile(t, paths.sys("class", "thermal", "thermal_zone0", "temp"), "45500")
	writeFile(t, paths.sys("class", "thermal", "thermal_zone0", "type"), "x86_pkg_temp")

	p := NewThermal(paths)
	require.NoError(t, p.Open())
	samples, err := p.Poll(time.Now())
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "thermal_zone0/x86_pkg_temp", samples[0].Subcomponent)
	assert.InDelta(t, 45.5, samples[0].Value, 1e-9)
}

type stubGPUReader struct {
	readings []gpu.Reading
}

func (s *stubGPUReader) Open() error                  { return nil }
func (s *stubGPUReader) Read() ([]gpu.Reading, error) { return s.readings, nil }
func (s *stubGPUReader) Close() error                 { return nil }

func TestGPUPoller(t *testing.T) {
	p := NewGPUWithReader(&stubGPUReader{readings: []gpu.Reading{{
		Index:              1,
		PowerMilliwatts:    35000,
		TemperatureCelsius: 60,
		FanSpeedPercent:    []float64{30},
		Missing:            gpu.FieldUtilization | gpu.FieldClock | gpu.FieldEnergy,
	}}})

	require.NoError(t, p.Open())
	samples, err := p.Poll(time.Now())
	require.NoError(t, err)
	require.Len(t, samples, 3)

	assert.Equal(t, "gpu1", samples[0].Subcomponent)
	assert.Equal(t, telemetry.MetricPowerMilliwatts, samples[0].Metric)
	assert.Equal(t, telemetry.MetricTemperatureCelsius, samples[1].Metric)
	assert.Equal(t, "gpu1/fan0", samples[2].Subcomponent)
	assert.Equal(t, "nvml", samples[2].Source)
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"battery", "cpu", "display", "gpu", "thermal", "wireless"}, Names())

	adapters, err := NewAdapters([]string{"battery", "cpu", "battery"}, fixturePaths(t), logger.Nop())
	require.NoError(t, err)
	require.Len(t, adapters, 2)
	assert.Equal(t, "battery", adapters[0].Name())
	assert.Equal(t, "cpu", adapters[1].Name())

	_, err = NewAdapters([]string{"modem"}, fixturePaths(t), logger.Nop())
	assert.True(t, errors.HasCode(err, ErrUnknownSensor))
}
