package gpu

import (
	"sync"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// Reader polls power counters of every NVML device on the host.
type Reader struct {
	ctl     nvmlController
	devices []Device
	names   []string
	logger  logger.Logger
	mu      sync.Mutex
}

func NewReader(log logger.Logger) *Reader {
	return newReader(&nvmlWrapper{}, log)
}

func newReader(ctl nvmlController, log logger.Logger) *Reader {
	return &Reader{
		ctl:    ctl,
		logger: log,
	}
}

// Open initializes NVML and enumerates devices. A host without devices
// returns ErrNoDevices.
func (r *Reader) Open() error {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ctl.Initialize(); err != nil {
		return err
	}

	count, err := r.ctl.GetDeviceCount()
	if err != nil {
		_ = r.ctl.Shutdown()
		return err
	}
	if count == 0 {
		_ = r.ctl.Shutdown()
		return errFactory.New(ErrNoDevices)
	}

	r.devices = r.devices[:0]
	r.names = r.names[:0]
	for i := 0; i < count; i++ {
		device, err := r.ctl.GetDevice(i)
		if err != nil {
			r.logger.Warn().Err(err).Int("index", i).Msg("Skipping GPU")
			continue
		}

		name, ret := device.GetName()
		if !IsNVMLSuccess(ret) {
			r.logger.Debug().Int("index", i).Msgf("Failed to get GPU name: %v", newNVMLError(ret))
			name = ""
		}

		r.logger.Info().Int("index", i).Str("name", name).Msg("Detected GPU")
		r.devices = append(r.devices, device)
		r.names = append(r.names, name)
	}

	if len(r.devices) == 0 {
		_ = r.ctl.Shutdown()
		return errFactory.New(ErrNoDevices)
	}

	return nil
}

// Read returns one Reading per device. It fails only when no device
// reported any counter.
func (r *Reader) Read() ([]Reading, error) {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.devices) == 0 {
		return nil, errFactory.New(ErrNotInitialized)
	}

	const all = FieldPower | FieldTemperature | FieldUtilization | FieldClock | FieldEnergy

	out := make([]Reading, 0, len(r.devices))
	var lastRet nvml.Return
	for i, device := range r.devices {
		reading, ret := readDevice(device)
		reading.Index = i
		reading.Name = r.names[i]
		if reading.Missing == all && len(reading.FanSpeedPercent) == 0 {
			lastRet = ret
			continue
		}
		out = append(out, reading)
	}

	if len(out) == 0 {
		return nil, errFactory.Wrap(ErrReadFailed, newNVMLError(lastRet))
	}

	return out, nil
}

// readDevice collects every counter it can and returns the last failing
// NVML code.
func readDevice(device Device) (Reading, nvml.Return) {
	var (
		reading Reading
		failed  = nvml.SUCCESS
	)

	miss := func(f Field, ret nvml.Return) {
		reading.Missing |= f
		failed = ret
	}

	if power, ret := device.GetPowerUsage(); IsNVMLSuccess(ret) {
		reading.PowerMilliwatts = float64(power)
	} else {
		miss(FieldPower, ret)
	}

	if temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU); IsNVMLSuccess(ret) {
		reading.TemperatureCelsius = float64(temp)
	} else {
		miss(FieldTemperature, ret)
	}

	if util, ret := device.GetUtilizationRates(); IsNVMLSuccess(ret) {
		reading.UtilizationPercent = float64(util.Gpu)
	} else {
		miss(FieldUtilization, ret)
	}

	if clock, ret := device.GetClockInfo(nvml.CLOCK_GRAPHICS); IsNVMLSuccess(ret) {
		reading.GraphicsClockMHz = float64(clock)
	} else {
		miss(FieldClock, ret)
	}

	if energy, ret := device.GetTotalEnergyConsumption(); IsNVMLSuccess(ret) {
		reading.EnergyMillijoules = float64(energy)
	} else {
		miss(FieldEnergy, ret)
	}

	// Fanless and passively cooled boards report zero fans
	if fans, ret := device.GetNumFans(); IsNVMLSuccess(ret) {
		for fan := 0; fan < fans; fan++ {
			if speed, ret := device.GetFanSpeed_v2(fan); IsNVMLSuccess(ret) {
				reading.FanSpeedPercent = append(reading.FanSpeedPercent, float64(speed))
			}
		}
	}

	return reading, failed
}

// Close shuts NVML down. It is safe to call without a successful Open.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = nil
	r.names = nil

	return r.ctl.Shutdown()
}
