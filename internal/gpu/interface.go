package gpu

import "github.com/NVIDIA/go-nvml/pkg/nvml"

// Device is the read-only slice of nvml.Device the reader polls.
type Device interface {
	GetName() (string, nvml.Return)
	GetPowerUsage() (uint32, nvml.Return)
	GetTemperature(sensor nvml.TemperatureSensors) (uint32, nvml.Return)
	GetUtilizationRates() (nvml.Utilization, nvml.Return)
	GetClockInfo(clock nvml.ClockType) (uint32, nvml.Return)
	GetTotalEnergyConsumption() (uint64, nvml.Return)
	GetNumFans() (int, nvml.Return)
	GetFanSpeed_v2(fan int) (uint32, nvml.Return)
}

// Field identifies one counter of a Reading.
type Field uint8

const (
	FieldPower Field = 1 << iota
	FieldTemperature
	FieldUtilization
	FieldClock
	FieldEnergy
)

// Reading is one poll of one device. Counters the device could not report
// are flagged in Missing and left at zero.
type Reading struct {
	Index int
	Name  string

	PowerMilliwatts    float64
	TemperatureCelsius float64
	UtilizationPercent float64
	GraphicsClockMHz   float64
	// EnergyMillijoules is cumulative since the driver was loaded.
	EnergyMillijoules float64
	FanSpeedPercent   []float64

	Missing Field
}

// Has reports whether f was read successfully.
func (r Reading) Has(f Field) bool {
	return r.Missing&f == 0
}
