package telemetry

import "codeberg.org/mutker/powertrace/internal/errors"

// Component is the coarse subsystem a sample describes.
type Component int

const (
	ComponentSystem Component = iota
	ComponentBattery
	ComponentCPU
	ComponentGPU
	ComponentDisplay
	ComponentStorage
	ComponentWireless
	ComponentThermal
)

var componentNames = [...]string{
	ComponentSystem:   "System",
	ComponentBattery:  "Battery",
	ComponentCPU:      "CPU",
	ComponentGPU:      "GPU",
	ComponentDisplay:  "Display",
	ComponentStorage:  "Storage",
	ComponentWireless: "Wireless",
	ComponentThermal:  "Thermal",
}

func (c Component) IsValid() bool {
	return c >= 0 && int(c) < len(componentNames)
}

// String returns the canonical name stored in the database.
func (c Component) String() string {
	if !c.IsValid() {
		return "Unknown"
	}
	return componentNames[c]
}

// ParseComponent is the inverse of Component.String.
func ParseComponent(name string) (Component, error) {
	for i, n := range componentNames {
		if n == name {
			return Component(i), nil
		}
	}
	return 0, errors.New().WithData(ErrUnknownComponent, name)
}

// Metric is the kind of measurement a sample carries.
type Metric int

const (
	MetricPowerMilliwatts Metric = iota
	MetricVoltageMillivolts
	MetricCurrentMilliamps
	MetricRemainingCapacityMilliwattHours
	MetricFullCapacityMilliwattHours
	MetricUtilizationPercent
	MetricTemperatureCelsius
	MetricEnergyMillijoules
	MetricFrequencyMegahertz
	MetricThroughputBytesPerSecond
	MetricBrightnessPercent
	MetricFanSpeedPercent
)

var metricNames = [...]string{
	MetricPowerMilliwatts:                 "PowerMilliwatts",
	MetricVoltageMillivolts:               "VoltageMillivolts",
	MetricCurrentMilliamps:                "CurrentMilliamps",
	MetricRemainingCapacityMilliwattHours: "RemainingCapacityMilliwattHours",
	MetricFullCapacityMilliwattHours:      "FullCapacityMilliwattHours",
	MetricUtilizationPercent:              "UtilizationPercent",
	MetricTemperatureCelsius:              "TemperatureCelsius",
	MetricEnergyMillijoules:               "EnergyMillijoules",
	MetricFrequencyMegahertz:              "FrequencyMegahertz",
	MetricThroughputBytesPerSecond:        "ThroughputBytesPerSecond",
	MetricBrightnessPercent:               "BrightnessPercent",
	MetricFanSpeedPercent:                 "FanSpeedPercent",
}

// Default display units per metric. Adapters may deviate; units are not
// validated against the metric.
var metricUnits = [...]string{
	MetricPowerMilliwatts:                 "mW",
	MetricVoltageMillivolts:               "mV",
	MetricCurrentMilliamps:                "mA",
	MetricRemainingCapacityMilliwattHours: "mWh",
	MetricFullCapacityMilliwattHours:      "mWh",
	MetricUtilizationPercent:              "%",
	MetricTemperatureCelsius:              "°C",
	MetricEnergyMillijoules:               "mJ",
	MetricFrequencyMegahertz:              "MHz",
	MetricThroughputBytesPerSecond:        "B/s",
	MetricBrightnessPercent:               "%",
	MetricFanSpeedPercent:                 "%",
}

func (m Metric) IsValid() bool {
	return m >= 0 && int(m) < len(metricNames)
}

func (m Metric) String() string {
	if !m.IsValid() {
		return "Unknown"
	}
	return metricNames[m]
}

// Units returns the conventional display string for m.
func (m Metric) Units() string {
	if !m.IsValid() {
		return ""
	}
	return metricUnits[m]
}

// ParseMetric is the inverse of Metric.String.
func ParseMetric(name string) (Metric, error) {
	for i, n := range metricNames {
		if n == name {
			return Metric(i), nil
		}
	}
	return 0, errors.New().WithData(ErrUnknownMetric, name)
}
