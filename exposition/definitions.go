// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package exposition

import "github.com/soothill/nest-device-exporter/traits"

// MetricType is the value of a # TYPE line.
type MetricType string

// Metric types understood by the text exposition format.
const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Summary   MetricType = "summary"
)

// Definition is the metadata written ahead of a metric's samples. Either
// field may be empty, in which case its line is omitted.
type Definition struct {
	Help string
	Type MetricType
}

// Definitions documents every metric the registered translators produce.
var Definitions = map[string]Definition{
	traits.MetricDeviceOnline: {
		Help: "Whether the device is reachable by the Smart Device Management API. Either 0 or 1.",
		Type: Gauge,
	},
	traits.MetricFanOn: {
		Help: "Whether the device has a fan timer running. Either 0 or 1.",
		Type: Gauge,
	},
	traits.MetricHumidityRatio: {
		Help: "Ambient humidity as measured by the device. Between 0 and 1.",
		Type: Gauge,
	},
	traits.MetricTemperature: {
		Help: "Ambient temperature as measured by the device.",
		Type: Gauge,
	},
	traits.MetricEcoOn: {
		Help: "Whether the thermostat is currently in Eco mode. Either 0 or 1.",
		Type: Gauge,
	},
	traits.MetricHvacMode: {
		Help: "The thermostat's current HVAC output, expressed in 'mode' label as 'HEATING', 'COOLING', or 'OFF'. Value is 0 if mode is OFF, otherwise 1.",
		Type: Gauge,
	},
	traits.MetricThermostatMode: {
		Help: "The thermostat's current mode, expressed in 'mode' label as 'HEAT', 'COOL', 'HEATCOOL', or 'OFF'. Value is 0 if mode is OFF, otherwise 1.",
		Type: Gauge,
	},
	traits.MetricHeatSetpoint: {
		Help: "The temperature the thermostat is currently configured to heat to.",
		Type: Gauge,
	},
	traits.MetricCoolSetpoint: {
		Help: "The temperature the thermostat is currently configured to cool to.",
		Type: Gauge,
	},
}
