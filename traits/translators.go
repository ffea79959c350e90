// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package traits

import (
	"encoding/json"
)

// Trait types with a registered translator.
const (
	TypeConnectivity = "sdm.devices.traits.Connectivity"
	TypeFan          = "sdm.devices.traits.Fan"
	TypeHumidity     = "sdm.devices.traits.Humidity"
	TypeTemperature  = "sdm.devices.traits.Temperature"
	TypeEco          = "sdm.devices.traits.ThermostatEco"
	TypeHvac         = "sdm.devices.traits.ThermostatHvac"
	TypeMode         = "sdm.devices.traits.ThermostatMode"
	TypeSetpoint     = "sdm.devices.traits.ThermostatTemperatureSetpoint"
)

// Metric names produced by the translators.
const (
	MetricDeviceOnline   = "nest_device_online"
	MetricFanOn          = "nest_device_fan_on"
	MetricHumidityRatio  = "nest_device_humidity_ratio"
	MetricTemperature    = "nest_device_temperature_celsius"
	MetricEcoOn          = "nest_thermostat_eco_on"
	MetricHvacMode       = "nest_thermostat_hvac_mode"
	MetricThermostatMode = "nest_thermostat_mode"
	MetricHeatSetpoint   = "nest_thermostat_heat_setpoint_celsius"
	MetricCoolSetpoint   = "nest_thermostat_cool_setpoint_celsius"
)

const (
	offValue    = "OFF"
	onlineValue = "ONLINE"
	labelMode   = "mode"
	percent     = 100
)

func init() {
	Register(TypeConnectivity, translateConnectivity)
	Register(TypeFan, translateFan)
	Register(TypeHumidity, translateHumidity)
	Register(TypeTemperature, translateTemperature)
	Register(TypeEco, translateEco)
	Register(TypeHvac, translateHvac)
	Register(TypeMode, translateMode)
	Register(TypeSetpoint, translateSetpoint)
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, v)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// notOff builds a 0/1 entry that is 1 unless value is OFF. A nil value
// yields a nil entry.
func notOff(name string, value *string, extra func(string) Labels) *Entry {
	if value == nil {
		return nil
	}
	e := &Entry{Name: name, Value: boolValue(*value != offValue)}
	if extra != nil {
		e.Labels = extra(*value)
	}
	return e
}

func modeLabel(v string) Labels {
	return Labels{{Name: labelMode, Value: v}}
}

func gauge(name string, value *float64, scale float64) *Entry {
	if value == nil {
		return nil
	}
	return &Entry{Name: name, Value: *value / scale}
}

func translateConnectivity(payload json.RawMessage) ([]*Entry, error) {
	var p struct {
		Status *string `json:"status"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.Status == nil {
		return []*Entry{nil}, nil
	}
	return []*Entry{{Name: MetricDeviceOnline, Value: boolValue(*p.Status == onlineValue)}}, nil
}

func translateFan(payload json.RawMessage) ([]*Entry, error) {
	var p struct {
		TimerMode *string `json:"timerMode"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	return []*Entry{notOff(MetricFanOn, p.TimerMode, nil)}, nil
}

func translateHumidity(payload json.RawMessage) ([]*Entry, error) {
	var p struct {
		AmbientHumidityPercent *float64 `json:"ambientHumidityPercent"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	return []*Entry{gauge(MetricHumidityRatio, p.AmbientHumidityPercent, percent)}, nil
}

func translateTemperature(payload json.RawMessage) ([]*Entry, error) {
	var p struct {
		AmbientTemperatureCelsius *float64 `json:"ambientTemperatureCelsius"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	return []*Entry{gauge(MetricTemperature, p.AmbientTemperatureCelsius, 1)}, nil
}

func translateEco(payload json.RawMessage) ([]*Entry, error) {
	var p struct {
		Mode *string `json:"mode"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	return []*Entry{notOff(MetricEcoOn, p.Mode, nil)}, nil
}

func translateHvac(payload json.RawMessage) ([]*Entry, error) {
	var p struct {
		Status *string `json:"status"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	return []*Entry{notOff(MetricHvacMode, p.Status, modeLabel)}, nil
}

func translateMode(payload json.RawMessage) ([]*Entry, error) {
	var p struct {
		Mode *string `json:"mode"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	return []*Entry{notOff(MetricThermostatMode, p.Mode, modeLabel)}, nil
}

// translateSetpoint emits each setpoint only when the thermostat reports
// it; HEAT mode has no cool setpoint and COOL mode no heat setpoint.
func translateSetpoint(payload json.RawMessage) ([]*Entry, error) {
	var p struct {
		HeatCelsius *float64 `json:"heatCelsius"`
		CoolCelsius *float64 `json:"coolCelsius"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	return []*Entry{
		gauge(MetricHeatSetpoint, p.HeatCelsius, 1),
		gauge(MetricCoolSetpoint, p.CoolCelsius, 1),
	}, nil
}
