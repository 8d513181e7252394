package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidAction is returned when a device or zone setting fails validation.
var ErrInvalidAction = errors.New("invalid action")

// MaxTemperatureOffset bounds the calibration offset a device accepts, in
// Celsius either way.
const MaxTemperatureOffset = 10.0

// ValidateTemperatureOffset checks a device calibration offset.
func ValidateTemperatureOffset(celsius float64) error {
	if math.IsNaN(celsius) || math.Abs(celsius) > MaxTemperatureOffset {
		return fmt.Errorf("%w: offset %.1f outside ±%.0f", ErrInvalidAction, celsius, MaxTemperatureOffset)
	}
	return nil
}

// AwayMode selects how a zone behaves while everyone is away.
type AwayMode string

const (
	AwayModeAuto   AwayMode = "auto"
	AwayModeManual AwayMode = "manual"
	AwayModeOff    AwayMode = "off"
)

// AwayConfiguration is a zone's away behaviour. Temperature applies to
// AwayModeManual, ComfortLevel (0 eco to 100 comfort) to AwayModeAuto.
type AwayConfiguration struct {
	Mode         AwayMode
	Temperature  float64
	ComfortLevel int
}

// Validate checks the configuration against the ranges a heating zone accepts.
func (c AwayConfiguration) Validate() error {
	switch c.Mode {
	case AwayModeAuto:
		if c.ComfortLevel < 0 || c.ComfortLevel > 100 {
			return fmt.Errorf("%w: comfort level %d outside 0-100", ErrInvalidAction, c.ComfortLevel)
		}
	case AwayModeManual:
		if c.Temperature < 5 || c.Temperature > 25 {
			return fmt.Errorf("%w: away temperature %.1f outside 5-25", ErrInvalidAction, c.Temperature)
		}
	case AwayModeOff:
	default:
		return fmt.Errorf("%w: unknown away mode %q", ErrInvalidAction, c.Mode)
	}
	return nil
}

// MeterReading is a gas or energy meter reading for one day.
type MeterReading struct {
	Date    time.Time
	Reading int
}

// Validate rejects negative readings.
func (m MeterReading) Validate() error {
	if m.Reading < 0 {
		return fmt.Errorf("%w: negative meter reading %d", ErrInvalidAction, m.Reading)
	}
	return nil
}
