package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidOverlay is returned when an overlay request fails validation.
var ErrInvalidOverlay = errors.New("invalid overlay")

// ZoneType is the kind of zone an overlay applies to.
type ZoneType string

const (
	ZoneTypeHeating  ZoneType = "HEATING"
	ZoneTypeHotWater ZoneType = "HOT_WATER"
)

// Overlay is a manual setting that overrides a zone's smart schedule. A zero
// Duration keeps the overlay until the next manual change.
type Overlay struct {
	ZoneType    ZoneType
	Power       bool
	Temperature float64 // Celsius; ignored when Power is false.
	Duration    time.Duration
}

// Validate checks the overlay against the ranges the thermostat accepts.
func (o Overlay) Validate() error {
	switch o.ZoneType {
	case ZoneTypeHeating, ZoneTypeHotWater:
	default:
		return fmt.Errorf("%w: unknown zone type %q", ErrInvalidOverlay, o.ZoneType)
	}

	if o.Duration < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidOverlay)
	}

	if !o.Power {
		return nil
	}

	lo, hi := 5.0, 25.0
	if o.ZoneType == ZoneTypeHotWater {
		lo, hi = 30.0, 65.0
	}
	if o.Temperature < lo || o.Temperature > hi {
		return fmt.Errorf("%w: temperature %.1f outside %.0f-%.0f", ErrInvalidOverlay, o.Temperature, lo, hi)
	}
	return nil
}
