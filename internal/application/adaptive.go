package application

import (
	"fmt"
	"sort"
	"time"

	"github.com/ericfisherdev/zonepoll/internal/domain/model"
)

// IntervalTier maps a daily quota ceiling to its day and night poll intervals.
type IntervalTier struct {
	Limit int
	Day   time.Duration
	Night time.Duration
}

// IntervalTable is a list of tiers ordered by ascending Limit.
type IntervalTable []IntervalTier

// DefaultIntervalTable returns the documented tiers.
func DefaultIntervalTable() IntervalTable {
	return IntervalTable{
		{Limit: 100, Day: 30 * time.Minute, Night: 120 * time.Minute},
		{Limit: 1000, Day: 15 * time.Minute, Night: 60 * time.Minute},
		{Limit: 5000, Day: 10 * time.Minute, Night: 30 * time.Minute},
		{Limit: 20000, Day: 5 * time.Minute, Night: 15 * time.Minute},
	}
}

// Validate checks the table is non-empty with positive values.
func (t IntervalTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("interval table is empty")
	}
	for _, tier := range t {
		if tier.Limit < 1 || tier.Day <= 0 || tier.Night <= 0 {
			return fmt.Errorf("invalid interval tier %+v", tier)
		}
	}
	return nil
}

// Lookup returns the first tier whose Limit is at least limit. Limits above
// the highest tier use the highest tier.
func (t IntervalTable) Lookup(limit int) IntervalTier {
	sorted := make(IntervalTable, len(t))
	copy(sorted, t)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Limit < sorted[j].Limit })

	for _, tier := range sorted {
		if limit <= tier.Limit {
			return tier
		}
	}
	return sorted[len(sorted)-1]
}

// PollingPolicy decides the poll cadence from the clock and the quota tier.
type PollingPolicy struct {
	DayStartHour   int
	NightStartHour int
	Table          IntervalTable
	// DayOverride and NightOverride replace the table when non-zero.
	DayOverride   time.Duration
	NightOverride time.Duration
	// FullSyncEvery is the minimum spacing of full syncs.
	FullSyncEvery time.Duration
}

// DefaultPollingPolicy returns day 07:00-23:00 with the default tier table.
func DefaultPollingPolicy() PollingPolicy {
	return PollingPolicy{
		DayStartHour:   7,
		NightStartHour: 23,
		Table:          DefaultIntervalTable(),
		FullSyncEvery:  6 * time.Hour,
	}
}

// Uniform reports whether day and night collapse into one band.
func (p PollingPolicy) Uniform() bool {
	return p.DayStartHour == p.NightStartHour
}

// Mode returns the band t falls in. Bands may wrap midnight in either direction.
func (p PollingPolicy) Mode(t time.Time) model.ScheduleMode {
	if p.Uniform() {
		return model.ScheduleModeDay
	}

	h := t.Hour()
	var day bool
	if p.DayStartHour < p.NightStartHour {
		day = h >= p.DayStartHour && h < p.NightStartHour
	} else {
		day = h >= p.DayStartHour || h < p.NightStartHour
	}

	if day {
		return model.ScheduleModeDay
	}
	return model.ScheduleModeNight
}

// Interval returns the band and interval for time t at quota ceiling limit.
func (p PollingPolicy) Interval(t time.Time, limit int) (model.ScheduleMode, time.Duration) {
	mode := p.Mode(t)
	tier := p.Table.Lookup(limit)

	if mode == model.ScheduleModeDay {
		if p.DayOverride > 0 {
			return mode, p.DayOverride
		}
		return mode, tier.Day
	}
	if p.NightOverride > 0 {
		return mode, p.NightOverride
	}
	return mode, tier.Night
}

// fullSyncDue reports whether a full sync should replace the next quick one.
func (p PollingPolicy) fullSyncDue(now, lastFull time.Time) bool {
	return lastFull.IsZero() || now.Sub(lastFull) >= p.FullSyncEvery
}

// nextDelay returns the wait before the next tick. When the quota is
// exhausted or the last call was rate limited, the wait is stretched to the
// reset time.
func (p PollingPolicy) nextDelay(now time.Time, snap model.RateLimitSnapshot, rateLimited bool) (model.ScheduleMode, time.Duration) {
	mode, interval := p.Interval(now, snap.Limit)

	if rateLimited || snap.Exhausted() {
		if untilReset := snap.ResetAt.Sub(now); untilReset > interval {
			interval = untilReset
		}
	}
	return mode, interval
}
