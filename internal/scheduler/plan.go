package scheduler

import (
	"fmt"
	"math"
	"time"

	logx "recur/pkg/logx"
)

// Drift band: a fractional grid position strictly inside (low, high) means the
// previous execution landed far from any grid point. The thresholds are
// deliberate constants; they only affect diagnostics, never the result.
const (
	driftBandLow  = 0.33
	driftBandHigh = 0.66
)

// approxSecondsPerMonth estimates the length of a calendar month. Used only to
// pick the nearest integer month offset; the actual due time comes from
// calendar arithmetic.
const approxSecondsPerMonth = 604800 * 4.345

// Plan computes the next due time for cfg given its previous execution.
// ok=false with a nil error means the config is simply not scheduled: no
// schedule, inactive, window already closed, or a one-time job that ran.
func (s *Scheduler) Plan(cfg JobConfig, prev *time.Time) (next time.Time, ok bool, err error) {
	sched := cfg.JobSchedule()
	if sched == nil {
		return time.Time{}, false, nil
	}
	if !sched.Active {
		return time.Time{}, false, nil
	}
	if sched.Start == nil {
		return time.Time{}, false, ErrMissingStart
	}
	if sched.End != nil && sched.End.In(s.loc).Before(s.now()) {
		return time.Time{}, false, nil
	}

	start := *sched.Start
	if sched.Repeat == nil {
		// One-time semantics: fire at start exactly once.
		if prev == nil {
			return start, true, nil
		}
		return time.Time{}, false, nil
	}

	r := *sched.Repeat
	if r.Interval < 1 {
		return time.Time{}, false, fmt.Errorf("%w: got %d", ErrBadInterval, r.Interval)
	}

	switch r.Unit {
	case UnitSecond, UnitMinute, UnitHour, UnitDay, UnitWeek:
		return s.planUnitStep(cfg.JobID(), start, prev, r)
	case UnitMonth:
		return s.planMonthly(cfg.JobID(), start, prev, r)
	default:
		return time.Time{}, false, fmt.Errorf("%w: %s", ErrUnsupportedUnit, r.Unit)
	}
}

// planUnitStep handles the fixed-length units (second through week). The next
// run always lands on the grid start + k·interval units: the elapsed time
// since start is rounded to the nearest whole step, so a previous execution
// that fired slightly early or late snaps back instead of accumulating offset.
func (s *Scheduler) planUnitStep(jobID string, start time.Time, prev *time.Time, r Repeat) (time.Time, bool, error) {
	if prev == nil {
		return start, true, nil
	}

	// Normalize to start's zone before subtracting.
	p := prev.In(start.Location())
	elapsedSteps := p.Sub(start).Seconds() / r.Unit.seconds() / float64(r.Interval)
	n := math.Round(elapsedSteps)
	s.warnDrift(jobID, r.Unit, elapsedSteps)

	steps := int(n) + 1
	next := start.Add(time.Duration(steps*r.Interval) * r.Unit.duration())
	return next, true, nil
}

// planMonthly is the unit-step algorithm measured in calendar months. The
// approximate month length only estimates which integer month offset is
// nearest; the due time itself comes from calendar month addition with the
// day-of-month clamped to the target month's last valid day. Clamping is
// always relative to start's original day, so a step that resolved to Feb 28
// still lands on Mar 31 next.
func (s *Scheduler) planMonthly(jobID string, start time.Time, prev *time.Time, r Repeat) (time.Time, bool, error) {
	if prev == nil {
		return start, true, nil
	}

	p := prev.In(start.Location())
	elapsedSteps := p.Sub(start).Seconds() / (float64(r.Interval) * approxSecondsPerMonth)
	n := math.Round(elapsedSteps)
	s.warnDrift(jobID, UnitMonth, elapsedSteps)

	months := (int(n) + 1) * r.Interval
	return addMonthsClamped(start, months), true, nil
}

func (s *Scheduler) warnDrift(jobID string, unit TimeUnit, elapsedSteps float64) {
	if !unit.warnsOnDrift() {
		return
	}
	frac := elapsedSteps - math.Floor(elapsedSteps)
	if frac <= driftBandLow || frac >= driftBandHigh {
		return
	}
	if !s.driftWarn.Allow() {
		return
	}
	s.log.Warn("previous execution far from schedule grid",
		logx.String("job", jobID),
		logx.String("unit", unit.String()),
		logx.Float64("grid_offset", frac))
}

// addMonthsClamped adds whole calendar months to start, carrying time-of-day
// and zone over unchanged. time.AddDate is unsuitable here: it normalizes
// Jan 31 + 1 month to Mar 2/3 instead of clamping to the end of February.
func addMonthsClamped(start time.Time, months int) time.Time {
	hh, mm, ss := start.Clock()
	y, m, day := start.Date()

	// First of the target month; time.Date normalizes month overflow.
	first := time.Date(y, m+time.Month(months), 1, hh, mm, ss, start.Nanosecond(), start.Location())
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hh, mm, ss, start.Nanosecond(), start.Location())
}

// daysIn returns the number of days in the given month. Day 0 of the next
// month is the last day of this one.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
