package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"recur/internal/eventbus"
	"recur/internal/timeout"
	logx "recur/pkg/logx"
)

// TimeUnit is the granularity at which a schedule recurs. The set is closed;
// planning fails loudly on anything it does not recognize.
type TimeUnit int

const (
	UnitSecond TimeUnit = iota
	UnitMinute
	UnitHour
	UnitDay
	UnitWeek
	UnitMonth
)

func (u TimeUnit) String() string {
	switch u {
	case UnitSecond:
		return "second"
	case UnitMinute:
		return "minute"
	case UnitHour:
		return "hour"
	case UnitDay:
		return "day"
	case UnitWeek:
		return "week"
	case UnitMonth:
		return "month"
	default:
		return fmt.Sprintf("TimeUnit(%d)", int(u))
	}
}

// ParseTimeUnit maps a config string to a TimeUnit.
func ParseTimeUnit(s string) (TimeUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "second", "seconds":
		return UnitSecond, nil
	case "minute", "minutes":
		return UnitMinute, nil
	case "hour", "hours":
		return UnitHour, nil
	case "day", "days":
		return UnitDay, nil
	case "week", "weeks":
		return UnitWeek, nil
	case "month", "months":
		return UnitMonth, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedUnit, s)
	}
}

// seconds returns the fixed length of one unit. Months have no fixed length
// and are handled by calendar arithmetic instead.
func (u TimeUnit) seconds() float64 {
	switch u {
	case UnitSecond:
		return 1
	case UnitMinute:
		return 60
	case UnitHour:
		return 3600
	case UnitDay:
		return 86400
	case UnitWeek:
		return 604800
	default:
		return 0
	}
}

func (u TimeUnit) duration() time.Duration {
	return time.Duration(u.seconds() * float64(time.Second))
}

// warnsOnDrift reports whether off-grid executions of this unit are worth an
// operator-facing warning. Second and minute grids are too fine to care.
func (u TimeUnit) warnsOnDrift() bool {
	switch u {
	case UnitHour, UnitDay, UnitWeek, UnitMonth:
		return true
	default:
		return false
	}
}

// Repeat describes how often a schedule recurs: every Interval Units.
type Repeat struct {
	Unit     TimeUnit
	Interval int // >= 1
}

// Schedule is the recurrence window of a job config.
//
// An active schedule must carry a start time before planning is attempted;
// violating that is a caller error, not a silent no-op. An end time in the
// past makes the schedule inactive for planning without raising.
type Schedule struct {
	Active bool
	Start  *time.Time
	End    *time.Time
	Repeat *Repeat // nil means one-time, firing exactly once at Start
}

// JobConfig is the capability the scheduler needs from a job configuration.
type JobConfig interface {
	JobID() string
	JobSchedule() *Schedule
}

// Action is the zero-argument work a plan performs when its countdown fires.
type Action func() error

// ActionFactory builds the action for a given job config. Supplied once at
// scheduler construction.
type ActionFactory func(cfg JobConfig) Action

// ExecutionPlan binds a job config to a running countdown. Plans are never
// mutated after creation; re-scheduling creates a brand-new plan.
type ExecutionPlan struct {
	id     string
	config JobConfig
	at     time.Time
	tmo    *timeout.Timeout
}

func (p *ExecutionPlan) ID() string        { return p.id }
func (p *ExecutionPlan) Config() JobConfig { return p.config }
func (p *ExecutionPlan) At() time.Time     { return p.at }

// IsRunning reports whether the plan's countdown worker is still alive.
func (p *ExecutionPlan) IsRunning() bool { return p.tmo.IsRunning() }

// IsCancelled reports whether cancellation was requested on the plan.
func (p *ExecutionPlan) IsCancelled() bool { return p.tmo.IsCancelled() }

// Wait blocks until the plan's countdown reaches terminal state or maxWait
// elapses (maxWait <= 0 waits unbounded).
func (p *ExecutionPlan) Wait(maxWait time.Duration) bool { return p.tmo.Wait(maxWait) }

// PlanInfo is a point-in-time view of a live plan, safe to hand out.
type PlanInfo struct {
	PlanID    string    `json:"plan_id"`
	JobID     string    `json:"job_id"`
	At        time.Time `json:"at"`
	Running   bool      `json:"running"`
	Cancelled bool      `json:"cancelled"`
}

// Plan lifecycle events published on the bus.
const (
	EventPlanArmed     = "plan.armed"
	EventPlanFired     = "plan.fired"
	EventPlanCancelled = "plan.cancelled"
	EventPlanFailed    = "plan.failed"
)

// PlanEvent is the payload of the plan lifecycle events.
type PlanEvent struct {
	PlanID   string        `json:"plan_id"`
	JobID    string        `json:"job_id"`
	At       time.Time     `json:"at"`
	Started  time.Time     `json:"started,omitzero"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Configuration errors, raised synchronously from the call that detects them.
var (
	ErrMissingStart    = errors.New("scheduler: active schedule has no start time")
	ErrBadInterval     = errors.New("scheduler: repeat interval must be >= 1")
	ErrUnsupportedUnit = errors.New("scheduler: unsupported repeat unit")
)

// Scheduler owns the plan registry. The registry mutex is never held across a
// blocking wait, so a plan's own completion hook (which removes the plan) can
// never deadlock against a concurrent Clear/ClearJobs call.
type Scheduler struct {
	factory ActionFactory
	loc     *time.Location
	log     logx.Logger
	bus     eventbus.Bus

	// driftWarn throttles off-grid execution warnings; they can repeat every
	// firing once a job is drifting.
	driftWarn *rate.Limiter

	now func() time.Time

	mu    sync.Mutex
	plans map[string]*ExecutionPlan
}
