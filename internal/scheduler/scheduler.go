package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/time/rate"

	"recur/internal/eventbus"
	"recur/internal/timeout"
	logx "recur/pkg/logx"
)

const driftWarnThrottle = 10 * time.Second

type Option func(s *Scheduler) error

// WithTimezone sets the scheduler's default zone by IANA name. An unknown
// name is a construction-time error.
func WithTimezone(name string) Option {
	return func(s *Scheduler) error {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return fmt.Errorf("scheduler: invalid timezone %q: %w", name, err)
		}
		s.loc = loc
		return nil
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) error {
		s.log = log
		return nil
	}
}

// WithBus publishes plan lifecycle events (armed/fired/cancelled/failed).
func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) error {
		s.bus = bus
		return nil
	}
}

// New constructs a scheduler around the given action factory. The default
// time zone is the system local zone unless WithTimezone overrides it.
func New(factory ActionFactory, opts ...Option) (*Scheduler, error) {
	if factory == nil {
		return nil, errors.New("scheduler: action factory is required")
	}
	s := &Scheduler{
		factory:   factory,
		loc:       time.Local,
		log:       logx.Nop(),
		driftWarn: rate.NewLimiter(rate.Every(driftWarnThrottle), 1),
		now:       time.Now,
		plans:     map[string]*ExecutionPlan{},
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Location returns the scheduler's default time zone.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Schedule plans the next run for cfg and arms a repeating plan for it.
// A nil plan with a nil error means there is nothing to arm (no schedule,
// inactive, window closed, or a one-time job that already ran).
func (s *Scheduler) Schedule(cfg JobConfig, prev *time.Time) (*ExecutionPlan, error) {
	at, ok, err := s.Plan(cfg, prev)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return s.dispatch(cfg, at, true)
}

// ScheduleAt arms a one-off plan at an explicit time (or immediately when at
// is the zero value), ignoring the config's own schedule. It never re-arms.
func (s *Scheduler) ScheduleAt(cfg JobConfig, at time.Time) (*ExecutionPlan, error) {
	if at.IsZero() {
		at = s.now()
	}
	return s.dispatch(cfg, at, false)
}

// dispatch normalizes at into the scheduler's zone, wires the countdown
// callbacks, registers the plan, then starts it. Past-due plans fire
// immediately (duration clamped at zero).
func (s *Scheduler) dispatch(cfg JobConfig, at time.Time, reSchedule bool) (*ExecutionPlan, error) {
	at = at.In(s.loc)
	d := at.Sub(s.now())
	if d < 0 {
		d = 0
	}

	jobID := cfg.JobID()
	planID := shortuuid.New()
	action := s.factory(cfg)

	cb := timeout.Callbacks{
		OnTimeout: func() error {
			started := s.now()
			err := action()
			s.publish(EventPlanFired, PlanEvent{
				PlanID:   planID,
				JobID:    jobID,
				At:       at,
				Started:  started,
				Duration: s.now().Sub(started),
				Error:    errString(err),
			})
			return err
		},
		OnCancel: func() error {
			s.publish(EventPlanCancelled, PlanEvent{PlanID: planID, JobID: jobID, At: at})
			return nil
		},
		OnCompletion: func() error {
			s.removePlan(planID)
			return nil
		},
		OnError: func(err error) {
			// Best-effort boundary: a broken recurring job stops being
			// scheduled once its plan completes; nothing escalates.
			s.log.Error("job action failed",
				logx.String("job", jobID),
				logx.String("plan", planID),
				logx.Err(err))
			s.publish(EventPlanFailed, PlanEvent{PlanID: planID, JobID: jobID, At: at, Error: err.Error()})
		},
	}
	if reSchedule {
		cb.OnSuccess = func() error {
			// Re-arm from the planned time, clamped to now. The planned time
			// keeps the grid stable under drift; the clamp keeps a far-past
			// plan (e.g. loaded at startup) from triggering an instant-repeat
			// storm.
			prev := at
			if n := s.now(); n.After(prev) {
				prev = n
			}
			_, err := s.Schedule(cfg, &prev)
			return err
		}
	}

	tmo, err := timeout.New(d, cb)
	if err != nil {
		return nil, err
	}
	plan := &ExecutionPlan{id: planID, config: cfg, at: at, tmo: tmo}

	s.mu.Lock()
	s.plans[planID] = plan
	s.mu.Unlock()

	if err := tmo.Start(); err != nil {
		s.removePlan(planID)
		return nil, err
	}

	s.publish(EventPlanArmed, PlanEvent{PlanID: planID, JobID: jobID, At: at})
	s.log.Debug("plan armed",
		logx.String("job", jobID),
		logx.String("plan", planID),
		logx.Time("at", at),
		logx.Duration("in", d))
	return plan, nil
}

// Plans returns a snapshot of live plans, optionally filtered by job id
// (empty string means all). The returned slice is a copy, never a live view.
func (s *Scheduler) Plans(jobID string) []PlanInfo {
	s.mu.Lock()
	live := make([]*ExecutionPlan, 0, len(s.plans))
	for _, p := range s.plans {
		if jobID == "" || p.config.JobID() == jobID {
			live = append(live, p)
		}
	}
	s.mu.Unlock()

	infos := make([]PlanInfo, 0, len(live))
	for _, p := range live {
		infos = append(infos, PlanInfo{
			PlanID:    p.id,
			JobID:     p.config.JobID(),
			At:        p.at,
			Running:   p.tmo.IsRunning(),
			Cancelled: p.tmo.IsCancelled(),
		})
	}
	return infos
}

// ClearPlan cancels and removes one plan by plan id. Removing an unknown plan
// is a no-op; an already-cancelled plan is trusted to remove itself via its
// own completion hook.
func (s *Scheduler) ClearPlan(planID string, wait bool, maxWait time.Duration) {
	s.mu.Lock()
	p := s.plans[planID]
	s.mu.Unlock()
	if p == nil {
		return
	}

	if !p.tmo.IsCancelled() {
		p.tmo.Cancel(false, 0)
		s.removePlan(planID)
	}
	if wait {
		p.tmo.Wait(maxWait)
	}
}

// ClearJobs cancels and removes every plan for jobID. It loops until none
// remain: a firing plan can re-arm a successor concurrently, and cancellation
// races the plan's own completion-triggered removal.
func (s *Scheduler) ClearJobs(jobID string, wait bool, maxWait time.Duration) {
	s.clearMatching(func(p *ExecutionPlan) bool { return p.config.JobID() == jobID }, wait, maxWait)
}

// Clear cancels and removes every currently registered plan.
func (s *Scheduler) Clear(wait bool, maxWait time.Duration) {
	s.clearMatching(func(*ExecutionPlan) bool { return true }, wait, maxWait)
}

func (s *Scheduler) clearMatching(match func(*ExecutionPlan) bool, wait bool, maxWait time.Duration) {
	for {
		s.mu.Lock()
		victims := make([]*ExecutionPlan, 0, len(s.plans))
		for _, p := range s.plans {
			if match(p) {
				victims = append(victims, p)
			}
		}
		s.mu.Unlock()

		if len(victims) == 0 {
			return
		}
		for _, p := range victims {
			p.tmo.Cancel(false, 0)
			s.removePlan(p.id)
		}
		if wait {
			for _, p := range victims {
				p.tmo.Wait(maxWait)
			}
		}
	}
}

func (s *Scheduler) removePlan(planID string) {
	s.mu.Lock()
	delete(s.plans, planID)
	s.mu.Unlock()
}

func (s *Scheduler) publish(typ string, ev PlanEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
