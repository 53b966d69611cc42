// Package scheduler computes due times for recurring job configs and manages
// the set of live execution plans.
//
// A plan binds a job config to one countdown (internal/timeout) armed for the
// computed due time. The scheduler is responsible only for:
//   - planning: turning (schedule, previous execution) into the next due time
//   - dispatching: arming a plan and re-arming repeating schedules after a
//     successful firing
//   - plan lifecycle: list, cancel by plan, cancel by job, cancel all
//
// Planning is synchronous and pure; the only background work is the one
// goroutine each live plan's countdown owns.
package scheduler
