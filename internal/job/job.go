// Package job defines the scheduled job configuration parsed from the config
// file, the admin API, and the store.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"recur/internal/scheduler"
)

// Spec is the wire/storage form of a job: all fields are plain strings so the
// same shape round-trips through YAML config, the admin API, and SQLite.
type Spec struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method,omitempty"` // default POST
	Payload  json.RawMessage `json:"payload,omitempty"`
	Archive  bool            `json:"archive,omitempty"`
	Schedule *ScheduleSpec   `json:"schedule,omitempty"`
}

type ScheduleSpec struct {
	Active bool        `json:"active"`
	Start  string      `json:"start,omitempty"` // RFC 3339
	End    string      `json:"end,omitempty"`   // RFC 3339
	Repeat *RepeatSpec `json:"repeat,omitempty"`
}

type RepeatSpec struct {
	Unit     string `json:"unit"`
	Interval int    `json:"interval"`
}

// Job is the parsed, validated form handed to the scheduler and the dispatch
// adapter.
type Job struct {
	ID       string
	Name     string
	Endpoint string
	Method   string
	Payload  json.RawMessage
	Archive  bool
	Schedule *scheduler.Schedule
}

// JobID and JobSchedule satisfy scheduler.JobConfig.
func (j *Job) JobID() string                    { return j.ID }
func (j *Job) JobSchedule() *scheduler.Schedule { return j.Schedule }

// Parse validates the raw fields and resolves them into a Job.
func (sp Spec) Parse() (*Job, error) {
	id := strings.TrimSpace(sp.ID)
	if id == "" {
		return nil, errors.New("job: id is required")
	}
	endpoint := strings.TrimSpace(sp.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("job %s: endpoint is required", id)
	}
	if u, err := url.Parse(endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("job %s: invalid endpoint %q", id, endpoint)
	}

	method := strings.ToUpper(strings.TrimSpace(sp.Method))
	if method == "" {
		method = "POST"
	}
	switch method {
	case "GET", "POST", "PUT", "PATCH", "DELETE":
	default:
		return nil, fmt.Errorf("job %s: unsupported method %q", id, sp.Method)
	}

	name := strings.TrimSpace(sp.Name)
	if name == "" {
		name = id
	}

	sched, err := sp.Schedule.parse(id)
	if err != nil {
		return nil, err
	}

	return &Job{
		ID:       id,
		Name:     name,
		Endpoint: endpoint,
		Method:   method,
		Payload:  sp.Payload,
		Archive:  sp.Archive,
		Schedule: sched,
	}, nil
}

func (sp *ScheduleSpec) parse(jobID string) (*scheduler.Schedule, error) {
	if sp == nil {
		return nil, nil
	}

	sched := &scheduler.Schedule{Active: sp.Active}
	if s := strings.TrimSpace(sp.Start); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("job %s: invalid schedule start %q: %w", jobID, s, err)
		}
		sched.Start = &t
	}
	if s := strings.TrimSpace(sp.End); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("job %s: invalid schedule end %q: %w", jobID, s, err)
		}
		sched.End = &t
	}
	if sp.Repeat != nil {
		unit, err := scheduler.ParseTimeUnit(sp.Repeat.Unit)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", jobID, err)
		}
		if sp.Repeat.Interval < 1 {
			return nil, fmt.Errorf("job %s: repeat interval must be >= 1, got %d", jobID, sp.Repeat.Interval)
		}
		sched.Repeat = &scheduler.Repeat{Unit: unit, Interval: sp.Repeat.Interval}
	}

	// Planning would reject this later anyway; catching it here keeps the
	// failure at submission time where the operator can see it.
	if sched.Active && sched.Start == nil {
		return nil, fmt.Errorf("job %s: active schedule requires a start time", jobID)
	}
	return sched, nil
}
