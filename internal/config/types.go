package config

import (
	"fmt"
	"strings"
	"time"

	"recur/internal/job"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`

	// Scheduler controls planning behavior (timezone for calendar units).
	Scheduler SchedulerConfig `json:"scheduler"`

	// Dispatch controls outbound delivery to processor endpoints.
	Dispatch DispatchConfig `json:"dispatch,omitempty"`

	// API controls the admin HTTP server.
	API APIConfig `json:"api,omitempty"`

	Storage      *StorageConfig     `json:"storage,omitempty"`
	Housekeeping HousekeepingConfig `json:"housekeeping,omitempty"`

	// Jobs declared in the config file. Jobs stored via the admin API are
	// merged in at startup; the config file wins on id collisions.
	Jobs []job.Spec `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the planner.
type SchedulerConfig struct {
	// Timezone is an IANA zone name used for calendar arithmetic
	// (e.g. "Europe/Berlin"). Empty means the system local zone.
	Timezone string `json:"timezone,omitempty"`
}

// DispatchConfig controls outbound HTTP delivery.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type DispatchConfig struct {
	// Timeout bounds a single delivery attempt. Default "30s".
	Timeout string `json:"timeout,omitempty"`
	// AuthToken is sent as a bearer token on every delivery (do not log).
	AuthToken string `json:"auth_token,omitempty"`
	// ArchiveEndpoint receives completed one-time jobs marked archive.
	ArchiveEndpoint string `json:"archive_endpoint,omitempty"`
}

// APIConfig controls the admin HTTP server.
//
// Security note: prefer binding to localhost (e.g. "127.0.0.1:8484").
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen,omitempty"` // default: "127.0.0.1:8484"
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./recur.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// HousekeepingConfig controls run-history pruning.
type HousekeepingConfig struct {
	// Schedule is a cron expression. Default "0 3 * * *" (daily at 03:00).
	Schedule string `json:"schedule,omitempty"`
	// RetainRuns is how long run history is kept, as a Go duration string.
	// Default "720h" (30 days). "0s" disables pruning.
	RetainRuns string `json:"retain_runs,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Validate checks cross-field constraints that the strict decoder cannot.
func (c *Config) Validate() error {
	if _, err := ParseDurationField("dispatch.timeout", c.Dispatch.Timeout); err != nil {
		return err
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
		if strings.TrimSpace(c.Storage.Driver) != "" &&
			!strings.EqualFold(strings.TrimSpace(c.Storage.Driver), "none") &&
			strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path required for driver %q", c.Storage.Driver)
		}
	}
	if _, err := ParseDurationField("housekeeping.retain_runs", c.Housekeeping.RetainRuns); err != nil {
		return err
	}
	if c.API.Enabled && strings.TrimSpace(c.API.Listen) == "" {
		c.API.Listen = "127.0.0.1:8484"
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(c.Jobs))
	for i, spec := range c.Jobs {
		if _, err := spec.Parse(); err != nil {
			return fmt.Errorf("jobs[%d]: %w", i, err)
		}
		if _, dup := seen[spec.ID]; dup {
			return fmt.Errorf("jobs[%d]: duplicate id %q", i, spec.ID)
		}
		seen[spec.ID] = struct{}{}
	}
	return nil
}
