// Package dispatch delivers firings to the processor endpoint configured per
// job. It builds the scheduler actions so firing stays decoupled from
// planning.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"recur/internal/job"
	"recur/internal/scheduler"
	logx "recur/pkg/logx"
)

// Config configures outbound delivery.
type Config struct {
	Timeout         time.Duration // per-request, 0 means default
	AuthToken       string        // optional bearer token
	ArchiveEndpoint string        // optional sink for completed one-time jobs
}

const defaultTimeout = 30 * time.Second

// APIError is a structured error body returned by a processor.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("processor error: status %d", e.Status)
	}
	return fmt.Sprintf("processor error: %s (status %d)", e.Message, e.Status)
}

// Firing is the JSON body delivered to the processor.
type Firing struct {
	JobID   string          `json:"job_id"`
	JobName string          `json:"job_name,omitempty"`
	FiredAt time.Time       `json:"fired_at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Dispatcher posts firings over HTTP. Reconfigure may swap the config at any
// time; in-flight deliveries keep the settings they started with.
type Dispatcher struct {
	mu     sync.RWMutex
	cfg    Config
	client *http.Client

	log logx.Logger
	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		log: log.With(logx.String("component", "dispatch")),
		now: time.Now,
	}
	d.Reconfigure(cfg)
	return d
}

// Reconfigure applies a new delivery config. Safe during hot-reload.
func (d *Dispatcher) Reconfigure(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	d.mu.Lock()
	d.cfg = cfg
	d.client = &http.Client{Timeout: cfg.Timeout}
	d.mu.Unlock()
}

func (d *Dispatcher) config() (Config, *http.Client) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg, d.client
}

// Action builds the scheduler action for one job. The returned func performs
// a single delivery attempt; the scheduler records the outcome.
func (d *Dispatcher) Action(j *job.Job) scheduler.Action {
	return func() error {
		cfg, client := d.config()
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()

		if err := d.deliver(ctx, cfg, client, j); err != nil {
			return err
		}
		if j.Archive && cfg.ArchiveEndpoint != "" && (j.Schedule == nil || j.Schedule.Repeat == nil) {
			// Best effort: archive failures must not fail the firing.
			if aerr := d.archive(ctx, cfg, client, j); aerr != nil {
				d.log.Warn("archive failed", logx.String("job", j.ID), logx.Err(aerr))
			}
		}
		return nil
	}
}

// Factory adapts the dispatcher to the scheduler. Configs that are not
// *job.Job produce a failing action rather than a panic.
func (d *Dispatcher) Factory() scheduler.ActionFactory {
	return func(cfg scheduler.JobConfig) scheduler.Action {
		j, ok := cfg.(*job.Job)
		if !ok {
			return func() error {
				return fmt.Errorf("dispatch: unsupported job config %T", cfg)
			}
		}
		return d.Action(j)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, cfg Config, client *http.Client, j *job.Job) error {
	body := Firing{
		JobID:   j.ID,
		JobName: j.Name,
		FiredAt: d.now().UTC(),
		Payload: j.Payload,
	}
	started := d.now()
	if err := d.post(ctx, cfg, client, j.Method, j.Endpoint, body); err != nil {
		return err
	}
	d.log.Debug("delivered",
		logx.String("job", j.ID),
		logx.Duration("took", d.now().Sub(started)),
	)
	return nil
}

func (d *Dispatcher) archive(ctx context.Context, cfg Config, client *http.Client, j *job.Job) error {
	body := struct {
		JobID      string    `json:"job_id"`
		ArchivedAt time.Time `json:"archived_at"`
	}{JobID: j.ID, ArchivedAt: d.now().UTC()}
	return d.post(ctx, cfg, client, http.MethodPost, cfg.ArchiveEndpoint, body)
}

func (d *Dispatcher) post(ctx context.Context, cfg Config, client *http.Client, method, endpoint string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(apiErr); err != nil {
			return fmt.Errorf("processor error: status %d", resp.StatusCode)
		}
		return apiErr
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
