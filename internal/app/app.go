// Package app wires the daemon together: config, logging, storage, the
// scheduler, outbound dispatch, the admin API, and housekeeping.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"recur/internal/api"
	"recur/internal/config"
	"recur/internal/dispatch"
	"recur/internal/eventbus"
	"recur/internal/job"
	"recur/internal/observability/pprof"
	"recur/internal/recorder"
	"recur/internal/runtime/supervisor"
	"recur/internal/scheduler"
	"recur/internal/storage"
	logx "recur/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	disp  *dispatch.Dispatcher
	sched *scheduler.Scheduler
	rec   *recorder.Recorder
	srv   *api.Server
	prof  *pprof.Service

	cron *cron.Cron
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if cfg.Storage != nil {
		sc, err := mapStorageConfig(cfg.Storage)
		if err != nil {
			return nil, err
		}
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		if store != nil {
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	dc, err := mapDispatchConfig(cfg.Dispatch)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dc, log)

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(bus),
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		schedOpts = append(schedOpts, scheduler.WithTimezone(tz))
	}
	sched, err := scheduler.New(disp.Factory(), schedOpts...)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		disp:    disp,
		sched:   sched,
		rec:     recorder.New(store, log),
		prof:    pprof.New(mapPprofConfig(cfg.Pprof), log),
	}
	a.srv = api.NewServer(api.Config{
		Enabled: cfg.API.Enabled,
		Listen:  cfg.API.Listen,
	}, sched, store, log)
	return a, nil
}

// Done is closed when the app supervisor context is cancelled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)
	cfg := a.cfgm.Get()

	a.rec.Start(a.bus)
	a.prof.Start(a.sup.Context())

	// Admin API; a listener failure is fatal.
	apiErr := a.srv.Start()
	a.sup.Go("api.watch", func(ctx context.Context) error {
		select {
		case err := <-apiErr:
			return fmt.Errorf("admin api: %w", err)
		case <-ctx.Done():
			return nil
		}
	})

	if err := a.armJobs(ctx, cfg); err != nil {
		return err
	}
	a.startHousekeeping(cfg.Housekeeping)

	// Hot reload: watch the file, apply committed configs.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	updates := a.cfgm.Subscribe(2)
	a.sup.Go0("config.apply", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		prev := cfg
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				a.applyReload(ctx, prev, next)
				prev = next
			}
		}
	})

	a.log.Info("started",
		logx.String("config", a.cfgPath),
		logx.Int("jobs", len(cfg.Jobs)),
		logx.Bool("api", cfg.API.Enabled),
	)
	return nil
}

// armJobs submits the configured jobs plus any stored jobs whose id is not
// claimed by the config file.
func (a *App) armJobs(ctx context.Context, cfg *config.Config) error {
	inConfig := make(map[string]struct{}, len(cfg.Jobs))
	for _, spec := range cfg.Jobs {
		inConfig[spec.ID] = struct{}{}
		if err := a.armSpec(spec); err != nil {
			return fmt.Errorf("job %s: %w", spec.ID, err)
		}
	}

	if a.store == nil {
		return nil
	}
	stored, err := a.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list stored jobs: %w", err)
	}
	for _, spec := range stored {
		if _, claimed := inConfig[spec.ID]; claimed {
			a.log.Warn("stored job shadowed by config file", logx.String("job", spec.ID))
			continue
		}
		if err := a.armSpec(spec); err != nil {
			// Stored jobs may predate validation changes; skip, don't abort.
			a.log.Warn("stored job rejected", logx.String("job", spec.ID), logx.Err(err))
		}
	}
	return nil
}

func (a *App) armSpec(spec job.Spec) error {
	j, err := spec.Parse()
	if err != nil {
		return err
	}
	plan, err := a.sched.Schedule(j, nil)
	if err != nil {
		return err
	}
	if plan == nil {
		a.log.Debug("job has nothing to arm", logx.String("job", spec.ID))
	}
	return nil
}

func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	changed, attrs, changedJobs := config.SummarizeChange(oldCfg, newCfg)
	if len(changed) == 0 {
		return
	}
	a.log.Info("applying config change",
		append([]logx.Field{logx.Any("sections", changed)}, attrs...)...)

	for _, section := range changed {
		switch section {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})
		case "pprof":
			a.prof.Reconfigure(ctx, mapPprofConfig(newCfg.Pprof))
		case "dispatch":
			if dc, err := mapDispatchConfig(newCfg.Dispatch); err == nil {
				a.disp.Reconfigure(dc)
			}
		case "housekeeping":
			a.startHousekeeping(newCfg.Housekeeping)
		case "scheduler", "api", "storage":
			// Bound to component lifetimes; needs a process restart.
			a.log.Warn("config change requires restart", logx.String("section", section))
		case "jobs":
			a.rearmJobs(newCfg, changedJobs)
		}
	}
}

func (a *App) rearmJobs(cfg *config.Config, changedJobs []string) {
	byID := make(map[string]job.Spec, len(cfg.Jobs))
	for _, spec := range cfg.Jobs {
		byID[spec.ID] = spec
	}
	for _, id := range changedJobs {
		a.sched.ClearJobs(id, true, 10*time.Second)
		spec, ok := byID[id]
		if !ok {
			a.log.Info("job removed", logx.String("job", id))
			continue
		}
		if err := a.armSpec(spec); err != nil {
			a.log.Warn("job re-arm failed", logx.String("job", id), logx.Err(err))
			continue
		}
		a.log.Info("job re-armed", logx.String("job", id))
	}
}

// startHousekeeping (re)installs the run-history pruning schedule.
func (a *App) startHousekeeping(hc config.HousekeepingConfig) {
	if a.cron != nil {
		stopCtx := a.cron.Stop()
		<-stopCtx.Done()
		a.cron = nil
	}
	if a.store == nil {
		return
	}

	retain, err := config.ParseDurationOrDefault("housekeeping.retain_runs", hc.RetainRuns, 720*time.Hour)
	if err != nil {
		a.log.Warn("bad housekeeping retention", logx.Err(err))
		return
	}
	if retain <= 0 {
		a.log.Info("run history pruning disabled")
		return
	}
	spec := strings.TrimSpace(hc.Schedule)
	if spec == "" {
		spec = "0 3 * * *"
	}

	c := cron.New()
	_, err = c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := a.store.PruneRuns(ctx, time.Now().Add(-retain))
		if err != nil {
			a.log.Warn("run prune failed", logx.Err(err))
			return
		}
		if n > 0 {
			a.log.Info("run history pruned", logx.Int64("removed", n))
		}
	})
	if err != nil {
		a.log.Warn("bad housekeeping schedule", logx.String("schedule", spec), logx.Err(err))
		return
	}
	c.Start()
	a.cron = c
	a.log.Debug("housekeeping scheduled",
		logx.String("schedule", spec),
		logx.Duration("retain", retain),
	)
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	if a.cron != nil {
		stopCtx := a.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
		a.cron = nil
	}

	if err := a.srv.Stop(ctx); err != nil {
		a.log.Warn("admin api shutdown", logx.Err(err))
	}
	a.prof.Stop(ctx)

	// Cancel every live plan and wait for in-flight actions to drain.
	a.sched.Clear(true, 15*time.Second)
	a.rec.Stop()

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func mapStorageConfig(sc *config.StorageConfig) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		BusyTimeout: busy,
	}, nil
}

func mapDispatchConfig(dc config.DispatchConfig) (dispatch.Config, error) {
	timeout, err := config.ParseDurationField("dispatch.timeout", dc.Timeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Timeout:         timeout,
		AuthToken:       dc.AuthToken,
		ArchiveEndpoint: dc.ArchiveEndpoint,
	}, nil
}

func mapPprofConfig(pc config.PprofConfig) pprof.Config {
	read, _ := config.ParseDurationField("pprof.read_timeout", pc.ReadTimeout)
	write, _ := config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout)
	idle, _ := config.ParseDurationField("pprof.idle_timeout", pc.IdleTimeout)
	return pprof.Config{
		Enabled:       pc.Enabled,
		Addr:          pc.Addr,
		Prefix:        pc.Prefix,
		Token:         pc.Token,
		AllowInsecure: pc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}
}
