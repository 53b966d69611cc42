// Package api exposes the admin HTTP surface: job CRUD, live plans, run
// history, and manual firing.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"recur/internal/job"
	"recur/internal/scheduler"
	"recur/internal/storage"
	logx "recur/pkg/logx"
)

// Config configures the admin server.
type Config struct {
	Enabled bool
	Listen  string // host:port
}

// Server serves the admin API. All mutating endpoints keep the store and the
// live scheduler in lockstep: persist first, then (re)arm.
type Server struct {
	cfg   Config
	sched *scheduler.Scheduler
	store storage.Store
	log   logx.Logger
	echo  *echo.Echo
}

func NewServer(cfg Config, sched *scheduler.Scheduler, store storage.Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		cfg:   cfg,
		sched: sched,
		store: store,
		log:   log.With(logx.String("component", "api")),
		echo:  e,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.health)

	g := s.echo.Group("/api/v1")
	g.GET("/plans", s.listPlans)
	g.GET("/jobs", s.listJobs)
	g.GET("/jobs/:id", s.getJob)
	g.PUT("/jobs/:id", s.putJob)
	g.DELETE("/jobs/:id", s.deleteJob)
	g.POST("/jobs/:id/run", s.runJob)
	g.GET("/runs", s.listRuns)
}

// Start begins serving in the background. It returns immediately; listener
// errors surface on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	if !s.cfg.Enabled {
		return errCh
	}
	go func() {
		s.log.Info("admin api listening", logx.String("addr", s.cfg.Listen))
		if err := s.echo.Start(s.cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

func (s *Server) Stop(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listPlans(c echo.Context) error {
	plans := s.sched.Plans(c.QueryParam("job"))
	if plans == nil {
		plans = []scheduler.PlanInfo{}
	}
	return c.JSON(http.StatusOK, plans)
}

func (s *Server) listJobs(c echo.Context) error {
	if s.store == nil {
		return c.JSON(http.StatusServiceUnavailable, errBody("storage disabled"))
	}
	specs, err := s.store.ListJobs(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
	}
	if specs == nil {
		specs = []job.Spec{}
	}
	return c.JSON(http.StatusOK, specs)
}

func (s *Server) getJob(c echo.Context) error {
	if s.store == nil {
		return c.JSON(http.StatusServiceUnavailable, errBody("storage disabled"))
	}
	spec, ok, err := s.store.GetJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
	}
	if !ok {
		return c.JSON(http.StatusNotFound, errBody("job not found"))
	}
	return c.JSON(http.StatusOK, spec)
}

// putJob upserts the job spec and replaces any live plans with a fresh arm.
func (s *Server) putJob(c echo.Context) error {
	var spec job.Spec
	if err := c.Bind(&spec); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid body: "+err.Error()))
	}
	id := c.Param("id")
	if spec.ID == "" {
		spec.ID = id
	}
	if spec.ID != id {
		return c.JSON(http.StatusBadRequest, errBody("body id does not match path"))
	}

	j, err := spec.Parse()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err.Error()))
	}

	if s.store != nil {
		if err := s.store.UpsertJob(c.Request().Context(), spec); err != nil {
			return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
		}
	}

	s.sched.ClearJobs(id, true, 5*time.Second)
	plan, err := s.sched.Schedule(j, nil)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, errBody(err.Error()))
	}

	resp := map[string]any{"job": spec}
	if plan != nil {
		resp["plan_id"] = plan.ID()
		resp["at"] = plan.At()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) deleteJob(c echo.Context) error {
	id := c.Param("id")
	s.sched.ClearJobs(id, true, 5*time.Second)

	if s.store != nil {
		deleted, err := s.store.DeleteJob(c.Request().Context(), id)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
		}
		if !deleted {
			return c.JSON(http.StatusNotFound, errBody("job not found"))
		}
	}
	return c.NoContent(http.StatusNoContent)
}

// runJob arms an immediate one-shot plan for the stored job.
func (s *Server) runJob(c echo.Context) error {
	if s.store == nil {
		return c.JSON(http.StatusServiceUnavailable, errBody("storage disabled"))
	}
	id := c.Param("id")
	spec, ok, err := s.store.GetJob(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
	}
	if !ok {
		return c.JSON(http.StatusNotFound, errBody("job not found"))
	}
	j, err := spec.Parse()
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, errBody(err.Error()))
	}

	plan, err := s.sched.ScheduleAt(j, time.Time{})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"plan_id": plan.ID(),
		"at":      plan.At(),
	})
}

func (s *Server) listRuns(c echo.Context) error {
	if s.store == nil {
		return c.JSON(http.StatusServiceUnavailable, errBody("storage disabled"))
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, errBody("invalid limit"))
		}
		limit = n
	}
	runs, err := s.store.ListRuns(c.Request().Context(), c.QueryParam("job"), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
