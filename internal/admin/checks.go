package admin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/tunedesk/internal/healthcheck"
	"github.com/3cpo-dev/tunedesk/internal/registry"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("health check run already in progress")

// ErrChecksClosed is returned by Start after Shutdown.
var ErrChecksClosed = errors.New("health checks are shutting down")

// ServiceLister is the registry read side a run needs.
type ServiceLister interface {
	List(ctx context.Context) ([]registry.Service, error)
}

// RunSaver persists finished reports.
type RunSaver interface {
	SaveRun(ctx context.Context, r *healthcheck.Report) error
}

// StartResult describes a run that was accepted or skipped.
type StartResult struct {
	RunID         string
	Services      int
	NothingToTest bool
}

// Checks coordinates at most one health-check run at a time, publishes its
// snapshots on a Board and optionally persists the final report.
type Checks struct {
	orch     *healthcheck.Orchestrator
	services ServiceLister
	runs     RunSaver
	board    *healthcheck.Board

	mu     sync.Mutex
	closed bool
	active bool
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
	last   *healthcheck.Report
}

// NewChecks creates a run coordinator. runs may be nil.
func NewChecks(orch *healthcheck.Orchestrator, services ServiceLister, runs RunSaver) *Checks {
	return &Checks{
		orch:     orch,
		services: services,
		runs:     runs,
		board:    healthcheck.NewBoard(),
	}
}

// Board returns the snapshot fan-out of this coordinator.
func (c *Checks) Board() *healthcheck.Board { return c.board }

// Orchestrator returns the underlying orchestrator.
func (c *Checks) Orchestrator() *healthcheck.Orchestrator { return c.orch }

// Start fetches the registry list and launches a run in the background.
// ctx bounds only the registry fetch; the run lives until it finishes or is
// cancelled.
func (c *Checks) Start(ctx context.Context) (StartResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return StartResult{}, ErrChecksClosed
	}
	if c.active {
		c.mu.Unlock()
		return StartResult{}, ErrRunInProgress
	}
	c.active = true
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
	}

	services, err := c.services.List(ctx)
	if err != nil {
		release()
		return StartResult{}, fmt.Errorf("fetch services: %w", err)
	}
	if len(services) == 0 {
		release()
		log.Info().Msg("No services to test")
		return StartResult{NothingToTest: true}, nil
	}
	if err := healthcheck.ValidateServices(services); err != nil {
		release()
		return StartResult{}, err
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.active = false
		c.mu.Unlock()
		cancel()
		return StartResult{}, ErrChecksClosed
	}
	c.runID = runID
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(runCtx, cancel, done, runID, services)
	return StartResult{RunID: runID, Services: len(services)}, nil
}

func (c *Checks) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, runID string, services []registry.Service) {
	defer close(done)
	defer cancel()

	report, err := c.orch.RunWithID(ctx, runID, services, c.board.Observe)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("run_id", runID).Msg("Health check run failed")
	}
	if report != nil && c.runs != nil {
		saveCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.runs.SaveRun(saveCtx, report); err != nil {
			log.Error().Err(err).Str("run_id", runID).Msg("Failed to save health check run")
		}
		stop()
	}

	c.mu.Lock()
	c.active = false
	c.cancel = nil
	if report != nil {
		c.last = report
	}
	c.mu.Unlock()
}

// Cancel aborts the active run and returns its id, or "" if none was active.
func (c *Checks) Cancel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return ""
	}
	c.cancel()
	return c.runID
}

// Active reports whether a run is in progress and its id.
func (c *Checks) Active() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return "", false
	}
	return c.runID, true
}

// Last returns the most recent finished report, if any.
func (c *Checks) Last() *healthcheck.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Wait blocks until the current run (if any) has finished or ctx is done.
func (c *Checks) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown refuses new runs, cancels any active run and waits for it to
// wind down.
func (c *Checks) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Cancel()
	return c.Wait(ctx)
}
