package admin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Scheduler starts health-check sweeps on a cron schedule.
type Scheduler struct {
	checks  *Checks
	spec    string
	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// NewScheduler validates spec (standard 5-field cron) and prepares a scheduler.
func NewScheduler(checks *Checks, spec string) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return &Scheduler{checks: checks, spec: spec, cron: cron.New()}, nil
}

// Start registers the sweep and starts the cron loop. It stops on ctx.Done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if _, err := s.cron.AddFunc(s.spec, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule health checks: %w", err)
	}
	s.cron.Start()
	s.running = true
	log.Info().Str("schedule", s.spec).Msg("Health check scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) sweep(ctx context.Context) {
	res, err := s.checks.Start(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		log.Debug().Msg("Scheduled sweep skipped, run in progress")
	case errors.Is(err, ErrChecksClosed):
		log.Debug().Msg("Scheduled sweep skipped, shutting down")
	case err != nil:
		log.Error().Err(err).Msg("Scheduled sweep failed to start")
	case res.NothingToTest:
		log.Debug().Msg("Scheduled sweep found no services")
	default:
		log.Info().Str("run_id", res.RunID).Int("services", res.Services).Msg("Scheduled sweep started")
	}
}

// Stop stops the cron loop and waits for a sweep that is starting to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	log.Info().Msg("Health check scheduler stopped")
}

// NextRun returns the next scheduled sweep time.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
