package healthcheck

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/tunedesk/internal/registry"
	"github.com/3cpo-dev/tunedesk/internal/telemetry"
)

// Config holds the timing policy of a run.
type Config struct {
	// ProbeTimeout is the hard upper bound of one probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// Pace is the pause between consecutive probes. Zero disables it.
	Pace time.Duration `yaml:"pace"`
}

// DefaultConfig returns a 15s probe timeout and a 300ms pace.
func DefaultConfig() Config {
	return Config{ProbeTimeout: 15 * time.Second, Pace: 300 * time.Millisecond}
}

// Status is one entry of a run's status sequence.
type Status struct {
	Service        registry.Service `json:"service"`
	State          State            `json:"state"`
	ResponseTimeMS *int64           `json:"response_time_ms,omitempty"`
	Error          string           `json:"error_message,omitempty"`
}

// ResponseTime returns the measured latency, if the probe has finished.
func (s Status) ResponseTime() (time.Duration, bool) {
	if s.ResponseTimeMS == nil {
		return 0, false
	}
	return time.Duration(*s.ResponseTimeMS) * time.Millisecond, true
}

func (s *Status) advance(next State) error {
	if !s.State.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s for service %s", s.State, next, s.Service.ID)
	}
	s.State = next
	return nil
}

func (s *Status) record(res Result) error {
	if err := s.advance(res.State); err != nil {
		return err
	}
	ms := res.ResponseTime.Milliseconds()
	s.ResponseTimeMS = &ms
	if res.State.Failed() {
		s.Error = res.Error
	}
	return nil
}

// Summary is the aggregate of a finished run.
type Summary struct {
	Up   int `json:"up"`
	Down int `json:"down"`
}

func (s Summary) String() string { return fmt.Sprintf("%d up, %d down", s.Up, s.Down) }

// Summarize counts up entries against down and error entries.
func Summarize(statuses []Status) Summary {
	var sum Summary
	for _, st := range statuses {
		switch {
		case st.State == StateUp:
			sum.Up++
		case st.State.Failed():
			sum.Down++
		}
	}
	return sum
}

// Snapshot is an immutable copy of a run's status sequence, published after
// every transition.
type Snapshot struct {
	RunID    string   `json:"run_id"`
	Seq      int      `json:"seq"`
	Index    int      `json:"index"`
	Statuses []Status `json:"statuses"`
	Done     bool     `json:"done"`
	Summary  *Summary `json:"summary,omitempty"`
}

// Observer receives snapshots synchronously from the run loop.
type Observer func(Snapshot)

// Report is the result of Run.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Statuses   []Status  `json:"statuses"`
	Summary    Summary   `json:"summary"`
	Cancelled  bool      `json:"cancelled,omitempty"`
}

// NothingToTest reports whether the run had no services.
func (r *Report) NothingToTest() bool { return len(r.Statuses) == 0 }

// InvalidServiceError rejects a whole run before any probe is issued.
type InvalidServiceError struct {
	Index int
	ID    string
	Err   error
}

func (e *InvalidServiceError) Error() string {
	return fmt.Sprintf("service #%d (%s): %v", e.Index, e.ID, e.Err)
}

func (e *InvalidServiceError) Unwrap() error { return e.Err }

// ValidateServices returns an *InvalidServiceError for the first malformed service.
func ValidateServices(services []registry.Service) error {
	for i, svc := range services {
		if err := svc.Validate(); err != nil {
			return &InvalidServiceError{Index: i, ID: svc.ID, Err: err}
		}
	}
	return nil
}

// Orchestrator runs sequential health checks over an ordered service list.
type Orchestrator struct {
	mu        sync.RWMutex
	cfg       Config
	prober    Prober
	collector *telemetry.Collector
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithProber replaces the HTTP prober.
func WithProber(p Prober) Option { return func(o *Orchestrator) { o.prober = p } }

// WithCollector records probe and run metrics.
func WithCollector(c *telemetry.Collector) Option { return func(o *Orchestrator) { o.collector = c } }

// New creates an orchestrator. Zero fields in cfg fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{cfg: normalize(cfg)}
	for _, opt := range opts {
		opt(o)
	}
	if o.prober == nil {
		o.prober = NewHTTPProber(0)
	}
	return o
}

func normalize(cfg Config) Config {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if cfg.Pace < 0 {
		cfg.Pace = 0
	}
	return cfg
}

// Config returns the policy the next run will use.
func (o *Orchestrator) Config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// SetConfig changes the policy for subsequent runs; a run in flight keeps its own.
func (o *Orchestrator) SetConfig(cfg Config) {
	o.mu.Lock()
	o.cfg = normalize(cfg)
	o.mu.Unlock()
}

// Run probes services one at a time in input order. observe, if non-nil, is
// called after the initial all-pending state and after every transition.
//
// An empty list returns a report for which NothingToTest is true without any
// network activity. A malformed service rejects the run with
// *InvalidServiceError. Cancelling ctx aborts the in-flight probe, drops its
// result, and returns the partial report together with ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, services []registry.Service, observe Observer) (*Report, error) {
	return o.RunWithID(ctx, uuid.NewString(), services, observe)
}

// RunWithID is Run with a caller-chosen run id.
func (o *Orchestrator) RunWithID(ctx context.Context, runID string, services []registry.Service, observe Observer) (*Report, error) {
	if err := ValidateServices(services); err != nil {
		return nil, err
	}

	cfg := o.Config()
	report := &Report{RunID: runID, StartedAt: time.Now()}

	if len(services) == 0 {
		report.Statuses = []Status{}
		report.FinishedAt = report.StartedAt
		o.collector.ObserveRun("empty", 0, 0, 0)
		log.Info().Str("run_id", report.RunID).Msg("No services to test")
		return report, nil
	}

	statuses := make([]Status, len(services))
	for i, svc := range services {
		statuses[i] = Status{Service: svc, State: StatePending}
	}

	seq := 0
	publish := func(index int, summary *Summary) {
		if observe == nil {
			return
		}
		cp := make([]Status, len(statuses))
		copy(cp, statuses)
		observe(Snapshot{
			RunID:    report.RunID,
			Seq:      seq,
			Index:    index,
			Statuses: cp,
			Done:     summary != nil,
			Summary:  summary,
		})
		seq++
	}
	cancelled := func(err error) (*Report, error) {
		report.Statuses = statuses
		report.Summary = Summarize(statuses)
		report.FinishedAt = time.Now()
		report.Cancelled = true
		o.collector.ObserveRun("cancelled", report.Summary.Up, report.Summary.Down, report.FinishedAt.Sub(report.StartedAt))
		log.Warn().Err(err).Str("run_id", report.RunID).Msg("Health check run cancelled")
		return report, err
	}

	log.Info().Str("run_id", report.RunID).Int("services", len(services)).Msg("Starting health check run")
	publish(-1, nil)

	for i := range statuses {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		if err := statuses[i].advance(StateTesting); err != nil {
			return nil, err
		}
		publish(i, nil)

		res := o.probe(ctx, cfg, services[i])
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		if !res.State.Terminal() {
			res = Result{State: StateError, ResponseTime: res.ResponseTime, Error: fmt.Sprintf("prober returned non-terminal state %s", res.State)}
		}
		if err := statuses[i].record(res); err != nil {
			return nil, err
		}
		o.collector.ObserveProbe(res.State.String(), res.ResponseTime)
		log.Debug().
			Str("run_id", report.RunID).
			Str("service", services[i].Name).
			Str("state", res.State.String()).
			Dur("response_time", res.ResponseTime).
			Str("error", res.Error).
			Msg("Service probed")
		publish(i, nil)

		if i < len(statuses)-1 && cfg.Pace > 0 {
			t := time.NewTimer(cfg.Pace)
			select {
			case <-ctx.Done():
				t.Stop()
				return cancelled(ctx.Err())
			case <-t.C:
			}
		}
	}

	report.Statuses = statuses
	report.Summary = Summarize(statuses)
	report.FinishedAt = time.Now()
	summary := report.Summary
	publish(len(statuses)-1, &summary)

	o.collector.ObserveRun("completed", summary.Up, summary.Down, report.FinishedAt.Sub(report.StartedAt))
	log.Info().
		Str("run_id", report.RunID).
		Int("up", summary.Up).
		Int("down", summary.Down).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Health check run completed")
	return report, nil
}

func (o *Orchestrator) probe(ctx context.Context, cfg Config, svc registry.Service) Result {
	pctx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()
	return o.prober.Probe(pctx, svc)
}
