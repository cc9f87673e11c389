package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/3cpo-dev/tunedesk/internal/admin"
	"github.com/3cpo-dev/tunedesk/internal/automation"
	"github.com/3cpo-dev/tunedesk/internal/catalog"
	"github.com/3cpo-dev/tunedesk/internal/core"
	"github.com/3cpo-dev/tunedesk/internal/healthcheck"
	"github.com/3cpo-dev/tunedesk/internal/registry"
	"github.com/3cpo-dev/tunedesk/internal/telemetry"
	"github.com/3cpo-dev/tunedesk/internal/upstream"
)

var version = "dev"

func main() {
	cfgPath := pflag.String("config", "", "config file")
	addr := pflag.String("addr", "", "listen address (overrides admin.addr)")
	level := pflag.StringP("log", "l", "info", "log level")
	pflag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if lvl, err := zerolog.ParseLevel(*level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(*cfgPath, *addr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath, addr string) error {
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if addr == "" {
		addr = cfg.Admin.Addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var collector *telemetry.Collector
	if cfg.Telemetry.Enabled {
		collector = telemetry.NewCollector(cfg.Telemetry.Namespace, nil)
	}
	opts := func(c core.Config) []upstream.Option {
		rc := upstream.DefaultRetryConfig()
		rc.MaxRetries = c.Registry.Retries
		hc := upstream.NewRetryableHTTPClient(c.RegistryTimeout(), c.Registry.RateLimit).WithRetryConfig(rc)
		return []upstream.Option{upstream.WithHTTPClient(hc), upstream.WithCollector(collector)}
	}

	store, err := core.NewStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	defer store.Close()

	self := telemetry.NewSelfChecks()
	self.Register("goroutines", telemetry.GoroutineCheck)
	self.Register("store", telemetry.PingCheck(store.Ping))

	srv := &admin.Server{
		Version:    version,
		Token:      cfg.Admin.Token,
		Albums:     store,
		History:    store,
		Collector:  collector,
		SelfChecks: self,
	}

	orch := healthcheck.New(cfg.HealthCheckConfig(), healthcheck.WithCollector(collector))
	if cfg.Registry.URL != "" {
		reg := registry.NewClient(cfg.Registry.URL, opts(cfg)...)
		srv.Registry = reg
		srv.Checks = admin.NewChecks(orch, reg, store)
	} else {
		log.Warn().Msg("Registry URL not configured; service and health-check routes are disabled")
	}
	if cfg.Catalog.URL != "" {
		srv.Catalog = catalog.NewClient(cfg.Catalog.URL, cfg.Catalog.PageSize, opts(cfg)...)
	}
	if cfg.Automation.URL != "" {
		srv.Automation = automation.NewClient(cfg.Automation.URL, cfg.Automation.BatchSize, opts(cfg)...)
	}
	if cfg.Admin.Token == "" {
		log.Warn().Msg("Admin token not set; mutating routes are unauthenticated")
	}

	if spec := cfg.HealthCheck.Schedule; spec != "" && srv.Checks != nil {
		sched, err := admin.NewScheduler(srv.Checks, spec)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		srv.Scheduler = sched
	}

	// Probe timing follows the config file without a restart.
	go func() {
		watchPath := cfgPath
		if watchPath == "" {
			watchPath = core.DefaultConfigPath()
		}
		err := core.WatchConfig(ctx, watchPath, func(next core.Config) {
			orch.SetConfig(next.HealthCheckConfig())
			log.Info().
				Int("timeout_ms", next.HealthCheck.TimeoutMS).
				Int("pace_ms", next.HealthCheck.PaceMS).
				Msg("Reloaded health-check timing")
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config watcher stopped")
		}
	}()

	var profiler *telemetry.ProfilingServer
	if cfg.Admin.PprofAddr != "" {
		profiler = telemetry.NewProfilingServer(cfg.Admin.PprofAddr)
		go func() {
			if err := profiler.Start(); err != nil {
				log.Error().Err(err).Msg("Profiling server failed")
			}
		}()
	}

	tlsCfg := admin.TLSConfig{
		CertFile:     cfg.Admin.TLS.CertFile,
		KeyFile:      cfg.Admin.TLS.KeyFile,
		ClientCAFile: cfg.Admin.TLS.ClientCAFile,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(addr, tlsCfg) }()
	fmt.Fprintf(os.Stdout, "tunedesk-admin listening on %s\n", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	fmt.Fprintln(os.Stdout, "tunedesk-admin shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if profiler != nil {
		_ = profiler.Shutdown(shutdownCtx)
	}
	return srv.Shutdown(shutdownCtx)
}
