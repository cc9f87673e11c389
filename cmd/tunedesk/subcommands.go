package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/tunedesk/internal/automation"
	"github.com/3cpo-dev/tunedesk/internal/catalog"
	"github.com/3cpo-dev/tunedesk/internal/core"
	"github.com/3cpo-dev/tunedesk/internal/healthcheck"
	"github.com/3cpo-dev/tunedesk/internal/registry"
	"github.com/3cpo-dev/tunedesk/internal/upstream"
)

// Resolve the configuration
func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return cfg, err
	}
	if reg, _ := cmd.Flags().GetString("registry"); reg != "" {
		cfg.Registry.URL = reg
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func upstreamOptions(cfg core.Config) []upstream.Option {
	rc := upstream.DefaultRetryConfig()
	rc.MaxRetries = cfg.Registry.Retries
	hc := upstream.NewRetryableHTTPClient(cfg.RegistryTimeout(), cfg.Registry.RateLimit).WithRetryConfig(rc)
	return []upstream.Option{upstream.WithHTTPClient(hc)}
}

func registryClient(cfg core.Config) (*registry.Client, error) {
	if cfg.Registry.URL == "" {
		return nil, errors.New("registry URL not configured (set registry.url, TUNEDESK_REGISTRY_URL or --registry)")
	}
	return registry.NewClient(cfg.Registry.URL, upstreamOptions(cfg)...), nil
}

func openStore(cfg core.Config) (*core.Store, error) {
	store, err := core.NewStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	return store, nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// Write a default config file
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a default config file if missing. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = core.DefaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "config already exists at %s\n", path)
				return nil
			}
			content, err := yaml.Marshal(core.DefaultConfig())
			if err != nil {
				return fmt.Errorf("marshal default config: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if err := os.WriteFile(path, content, 0o600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created default config at %s\n", path)
			return nil
		},
	}
}

// Manage registered services
func newServicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "List, register and remove services in the registry",
	}
	cmd.AddCommand(newServicesLsCmd(), newServicesAddCmd(), newServicesRmCmd())
	return cmd
}

func newServicesLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List registered services",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg, err := registryClient(cfg)
			if err != nil {
				return err
			}
			services, err := reg.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(services) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No services registered")
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tNAME\tURL\tMETADATA\tCREATED")
			for _, s := range services {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.URL, formatMetadata(s.Metadata), s.CreatedAt.Display())
			}
			return tw.Flush()
		},
	}
}

func formatMetadata(md map[string]string) string {
	if len(md) == 0 {
		return "-"
	}
	b, _ := json.Marshal(md)
	return string(b)
}

func newServicesAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new service",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			url, _ := cmd.Flags().GetString("url")
			metas, _ := cmd.Flags().GetStringArray("meta")

			entries := make([]registry.MetadataEntry, 0, len(metas))
			for _, m := range metas {
				e, err := registry.ParseMetadataEntry(m)
				if err != nil {
					return err
				}
				entries = append(entries, e)
			}
			req, err := registry.NewCreateRequest(name, url, entries)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg, err := registryClient(cfg)
			if err != nil {
				return err
			}
			created, err := reg.Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", created.Name, created.ID)
			return nil
		},
	}
	cmd.Flags().String("name", "", "service name")
	cmd.Flags().String("url", "", "health endpoint URL")
	cmd.Flags().StringArray("meta", nil, "metadata entry key=value (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newServicesRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a registered service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg, err := registryClient(cfg)
			if err != nil {
				return err
			}
			if err := reg.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

// Run a health check over every registered service
func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe every registered service, one at a time",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg, err := registryClient(cfg)
			if err != nil {
				return err
			}
			hc := cfg.HealthCheckConfig()
			if d, _ := cmd.Flags().GetDuration("timeout"); d > 0 {
				hc.ProbeTimeout = d
			}
			if cmd.Flags().Changed("pace") {
				hc.Pace, _ = cmd.Flags().GetDuration("pace")
			}

			services, err := reg.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			orch := healthcheck.New(hc)
			report, runErr := orch.Run(cmd.Context(), services, printTransitions(out))
			if report == nil {
				return runErr
			}
			if report.NothingToTest() {
				fmt.Fprintln(out, "No services to test")
				return nil
			}

			if noHistory, _ := cmd.Flags().GetBool("no-history"); !noHistory {
				if err := saveReport(cfg, report); err != nil {
					log.Warn().Err(err).Msg("Could not save run history")
				}
			}
			if runErr != nil {
				fmt.Fprintf(out, "cancelled: %s\n", report.Summary)
				return runErr
			}
			fmt.Fprintln(out, report.Summary)
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 0, "per-service probe timeout (default from config, 15s)")
	cmd.Flags().Duration("pace", 0, "pause between probes (default from config, 300ms)")
	cmd.Flags().Bool("no-history", false, "do not record this run in the local store")
	return cmd
}

// printTransitions writes one line per state change.
func printTransitions(w io.Writer) healthcheck.Observer {
	return func(s healthcheck.Snapshot) {
		if s.Index < 0 || s.Done {
			return
		}
		st := s.Statuses[s.Index]
		prefix := fmt.Sprintf("[%d/%d] %s", s.Index+1, len(s.Statuses), st.Service.Name)
		switch st.State {
		case healthcheck.StateTesting:
			fmt.Fprintf(w, "%s: testing\n", prefix)
		case healthcheck.StateUp:
			rt, _ := st.ResponseTime()
			fmt.Fprintf(w, "%s: up (%s)\n", prefix, rt)
		default:
			rt, _ := st.ResponseTime()
			fmt.Fprintf(w, "%s: %s (%s) %s\n", prefix, st.State, rt, st.Error)
		}
	}
}

func saveReport(cfg core.Config, report *healthcheck.Report) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return store.SaveRun(ctx, report)
}

// Inspect recorded runs
func newChecksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checks",
		Short: "Inspect recorded health-check runs",
	}
	history := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tUP\tDOWN\tCANCELLED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%t\n", r.ID, r.StartedAt.Local().Format(time.DateTime),
					r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), r.Up, r.Down, r.Cancelled)
			}
			return tw.Flush()
		},
	}
	history.Flags().Int("limit", 20, "number of runs to show")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the per-service results of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "SERVICE\tURL\tSTATE\tRESPONSE\tERROR")
			for _, res := range run.Results {
				rt := "-"
				if res.ResponseTimeMS != nil {
					rt = fmt.Sprintf("%dms", *res.ResponseTimeMS)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", res.ServiceName, res.URL, res.State, rt, res.Error)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(history, show)
	return cmd
}

// Curate local album metadata
func newAlbumsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "albums",
		Short: "List albums and edit release dates",
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List albums ordered by name",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			withoutLabel, _ := cmd.Flags().GetBool("without-label")
			pending, _ := cmd.Flags().GetBool("pending-release")
			var albums []core.Album
			switch {
			case withoutLabel && pending:
				return errors.New("--without-label and --pending-release are mutually exclusive")
			case withoutLabel:
				albums, err = store.ListAlbumsWithoutLabel(cmd.Context())
			case pending:
				albums, err = store.ListAlbumsReleasedSince(cmd.Context(), core.ReleaseCutoff)
			default:
				albums, err = store.ListAlbums(cmd.Context())
			}
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tNAME\tLABEL\tRELEASE")
			for _, a := range albums {
				label, release := "-", "-"
				if a.Label != nil {
					label = *a.Label
				}
				if a.Release != nil {
					release = a.Release.Format(time.DateOnly)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.ID, a.Name, label, release)
			}
			return tw.Flush()
		},
	}
	ls.Flags().Bool("without-label", false, "only albums with no label")
	ls.Flags().Bool("pending-release", false, "only albums released on or after "+core.ReleaseCutoff.Format(time.DateOnly))

	releaseDate := &cobra.Command{
		Use:   "release-date <album-id> <date>",
		Short: "Set an album's release date (YYYY-MM-DD or RFC3339)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			release, err := core.ParseReleaseDateUpdate(args[0], args[1])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.UpdateReleaseDate(cmd.Context(), args[0], release); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Release date updated successfully")
			return nil
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <file.json>",
		Short: "Insert or replace albums from a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			var albums []core.Album
			if err := json.Unmarshal(content, &albums); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			for _, a := range albums {
				if err := store.UpsertAlbum(cmd.Context(), a); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d albums\n", len(albums))
			return nil
		},
	}

	cmd.AddCommand(ls, releaseDate, importCmd)
	return cmd
}

// Search the album catalog
func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Search the external album catalog",
	}
	search := &cobra.Command{
		Use:   "search <query|link>",
		Short: "Search albums by name, or resolve an album link with --link",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Catalog.URL == "" {
				return errors.New("catalog URL not configured (set catalog.url)")
			}
			client := catalog.NewClient(cfg.Catalog.URL, cfg.Catalog.PageSize, upstreamOptions(cfg)...)
			query := strings.Join(args, " ")

			var albums []catalog.Album
			if byLink, _ := cmd.Flags().GetBool("link"); byLink {
				album, err := client.AlbumByLink(cmd.Context(), query)
				if err != nil {
					return err
				}
				albums = []catalog.Album{*album}
			} else {
				albums, err = client.SearchAlbums(cmd.Context(), query)
				if err != nil {
					return err
				}
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tNAME\tYEAR\tARTISTS")
			for _, a := range albums {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", a.ID, a.Name, a.Year, a.PrimaryArtists())
			}
			return tw.Flush()
		},
	}
	search.Flags().Bool("link", false, "treat the argument as an album URL")
	cmd.AddCommand(search)
	return cmd
}

// Queue albums for metadata automation
func newAutomateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "automate <album-id>...",
		Short: "Add albums to the automation queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Automation.URL == "" {
				return errors.New("automation URL not configured (set automation.url)")
			}
			client := automation.NewClient(cfg.Automation.URL, cfg.Automation.BatchSize, upstreamOptions(cfg)...)
			res, err := client.Enqueue(cmd.Context(), args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Albums added to automation queue: %d in %d batch(es)\n", res.Queued, res.Batches)
			return nil
		},
	}
}
