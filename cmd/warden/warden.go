package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/CZERTAINLY/Warden/internal/adapter"
	"github.com/CZERTAINLY/Warden/internal/bom"
	"github.com/CZERTAINLY/Warden/internal/engine"
	"github.com/CZERTAINLY/Warden/internal/gitleaks"
	"github.com/CZERTAINLY/Warden/internal/log"
	"github.com/CZERTAINLY/Warden/internal/metrics"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/nmap"
	"github.com/CZERTAINLY/Warden/internal/retry"
	"github.com/CZERTAINLY/Warden/internal/scheduler"
	"github.com/CZERTAINLY/Warden/internal/service"
	"github.com/CZERTAINLY/Warden/internal/store"
	"github.com/CZERTAINLY/Warden/internal/telemetry"
	"github.com/CZERTAINLY/Warden/internal/tlsprobe"

	"github.com/spf13/cobra"
)

const closeTimeout = 30 * time.Second

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "scan runs the tools against the targets and prints the results",
	Args:  cobra.NoArgs,
	RunE:  doScan,
}

var scanFlags struct {
	targets     []string
	exclude     []string
	tools       []string
	format      string
	concurrency int
	unitTimeout time.Duration
	jobTimeout  time.Duration
	maxRetries  int
}

func initScanFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSliceVarP(&scanFlags.targets, "target", "t", nil, "target address, CIDR, range, hostname or URL (repeatable)")
	f.StringSliceVar(&scanFlags.exclude, "exclude", nil, "target excluded from the scan (repeatable)")
	f.StringSliceVar(&scanFlags.tools, "tool", nil, "tool id to run against every target (repeatable), default all available tools")
	f.StringVar(&scanFlags.format, "format", "json", "output format: json or cyclonedx")
	f.IntVar(&scanFlags.concurrency, "concurrency", 0, "maximum of units of this job running at once")
	f.DurationVar(&scanFlags.unitTimeout, "unit-timeout", 0, "timeout of a single tool invocation")
	f.DurationVar(&scanFlags.jobTimeout, "job-timeout", 0, "timeout of the whole job")
	f.IntVar(&scanFlags.maxRetries, "max-retries", -1, "retries of transient tool failures, -1 uses the configured value")
	_ = cmd.MarkFlagRequired("target")
}

// toolRegistry builds the adapters of all enabled tools of the configuration.
func toolRegistry(cfg model.Config, grace time.Duration) (*adapter.Registry, error) {
	r, err := adapter.NewRegistry()
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, t := range cfg.Tools {
		if t.Enabled != nil && !*t.Enabled {
			continue
		}
		var a adapter.Adapter
		switch t.Kind {
		case model.ToolKindExec:
			a, err = adapter.NewExec(t, grace)
		case model.ToolKindNmap:
			a, err = nmap.New(t)
		case model.ToolKindGitleaks:
			a, err = gitleaks.New(t, nil)
		case model.ToolKindTLS:
			a, err = tlsprobe.New(t, nil)
		default:
			err = fmt.Errorf("tool %s: unsupported kind %q", t.ID, t.Kind)
		}
		if err == nil {
			err = r.Register(a)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !a.Descriptor().Available {
			slog.Warn("tool binary not available: invocations will fail", "tool", t.ID, "binary", a.Descriptor().Binary)
		}
	}
	return r, errors.Join(errs...)
}

// newEngine wires the engine with the tools, the store and the metrics of
// the configuration. The returned close function stops the engine and
// releases everything it opened.
func newEngine(ctx context.Context, cfg model.Config, m *metrics.Metrics) (*engine.Engine, func(context.Context) error, error) {
	policy, err := retry.FromConfig(cfg.Retry)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing retry config: %w", err)
	}
	schedCfg, err := scheduler.FromConfig(cfg.Engine, policy)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing engine config: %w", err)
	}
	registry, err := toolRegistry(cfg, schedCfg.Grace)
	if err != nil {
		return nil, nil, fmt.Errorf("registering tools: %w", err)
	}

	opts := []engine.Option{engine.WithMetrics(m)}
	var db *store.Store
	if path := model.Get(cfg.Service.Database); path != "" {
		db, err = store.Open(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, engine.WithStore(db))
	}

	eng, err := engine.New(ctx, schedCfg, registry, opts...)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, nil, err
	}
	closeFn := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		err := eng.Close(ctx)
		if db != nil {
			err = errors.Join(err, db.Close())
		}
		return err
	}
	return eng, closeFn, nil
}

func scanRequest(cmd *cobra.Command) model.Request {
	req := model.Request{
		Name:    "cli",
		Targets: model.TargetSpec{Targets: scanFlags.targets, Exclude: scanFlags.exclude},
		Tools:   scanFlags.tools,
		Options: model.Options{
			ConcurrencyCap: scanFlags.concurrency,
			UnitTimeout:    scanFlags.unitTimeout,
			JobTimeout:     scanFlags.jobTimeout,
		},
	}
	if cmd.Flags().Changed("max-retries") && scanFlags.maxRetries >= 0 {
		req.Options.MaxRetries = &scanFlags.maxRetries
	}
	return req
}

func doScan(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("warden",
		slog.String("cmd", "scan"),
		slog.Int("pid", os.Getpid()),
	))
	if scanFlags.format != "json" && scanFlags.format != "cyclonedx" {
		return fmt.Errorf("unsupported format %q", scanFlags.format)
	}

	shutdown, err := telemetry.Setup(ctx, config.Service.Telemetry, version())
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.WarnContext(ctx, "flushing traces failed", "error", err)
		}
	}()

	eng, closeEngine, err := newEngine(ctx, config, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeEngine(ctx); err != nil {
			slog.ErrorContext(ctx, "closing engine failed", "error", err)
		}
	}()

	req := scanRequest(cmd)
	if len(req.Tools) == 0 {
		for _, d := range eng.Tools() {
			if d.Available {
				req.Tools = append(req.Tools, d.ID)
			}
		}
	}
	jobID, err := eng.Submit(ctx, req)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "job submitted", "job_id", jobID)

	results, err := eng.Wait(ctx, jobID)
	if err != nil {
		return err
	}
	if err := printResults(cmd.OutOrStdout(), eng, results); err != nil {
		return err
	}
	if results.Status == model.JobFailed {
		return fmt.Errorf("job %s failed: %s", jobID, results.Reason)
	}
	return nil
}

func printResults(w io.Writer, eng *engine.Engine, results model.Results) error {
	if scanFlags.format == "cyclonedx" {
		snap, err := eng.Snapshot(results.JobID)
		if err != nil {
			return err
		}
		return bom.FromSnapshot(snap).AsJSON(w)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("warden",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	shutdown, err := telemetry.Setup(ctx, config.Service.Telemetry, version())
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.WarnContext(ctx, "flushing traces failed", "error", err)
		}
	}()

	var m *metrics.Metrics
	addr := model.Get(config.Service.Metrics)
	if addr != "" {
		m = metrics.New()
	}
	eng, closeEngine, err := newEngine(ctx, config, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeEngine(ctx); err != nil {
			slog.ErrorContext(ctx, "closing engine failed", "error", err)
		}
	}()

	supervisor, err := service.NewSupervisor(ctx, config, eng)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	if m != nil {
		wg.Go(func() {
			if err := m.Serve(ctx, addr); err != nil {
				slog.ErrorContext(ctx, "metrics endpoint failed", "addr", addr, "error", err)
			}
		})
	}
	err = supervisor.Do(ctx)
	cancel()
	wg.Wait()
	return err
}

func doTools(cmd *cobra.Command, _ []string) error {
	policy, err := retry.FromConfig(config.Retry)
	if err != nil {
		return err
	}
	schedCfg, err := scheduler.FromConfig(config.Engine, policy)
	if err != nil {
		return err
	}
	registry, err := toolRegistry(config, schedCfg.Grace)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tAVAILABLE\tVERSION\tOUTPUT\tTARGETS\tBINARY")
	for _, d := range registry.Descriptors() {
		targets := "any"
		if len(d.Targets) > 0 {
			targets = fmt.Sprint(d.Targets)
		}
		version := cmp.Or(d.Version, "-")
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\t%s\n", d.ID, d.Kind, d.Available, version, d.Output, targets, d.Binary)
	}
	return w.Flush()
}
