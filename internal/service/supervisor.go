package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Warden/internal/bom"
	"github.com/CZERTAINLY/Warden/internal/model"
)

// Engine is the part of the scan engine the supervisor drives.
type Engine interface {
	Submit(ctx context.Context, req model.Request) (string, error)
	Wait(ctx context.Context, jobID string) (model.Results, error)
	Snapshot(jobID string) (model.JobSnapshot, error)
}

type Supervisor struct {
	engine    Engine
	scans     []model.Scan
	uploaders []model.Uploader
	oneshot   bool
	scheduler gocron.Scheduler
	start     chan struct{}
	results   chan result
	running   map[string]string // scan name -> job id
	wg        sync.WaitGroup
}

// result of a single submitted job.
type result struct {
	scan  string
	jobID string
	snap  model.JobSnapshot
	err   error
}

func NewSupervisor(ctx context.Context, cfg model.Config, engine Engine) (*Supervisor, error) {
	svcCfg := cfg.Service
	uploaders, err := uploaders(ctx, svcCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing uploaders: %w", err)
	}

	var supervisor = &Supervisor{
		engine:    engine,
		scans:     cfg.Scans,
		uploaders: uploaders,
		oneshot:   svcCfg.Mode != model.ServiceModeTimer,
		start:     make(chan struct{}, 1),
		results:   make(chan result, 1),
		running:   make(map[string]string),
	}
	if svcCfg.Mode == model.ServiceModeTimer {
		supervisor.scheduler, err = newScheduler(ctx, svcCfg.Schedule, supervisor.Start)
		if err != nil {
			supervisor.closeUploaders(ctx)
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
	}
	return supervisor, nil
}

// WithUploaders replaces the uploaders derived from the configuration.
func (s *Supervisor) WithUploaders(ctx context.Context, uploaders ...model.Uploader) *Supervisor {
	s.closeUploaders(ctx)
	s.uploaders = uploaders
	return s
}

// Start asks for a new round of scans. It never blocks, a start requested
// while another one is pending is coalesced.
func (s *Supervisor) Start() {
	select {
	case s.start <- struct{}{}:
	default:
	}
}

// Do runs the supervisor event loop.
// It multiplexes three concerns:
//  1. Start triggers: every configured scan which is not running yet is submitted.
//  2. Job results: the terminal snapshot is exported and published.
//  3. Context cancellation: terminates the loop and begins shutdown.
//
// In manual mode a start is triggered on entry and Do returns after all jobs
// of that round were published, with the joined submit, job and upload errors.
// In timer mode errors are only logged and Do returns nil on cancellation.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "scans", len(s.scans), "oneshot", s.oneshot)

	if s.oneshot && len(s.scans) == 0 {
		s.closeUploaders(ctx)
		return errors.New("no scans configured")
	}

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			if err := s.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	defer s.closeUploaders(ctx)

	defer s.wg.Wait()

	if s.oneshot {
		s.Start()
	}

	var errs []error
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			errs = append(errs, s.submit(ctx)...)
			if s.oneshot && len(s.running) == 0 {
				return errors.Join(errs...)
			}
		case r := <-s.results:
			delete(s.running, r.scan)
			err := s.publish(ctx, r)
			if err != nil {
				slog.ErrorContext(ctx, "scan result not published", "scan", r.scan, "job_id", r.jobID, "error", err)
				errs = append(errs, err)
			}
			if s.oneshot && len(s.running) == 0 {
				return errors.Join(errs...)
			}
		}
	}
}

func (s *Supervisor) submit(ctx context.Context) []error {
	var errs []error
	for _, scan := range s.scans {
		if jobID, ok := s.running[scan.Name]; ok {
			slog.WarnContext(ctx, "scan still running: skipping", "scan", scan.Name, "job_id", jobID)
			continue
		}
		req, err := scan.Request()
		if err == nil {
			var jobID string
			jobID, err = s.engine.Submit(ctx, req)
			if err == nil {
				slog.InfoContext(ctx, "scan submitted", "scan", scan.Name, "job_id", jobID)
				s.running[scan.Name] = jobID
				s.wg.Go(func() { s.wait(ctx, scan.Name, jobID) })
				continue
			}
		}
		err = fmt.Errorf("submitting scan %s: %w", scan.Name, err)
		slog.ErrorContext(ctx, "scan not submitted", "scan", scan.Name, "error", err)
		errs = append(errs, err)
	}
	return errs
}

func (s *Supervisor) wait(ctx context.Context, scan, jobID string) {
	r := result{scan: scan, jobID: jobID}
	_, r.err = s.engine.Wait(ctx, jobID)
	if r.err == nil {
		r.snap, r.err = s.engine.Snapshot(jobID)
	}
	select {
	case s.results <- r:
	case <-ctx.Done():
	}
}

// publish uploads the results of a finished job. Failed and cancelled jobs
// are published too as they keep partial results, but reported as errors.
func (s *Supervisor) publish(ctx context.Context, r result) error {
	if r.err != nil {
		return fmt.Errorf("waiting for scan %s: %w", r.scan, r.err)
	}
	var buf bytes.Buffer
	if err := bom.FromSnapshot(r.snap).AsJSON(&buf); err != nil {
		return fmt.Errorf("formatting BOM as JSON: %w", err)
	}

	errs := make([]error, len(s.uploaders))
	var g errgroup.Group
	for i, u := range s.uploaders {
		g.Go(func() error {
			errs[i] = u.Upload(ctx, buf.Bytes())
			return nil
		})
	}
	_ = g.Wait()

	job := r.snap.Job
	if job.Status != model.JobCompleted {
		errs = append(errs, fmt.Errorf("scan %s: job %s %s: %s", r.scan, job.ID, job.Status, job.Reason))
	} else {
		slog.InfoContext(ctx, "scan published", "scan", r.scan, "job_id", job.ID, "findings", len(r.snap.Findings))
	}
	return errors.Join(errs...)
}

func (s *Supervisor) closeUploaders(ctx context.Context) {
	for _, uploader := range s.uploaders {
		if closer, ok := uploader.(model.UploadCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
			}
		}
	}
	s.uploaders = nil
}

func newScheduler(ctx context.Context, cfgp *model.Schedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, errors.New("service.schedule is nil")
	}
	cron, duration := model.Get(cfgp.Cron), model.Get(cfgp.Duration)
	var job gocron.JobDefinition
	switch {
	case cron != "":
		fields, err := ParseCron(cron)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		job = gocron.CronJob(cron, fields == 6)
		slog.DebugContext(ctx, "successfully parsed", "cron", cron)
	case duration != "":
		d, err := ParseISODuration(duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
