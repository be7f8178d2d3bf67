package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Enum helpers.
const (
	ToolKindExec     = "exec"
	ToolKindNmap     = "nmap"
	ToolKindGitleaks = "gitleaks"
	ToolKindTLS      = "tls"

	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

// Defaults applied when the configuration leaves a value unset.
const (
	DefaultConcurrency    = 8
	DefaultUnitTimeout    = 5 * time.Minute
	DefaultJobTimeout     = time.Hour
	DefaultGrace          = 500 * time.Millisecond
	DefaultMaxRetries     = 2
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = 30 * time.Second
	DefaultRetryJitter    = 0.2
	DefaultQueueDepth     = 10000
	DefaultJobConcurrency = 4
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	defs   cue.Value // every definition of config.cue
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	defs = compiled
	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Engine  *Engine `json:"engine,omitempty" yaml:"engine,omitempty"`
	Retry   *Retry  `json:"retry,omitempty" yaml:"retry,omitempty"`
	Tools   []Tool  `json:"tools,omitempty" yaml:"tools,omitempty"`
	Scans   []Scan  `json:"scans,omitempty" yaml:"scans,omitempty"`
	Service Service `json:"service" yaml:"service"`
}

// Engine holds the scheduler tunables. Concurrency is the size of the global
// worker pool.
type Engine struct {
	Concurrency    *int      `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	JobConcurrency *int      `json:"job_concurrency,omitempty" yaml:"job_concurrency,omitempty"`
	QueueDepth     *int      `json:"queue_depth,omitempty" yaml:"queue_depth,omitempty"` // 0 => unlimited
	UnitTimeout    *Duration `json:"unit_timeout,omitempty" yaml:"unit_timeout,omitempty"`
	JobTimeout     *Duration `json:"job_timeout,omitempty" yaml:"job_timeout,omitempty"`
	Grace          *Duration `json:"grace,omitempty" yaml:"grace,omitempty"`
	TargetRate     *float64  `json:"target_rate,omitempty" yaml:"target_rate,omitempty"` // attempts per second per target
}

// Retry is the retry policy for transient tool failures.
type Retry struct {
	MaxRetries *int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	BaseDelay  *Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay   *Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Jitter     *float64  `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// Tool registers a tool adapter.
type Tool struct {
	ID                 string    `json:"id" yaml:"id"`
	Kind               string    `json:"kind" yaml:"kind"` // "exec" | "nmap" | "gitleaks" | "tls"
	Enabled            *bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Binary             *string   `json:"binary,omitempty" yaml:"binary,omitempty"`
	Args               []string  `json:"args,omitempty" yaml:"args,omitempty"` // {target}, {host} and {port} are substituted
	Targets            []string  `json:"targets,omitempty" yaml:"targets,omitempty"`
	Output             *string   `json:"output,omitempty" yaml:"output,omitempty"` // parser name
	Timeout            *Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Ports              []int     `json:"ports,omitempty" yaml:"ports,omitempty"`
	PermanentExitCodes []int     `json:"permanent_exit_codes,omitempty" yaml:"permanent_exit_codes,omitempty"`
	VersionArgs        []string  `json:"version_args,omitempty" yaml:"version_args,omitempty"` // default --version
}

// Scan is a named scan request executed by `warden run`.
type Scan struct {
	Name        string    `json:"name" yaml:"name"`
	Targets     []string  `json:"targets" yaml:"targets"`
	Exclude     []string  `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	Tools       []string  `json:"tools" yaml:"tools"`
	Concurrency *int      `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	UnitTimeout *Duration `json:"unit_timeout,omitempty" yaml:"unit_timeout,omitempty"`
	JobTimeout  *Duration `json:"job_timeout,omitempty" yaml:"job_timeout,omitempty"`
	MaxRetries  *int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// Request converts a configured scan into an engine request.
func (s Scan) Request() (Request, error) {
	unitTimeout, err1 := Get(s.UnitTimeout).Or(0)
	jobTimeout, err2 := Get(s.JobTimeout).Or(0)
	if err := errors.Join(err1, err2); err != nil {
		return Request{}, fmt.Errorf("scan %s: %w", s.Name, err)
	}
	return Request{
		Name:    s.Name,
		Targets: TargetSpec{Targets: s.Targets, Exclude: s.Exclude},
		Tools:   s.Tools,
		Options: Options{
			ConcurrencyCap: Get(s.Concurrency),
			UnitTimeout:    unitTimeout,
			JobTimeout:     jobTimeout,
			MaxRetries:     s.MaxRetries,
		},
	}, nil
}

type Service struct {
	Mode       string      `json:"mode" yaml:"mode"` // "manual" | "timer"
	Verbose    *bool       `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log        *string     `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	Dir        *string     `json:"dir,omitempty" yaml:"dir,omitempty"` // output directory
	Database   *string     `json:"database,omitempty" yaml:"database,omitempty"`
	Metrics    *string     `json:"metrics,omitempty" yaml:"metrics,omitempty"` // listen address of /metrics
	Telemetry  *Telemetry  `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
	Repository *Repository `json:"repository,omitempty" yaml:"repository,omitempty"`
	Schedule   *Schedule   `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Telemetry configures the OTLP trace exporter.
type Telemetry struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Insecure *bool  `json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

// Repository publication settings.
type Repository struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	URL     string `json:"url" yaml:"url"`
}

// Schedule of the timer mode, either a cron expression or an ISO-8601 duration.
type Schedule struct {
	Cron     *string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration *string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig is stored when no configuration file exists.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Engine: &Engine{
			Concurrency:    ptr(DefaultConcurrency),
			JobConcurrency: ptr(DefaultJobConcurrency),
			QueueDepth:     ptr(DefaultQueueDepth),
			UnitTimeout:    DurationOf(DefaultUnitTimeout),
			JobTimeout:     DurationOf(DefaultJobTimeout),
			Grace:          DurationOf(DefaultGrace),
		},
		Retry: &Retry{
			MaxRetries: ptr(DefaultMaxRetries),
			BaseDelay:  DurationOf(DefaultRetryBaseDelay),
			MaxDelay:   DurationOf(DefaultRetryMaxDelay),
			Jitter:     ptr(DefaultRetryJitter),
		},
		Tools: []Tool{
			{ID: "nmap", Kind: ToolKindNmap},
			{ID: "tls", Kind: ToolKindTLS},
			{ID: "gitleaks", Kind: ToolKindGitleaks},
		},
		Service: Service{
			Mode: ServiceModeManual,
			Log:  ptr(LogStderr),
		},
	}
}

func ptr[T any](v T) *T {
	return &v
}

// Get dereferences an optional config value.
func Get[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}
