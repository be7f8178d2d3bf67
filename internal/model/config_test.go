package model_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
engine:
  concurrency: 16
  unit_timeout: 90s
  target_rate: 2.5
retry:
  max_retries: 3
  base_delay: 500ms
tools:
  - id: nikto
    kind: exec
    binary: /usr/bin/nikto
    args: ["-h", "{target}", "-Format", "json"]
    targets: [url]
    output: nikto
    permanent_exit_codes: [2]
scans:
  - name: nightly
    targets: ["10.0.0.0/30", "example.com"]
    exclude: ["10.0.0.2"]
    tools: [nikto]
service:
  mode: manual
  log: stderr
  repository:
    enabled: true
    url: https://example.com/repo
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, model.ServiceModeManual, cfg.Service.Mode)
	require.NotNil(t, cfg.Service.Log)
	require.Equal(t, model.LogStderr, *cfg.Service.Log)
	require.NotNil(t, cfg.Service.Repository)
	require.True(t, model.Get(cfg.Service.Repository.Enabled))
	require.Equal(t, "https://example.com/repo", cfg.Service.Repository.URL)

	require.NotNil(t, cfg.Engine)
	require.Equal(t, 16, model.Get(cfg.Engine.Concurrency))
	require.Equal(t, 2.5, model.Get(cfg.Engine.TargetRate))
	d, err := model.Get(cfg.Engine.UnitTimeout).Or(time.Minute)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)
	d, err = model.Get(cfg.Engine.JobTimeout).Or(time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.Minute, d)

	require.Len(t, cfg.Tools, 1)
	require.Equal(t, model.ToolKindExec, cfg.Tools[0].Kind)
	require.Equal(t, []string{"url"}, cfg.Tools[0].Targets)
	require.Equal(t, []int{2}, cfg.Tools[0].PermanentExitCodes)

	require.Len(t, cfg.Scans, 1)
	require.Equal(t, "nightly", cfg.Scans[0].Name)
	require.Equal(t, []string{"10.0.0.2"}, cfg.Scans[0].Exclude)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{
			scenario: "missing repository url",
			given: `
version: 0
service:
  mode: manual
  repository:
    enabled: true
`,
			then: "service.repository.url",
		},
		{
			scenario: "unknown tool kind",
			given: `
version: 0
tools:
  - id: zap
    kind: docker
service:
  mode: manual
`,
			then: "tools.0.kind",
		},
		{
			scenario: "bad duration",
			given: `
version: 0
engine:
  unit_timeout: ten seconds
service:
  mode: manual
`,
			then: "engine.unit_timeout",
		},
		{
			scenario: "scan without tools",
			given: `
version: 0
scans:
  - name: empty
    targets: [example.com]
    tools: []
service:
  mode: manual
`,
			then: "scans.0.tools",
		},
		{
			scenario: "unknown field",
			given: `
version: 0
service:
  mode: manual
  auth: token
`,
			then: "service.auth",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.then)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig(t.Context())
	raw, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	loaded, err := model.LoadConfig(strings.NewReader(string(raw)))
	require.NoError(t, err)
	require.Equal(t, model.DefaultConcurrency, model.Get(loaded.Engine.Concurrency))
	require.Len(t, loaded.Tools, 3)
}

func TestScan_Request(t *testing.T) {
	t.Parallel()
	retries := 1
	scan := model.Scan{
		Name:        "dmz",
		Targets:     []string{"10.0.0.0/30"},
		Exclude:     []string{"10.0.0.1"},
		Tools:       []string{"nmap"},
		UnitTimeout: model.DurationOf(30 * time.Second),
		MaxRetries:  &retries,
	}
	req, err := scan.Request()
	require.NoError(t, err)
	require.Equal(t, model.Request{
		Name:    "dmz",
		Targets: model.TargetSpec{Targets: []string{"10.0.0.0/30"}, Exclude: []string{"10.0.0.1"}},
		Tools:   []string{"nmap"},
		Options: model.Options{UnitTimeout: 30 * time.Second, MaxRetries: &retries},
	}, req)

	bad := model.Duration("soon")
	scan.JobTimeout = &bad
	_, err = scan.Request()
	require.Error(t, err)
}

func TestCueErrDetails_Enum(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		path     string
		then     string
	}{
		{
			scenario: "tool kind",
			given:    "tools:\n  - id: ssh\n    kind: ssh\nservice:\n  mode: manual\n",
			path:     "tools.0.kind",
			then:     "possible values (exec,nmap,gitleaks,tls)",
		},
		{
			scenario: "tool output",
			given:    "tools:\n  - id: x\n    kind: exec\n    output: xml\nservice:\n  mode: manual\n",
			path:     "tools.0.output",
			then:     "possible values (findings-json,gitleaks,lines,nikto,nmap,tls)",
		},
		{
			scenario: "target kind",
			given:    "tools:\n  - id: x\n    kind: exec\n    targets: [cidr]\nservice:\n  mode: manual\n",
			path:     "tools.0.targets.0",
			then:     "possible values (ip,hostname,url)",
		},
		{
			scenario: "log output",
			given:    "service:\n  mode: manual\n  log: syslog\n",
			path:     "service.log",
			then:     "possible values (stderr,stdout,discard) or a file path",
		},
		{
			scenario: "service mode",
			given:    "service:\n  mode: cron\n",
			path:     "service.mode",
			then:     "possible values (manual,timer) (default manual)",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader("version: 0\n" + tc.given))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			idx := slices.IndexFunc(details, func(d model.CueErrorDetail) bool { return d.Path == tc.path })
			require.GreaterOrEqual(t, idx, 0, "details: %+v", details)
			require.Equal(t, "invalid_enum", details[idx].Code)
			require.Contains(t, details[idx].Message, tc.then)
			require.Equal(t, "config.yaml", details[idx].Pos.Filename)
		})
	}
}

func TestLoadConfig_LogFile(t *testing.T) {
	t.Parallel()
	cfg, err := model.LoadConfig(strings.NewReader("version: 0\nservice:\n  mode: timer\n  log: /var/log/warden.log\n"))
	require.NoError(t, err)
	require.Equal(t, "/var/log/warden.log", model.Get(cfg.Service.Log))
}
