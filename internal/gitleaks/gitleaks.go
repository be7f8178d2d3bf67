// Package gitleaks is the built-in secret exposure adapter. It fetches the
// body of a URL target and runs the default gitleaks rule set on it.
package gitleaks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Warden/internal/adapter"
	"github.com/CZERTAINLY/Warden/internal/model"

	"github.com/zricethezav/gitleaks/v8/detect"
)

const (
	// OutputName is the parser of the adapter output.
	OutputName = "gitleaks"
	// MaxBody caps the number of bytes read from a target.
	MaxBody = 8 << 20
)

// Leak is a single exposed secret, the secret itself is redacted.
type Leak struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	URL         string `json:"url"`
	StartLine   int    `json:"start_line"`
	Match       string `json:"match"`
}

type Scanner struct {
	desc   model.ToolDescriptor
	client *http.Client
	pool   sync.Pool
	mx     sync.Mutex
}

// New creates the adapter. A nil client means http.DefaultClient.
func New(cfg model.Tool, client *http.Client) (*Scanner, error) {
	desc, err := adapter.Descriptor(cfg)
	if err != nil {
		return nil, err
	}
	desc.Output = OutputName
	if cfg.Output != nil {
		desc.Output = *cfg.Output
	}
	desc.Targets = []model.TargetKind{model.TargetURL}
	desc.Available = true
	desc.Version = adapter.ModuleVersion("github.com/zricethezav/gitleaks/v8")

	first, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating new gitleaks detector: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	d := &Scanner{desc: desc, client: client}
	d.pool = sync.Pool{
		New: func() any {
			d.mx.Lock()
			defer d.mx.Unlock()
			detector, err := detect.NewDetectorDefaultConfig()
			if err != nil {
				panic(err)
			}
			return detector
		},
	}
	d.pool.Put(first)
	return d, nil
}

func (d *Scanner) Descriptor() model.ToolDescriptor {
	return d.desc
}

// Invoke is SAFE to be called from multiple goroutines.
func (d *Scanner) Invoke(ctx context.Context, target model.Target, _ adapter.Options) ([]byte, error) {
	body, err := d.fetch(ctx, target.Value)
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	if err != nil {
		return nil, err
	}
	leaks, err := d.Scan(ctx, body, target.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(leaks)
}

func (d *Scanner) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, adapter.Permanent(err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, adapter.Transient(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500:
		return nil, adapter.Transient(fmt.Errorf("GET %s: %s", url, resp.Status))
	case resp.StatusCode >= 400:
		return nil, adapter.Permanent(fmt.Errorf("GET %s: %s", url, resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBody))
	if err != nil {
		return nil, adapter.Transient(fmt.Errorf("reading body: %w", err))
	}
	return body, nil
}

// Scan runs the gitleaks detector over b.
func (d *Scanner) Scan(ctx context.Context, b []byte, url string) ([]Leak, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	default:
	}

	detector := d.pool.Get().(*detect.Detector)
	defer d.pool.Put(detector)

	ret := []Leak{}
	for _, finding := range detector.DetectString(string(b)) {
		ret = append(ret, Leak{
			RuleID:      finding.RuleID,
			Description: finding.Description,
			URL:         url,
			StartLine:   finding.StartLine,
			Match:       redact(finding.Match, finding.Secret),
		})
	}
	return ret, nil
}

func redact(match, secret string) string {
	if secret == "" {
		return match
	}
	keep := min(4, len(secret)/4)
	return strings.ReplaceAll(match, secret, secret[:keep]+strings.Repeat("*", 8))
}
