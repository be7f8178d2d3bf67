package adapter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"
)

// DefaultOutput is the parser of tools which do not declare one.
const DefaultOutput = "lines"

const stderrTail = 5

// Exec runs an external binary once per invocation. Arguments may contain
// {target}, {host} and {port} placeholders and {name} for every job argument.
type Exec struct {
	desc      model.ToolDescriptor
	args      []string
	permanent []int
	grace     time.Duration
}

// NewExec builds an adapter from a tool configuration. A binary missing from
// PATH does not fail the registration; the tool is marked unavailable and
// every invocation fails permanently. The version of an available binary is
// queried once, with version_args or --version.
func NewExec(cfg model.Tool, grace time.Duration) (*Exec, error) {
	desc, err := Descriptor(cfg)
	if err != nil {
		return nil, err
	}
	desc.Binary = cfg.ID
	if cfg.Binary != nil {
		desc.Binary = *cfg.Binary
	}
	if path, err := exec.LookPath(desc.Binary); err == nil {
		desc.Binary = path
		desc.Available = true
		desc.Version, err = Version(context.Background(), path, cfg.VersionArgs...)
		if err != nil {
			slog.Debug("tool version unknown", "tool", cfg.ID, "error", err)
		}
	}
	return &Exec{
		desc:      desc,
		args:      slices.Clone(cfg.Args),
		permanent: slices.Clone(cfg.PermanentExitCodes),
		grace:     grace,
	}, nil
}

// Descriptor converts the common part of a tool configuration.
func Descriptor(cfg model.Tool) (model.ToolDescriptor, error) {
	desc := model.ToolDescriptor{
		ID:     cfg.ID,
		Kind:   cfg.Kind,
		Output: DefaultOutput,
	}
	if cfg.Output != nil {
		desc.Output = *cfg.Output
	}
	for _, t := range cfg.Targets {
		desc.Targets = append(desc.Targets, model.TargetKind(t))
	}
	timeout, err := model.Get(cfg.Timeout).Or(0)
	if err != nil {
		return desc, fmt.Errorf("tool %s: %w", cfg.ID, err)
	}
	desc.DefaultTimeout = timeout
	return desc, nil
}

func (e *Exec) Descriptor() model.ToolDescriptor {
	return e.desc
}

func (e *Exec) Invoke(ctx context.Context, target model.Target, opts Options) ([]byte, error) {
	if !e.desc.Available {
		return nil, Permanent(fmt.Errorf("binary %s: %w", e.desc.Binary, exec.ErrNotFound))
	}

	var tail []string
	stderr := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "stderr", "line", line)
		tail = append(tail, line)
		if len(tail) > stderrTail {
			tail = tail[1:]
		}
	}

	res := Run(ctx, Command{
		Path:  e.desc.Binary,
		Args:  expand(e.args, target, opts.Args),
		Env:   []string{"LC_ALL=C"},
		Grace: e.grace,
	}, stderr)

	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	if res.Err == nil {
		return res.Stdout.Bytes(), nil
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(res.Err, exec.ErrNotFound), errors.Is(res.Err, fs.ErrNotExist), errors.Is(res.Err, fs.ErrPermission):
		return nil, Permanent(res.Err)
	case errors.As(res.Err, &exitErr) && slices.Contains(e.permanent, res.ExitCode()):
		return nil, Permanent(withStderr(res.Err, tail))
	default:
		return nil, Transient(withStderr(res.Err, tail))
	}
}

func withStderr(err error, tail []string) error {
	if len(tail) == 0 {
		return err
	}
	return fmt.Errorf("%w: %s", err, strings.Join(tail, "; "))
}

func expand(args []string, target model.Target, jobArgs map[string]string) []string {
	host, port := HostPort(target)
	pairs := []string{"{target}", target.Value, "{host}", host, "{port}", port}
	for k, v := range jobArgs {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	ret := make([]string, len(args))
	for i, a := range args {
		ret[i] = r.Replace(a)
	}
	return ret
}

// HostPort splits a target into host and port. Port is empty unless the
// target is a URL, where the scheme default applies.
func HostPort(target model.Target) (string, string) {
	if target.Kind != model.TargetURL {
		return target.Value, ""
	}
	u, err := url.Parse(target.Value)
	if err != nil {
		return target.Value, ""
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return u.Hostname(), port
}

// JoinHostPort is net.JoinHostPort for targets.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, fmt.Sprint(port))
}
