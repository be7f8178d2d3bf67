package adapter

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("process not started")
	ErrInProgress = errors.New("process in progress")
)

type StderrFunc func(ctx context.Context, line string)

// Runner drives a single subprocess at a time. On context cancellation the
// process gets an interrupt and is killed once Grace elapses.
type Runner struct {
	mx     sync.Mutex
	cmd    *exec.Cmd
	result Result
	waits  []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path  string
	Args  []string
	Env   []string
	Grace time.Duration // interrupt to kill delay, 0 kills immediately
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// ExitCode returns the exit code or -1 if the process did not exit normally.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Start runs the process and returns once it was started. Use WaitChan or
// Wait to obtain the result.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = append([]string(nil), proto.Env...)
	if proto.Grace > 0 {
		cmd.Cancel = func() error {
			return cmd.Process.Signal(os.Interrupt)
		}
		cmd.WaitDelay = proto.Grace
	}

	var stderr *lineWriter
	if stderrFunc != nil {
		stderr = &lineWriter{ctx: ctx, fn: stderrFunc}
		cmd.Stderr = stderr
	}
	var buf bytes.Buffer
	r.result.Stdout = &buf
	cmd.Stdout = &buf

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	r.cmd = cmd

	go r.wait(ctx, cmd, stderr)
	return nil
}

// lineWriter splits stderr into lines. os/exec copies into it from a single
// goroutine, which ends before Wait returns.
type lineWriter struct {
	ctx  context.Context
	fn   StderrFunc
	part []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.part = append(w.part, p...)
	for {
		i := bytes.IndexByte(w.part, '\n')
		if i < 0 {
			break
		}
		w.fn(w.ctx, string(bytes.TrimSuffix(w.part[:i], []byte("\r"))))
		w.part = w.part[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.part) > 0 {
		w.fn(w.ctx, string(w.part))
		w.part = nil
	}
}

func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, stderr *lineWriter) {
	err := cmd.Wait()
	if stderr != nil {
		stderr.flush()
	}
	if err != nil && errors.Is(err, exec.ErrWaitDelay) {
		slog.WarnContext(ctx, "process output not closed after kill", "path", cmd.Path)
	}
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// WaitChan returns the channel obtaining the result of a running
// program. The channel is closed once program ends.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// Result returns a last command result or a result with
// ErrNotStarted/ErrInProgress.
func (r *Runner) Result() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		ret := r.result
		ret.Err = ErrInProgress
		return ret
	}
	return r.result
}

// Run starts the command and waits for it to finish.
func Run(ctx context.Context, cmd Command, stderrFunc StderrFunc) Result {
	r := NewRunner()
	if err := r.Start(ctx, cmd, stderrFunc); err != nil {
		return r.Result()
	}
	return <-r.WaitChan()
}
