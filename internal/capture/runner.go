package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
)

// Runner launches and supervises a recorder subprocess. The process is
// asked to stop gracefully when the context is cancelled; a recorder
// that ignores the interrupt is killed after the grace timeout.
type Runner struct {
	grace time.Duration
	poll  time.Duration
	log   *slog.Logger
}

func NewRunner(cfg config.RecorderConfig, log *slog.Logger) *Runner {
	return &Runner{
		grace: time.Duration(cfg.GraceTimeoutMS) * time.Millisecond,
		poll:  time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		log:   log.With("component", "capture"),
	}
}

// Run starts the recorder and blocks until the process exits or the
// context is cancelled. Cancellation triggers graceful termination. A
// non-zero exit code is reported in the logs but is not an error:
// whether the session produced usable output is decided by the caller
// from the output file, not from the exit status.
func (r *Runner) Run(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty recorder command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start recorder %q: %w", argv[0], err)
	}
	r.log.Info("recorder started", "pid", cmd.Process.Pid, "binary", argv[0])

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		r.logExit(err)
		return nil
	case <-ctx.Done():
		r.terminate(cmd, done)
		return nil
	}
}

// terminate asks the process to stop, waits out the grace period, then
// kills it. A process still lingering after the kill is logged and
// abandoned so shutdown can proceed.
func (r *Runner) terminate(cmd *exec.Cmd, done chan error) {
	r.log.Info("stopping recorder", "pid", cmd.Process.Pid)
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		r.log.Warn("interrupt failed, killing recorder", "error", err)
		_ = cmd.Process.Kill()
	}

	select {
	case err := <-done:
		r.logExit(err)
		return
	case <-time.After(r.grace):
		r.log.Warn("recorder ignored interrupt, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
	}

	// Killed processes reap fast; one poll interval is plenty.
	select {
	case err := <-done:
		r.logExit(err)
	case <-time.After(r.poll):
		r.log.Error("recorder did not exit after kill", "pid", cmd.Process.Pid)
	}
}

func (r *Runner) logExit(err error) {
	if err != nil {
		r.log.Info("recorder exited", "error", err)
		return
	}
	r.log.Info("recorder exited cleanly")
}
