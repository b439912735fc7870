package tpu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const gcloudBin = "gcloud"

// WorkerAll targets every worker of the slice in a single invocation.
const WorkerAll = "all"

// ExecMode selects how a remote command's process and output are handled.
type ExecMode int

const (
	// Captured waits for completion and collects stdout/stderr.
	Captured ExecMode = iota
	// Streamed inherits the caller's output streams so output appears
	// incrementally; only the exit code survives the run.
	Streamed
	// Background detaches the remote process from the SSH session and
	// returns its PID at launch time.
	Background
)

func (m ExecMode) String() string {
	switch m {
	case Streamed:
		return "streamed"
	case Background:
		return "background"
	default:
		return "captured"
	}
}

// WorkerTarget identifies where a command runs. Immutable once constructed.
type WorkerTarget struct {
	Project   string
	Zone      string
	SliceName string
	Worker    string // "all" or a non-negative worker index
}

// ForWorker returns a copy of the target addressing a single worker index.
func (t WorkerTarget) ForWorker(index int) WorkerTarget {
	t.Worker = strconv.Itoa(index)
	return t
}

// ParseWorker validates a worker selector: "all" or a base-10 non-negative
// integer. Anything else is rejected before it reaches gcloud.
func ParseWorker(s string) (string, error) {
	if s == WorkerAll {
		return s, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return "", fmt.Errorf("invalid worker selector %q: must be %q or a non-negative integer", s, WorkerAll)
	}
	return strconv.Itoa(n), nil
}

// CommandSpec describes one command to execute once.
type CommandSpec struct {
	Text   string
	Target WorkerTarget
	Mode   ExecMode
	// Timeout bounds a single attempt. Zero or negative means no deadline.
	// It is enforced by the retry controller, not by the executor.
	Timeout time.Duration
}

// CommandOutcome is the structured result of one execution. Exit code 0 is
// success; a process that could not launch at all yields no outcome and is
// reported as a *LaunchError instead.
type CommandOutcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	PID      string // set only for Background launches
}

// OK reports whether the remote command exited zero.
func (o CommandOutcome) OK() bool { return o.ExitCode == 0 }

// LaunchError reports that the local gcloud process could not be started,
// as opposed to running and returning a nonzero exit code.
type LaunchError struct{ Err error }

func (e *LaunchError) Error() string { return "launch gcloud: " + e.Err.Error() }
func (e *LaunchError) Unwrap() error { return e.Err }

// IsLaunchFailure reports whether err means the local process spawn failed.
func IsLaunchFailure(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

// Runner starts local child processes on behalf of the executor. Tests
// substitute a fake so no gcloud binary is required.
type Runner interface {
	// Capture runs argv to completion and returns its collected output and
	// exit code. A non-nil error means the process could not be started or
	// was cut off by ctx, never that it exited nonzero.
	Capture(ctx context.Context, argv []string) (stdout, stderr string, exitCode int, err error)
	// Stream runs a pre-quoted command line through the system shell with
	// the given writers attached.
	Stream(ctx context.Context, line string, stdout, stderr io.Writer) (exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Capture(ctx context.Context, argv []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out.String(), errOut.String(), -1, ctxErr
		}
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return out.String(), errOut.String(), exit.ExitCode(), nil
		}
		return "", "", -1, &LaunchError{Err: err}
	}
	return out.String(), errOut.String(), 0, nil
}

func (execRunner) Stream(ctx context.Context, line string, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return -1, ctxErr
		}
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return exit.ExitCode(), nil
		}
		return -1, &LaunchError{Err: err}
	}
	return 0, nil
}

// Executor launches remote commands against a slice through the gcloud CLI.
// All collaborators are injected so tests can run without a real slice.
type Executor struct {
	runner Runner
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
	log    zerolog.Logger
}

// NewExecutor returns an executor wired to the real process launcher and
// the calling process's output streams.
func NewExecutor(log zerolog.Logger) *Executor {
	return &Executor{
		runner: execRunner{},
		stdout: os.Stdout,
		stderr: os.Stderr,
		now:    time.Now,
		log:    log,
	}
}

// sshArgv assembles the remote-access invocation for one command.
func sshArgv(target WorkerTarget, command string) []string {
	return []string{
		gcloudBin, "compute", "tpus", "tpu-vm", "ssh", target.SliceName,
		"--zone=" + target.Zone,
		"--worker=" + target.Worker,
		"--project=" + target.Project,
		"--command=" + command,
	}
}

// backgroundWrap rewrites a command so the remote process survives the SSH
// session closing, with output redirected to a timestamped file and the
// spawned PID echoed on stdout.
func backgroundWrap(text string, now time.Time) string {
	return fmt.Sprintf("nohup %s > /tmp/nohup_%s.out 2>&1 & echo $!", text, now.Format("20060102_150405"))
}

// Execute runs one remote command according to spec.Mode and returns its
// structured outcome. A non-nil error means the command never ran (launch
// failure or cancellation); a nonzero exit code is outcome data.
func (e *Executor) Execute(ctx context.Context, spec CommandSpec) (CommandOutcome, error) {
	e.log.Debug().
		Str("worker", spec.Target.Worker).
		Str("mode", spec.Mode.String()).
		Str("command", spec.Text).
		Msg("executing remote command")
	switch spec.Mode {
	case Streamed:
		return e.executeStreamed(ctx, spec)
	case Background:
		return e.executeBackground(ctx, spec)
	default:
		return e.executeCaptured(ctx, spec)
	}
}

func (e *Executor) executeCaptured(ctx context.Context, spec CommandSpec) (CommandOutcome, error) {
	stdout, stderr, code, err := e.runner.Capture(ctx, sshArgv(spec.Target, spec.Text))
	if err != nil {
		return CommandOutcome{ExitCode: -1}, err
	}
	return CommandOutcome{ExitCode: code, Stdout: stdout, Stderr: stderr}, nil
}

func (e *Executor) executeStreamed(ctx context.Context, spec CommandSpec) (CommandOutcome, error) {
	// Output was already surfaced live, so only the exit code is returned.
	line := JoinCommandLine(sshArgv(spec.Target, spec.Text))
	code, err := e.runner.Stream(ctx, line, e.stdout, e.stderr)
	if err != nil {
		return CommandOutcome{ExitCode: -1}, err
	}
	return CommandOutcome{ExitCode: code}, nil
}

func (e *Executor) executeBackground(ctx context.Context, spec CommandSpec) (CommandOutcome, error) {
	wrapped := spec
	wrapped.Text = backgroundWrap(spec.Text, e.now())
	outcome, err := e.executeCaptured(ctx, wrapped)
	if err != nil {
		return outcome, err
	}
	if outcome.OK() {
		outcome.PID = strings.TrimSpace(outcome.Stdout)
		e.log.Info().Str("pid", outcome.PID).Msg("background process started")
	}
	return outcome, nil
}
