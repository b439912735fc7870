package tpu

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RunStatus is the terminal state of one logical command run.
type RunStatus int

const (
	// StatusSucceeded means an attempt exited zero (or a background launch
	// succeeded).
	StatusSucceeded RunStatus = iota
	// StatusExhausted means every allowed attempt failed or timed out.
	StatusExhausted
	// StatusAborted means a non-retryable error ended the run early.
	StatusAborted
)

func (s RunStatus) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusExhausted:
		return "exhausted"
	default:
		return "aborted"
	}
}

// FailureKind classifies one failed attempt.
type FailureKind int

const (
	// RemoteExitFailure: the remote command ran and returned nonzero.
	RemoteExitFailure FailureKind = iota
	// TimeoutFailure: the attempt exceeded its deadline. The remote process
	// may still be running; cancellation does not reach it.
	TimeoutFailure
	// LaunchFailure: the local process spawn itself failed. Never retried.
	LaunchFailure
)

func (k FailureKind) String() string {
	switch k {
	case TimeoutFailure:
		return "timeout"
	case LaunchFailure:
		return "launch failure"
	default:
		return "remote exit failure"
	}
}

// AttemptFailure records one failed attempt for history and error logging.
type AttemptFailure struct {
	Attempt int
	Kind    FailureKind
	Detail  string
	Outcome *CommandOutcome // nil when the attempt produced no outcome
}

// RetryPolicy governs how often and how patiently a command is retried.
type RetryPolicy struct {
	MaxAttempts int           // at least 1 attempt is always made
	Delay       time.Duration // suspension between attempts, none after the last
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// RunReport is the controller's verdict over all attempts of one command.
type RunReport struct {
	Status   RunStatus
	Outcome  CommandOutcome // last outcome observed; zero value if none
	Failures []AttemptFailure
	Attempts int
}

// LastFailure returns the most recent failure record, if any.
func (r RunReport) LastFailure() (AttemptFailure, bool) {
	if len(r.Failures) == 0 {
		return AttemptFailure{}, false
	}
	return r.Failures[len(r.Failures)-1], true
}

// commandExecutor is the unit of work the controller retries.
type commandExecutor interface {
	Execute(ctx context.Context, spec CommandSpec) (CommandOutcome, error)
}

// Controller drives one logical command through bounded retries with a
// per-attempt deadline.
type Controller struct {
	exec  commandExecutor
	sleep func(ctx context.Context, d time.Duration) error
	log   zerolog.Logger
}

// NewController wraps exec in the retry/timeout policy machinery.
func NewController(exec commandExecutor, log zerolog.Logger) *Controller {
	return &Controller{exec: exec, sleep: sleepCtx, log: log}
}

// Run executes spec until it succeeds, the policy is exhausted, or a
// non-retryable error aborts it. Nonzero exits and timeouts are retried;
// launch failures and other runtime errors are not. Background commands
// succeed as soon as the launch wrapper exits zero.
func (c *Controller) Run(ctx context.Context, spec CommandSpec, policy RetryPolicy) RunReport {
	policy = policy.normalized()
	var report RunReport
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		report.Attempts = attempt
		outcome, err := c.attempt(ctx, spec)
		switch {
		case err == nil && outcome.OK():
			report.Status = StatusSucceeded
			report.Outcome = outcome
			return report
		case err == nil:
			report.Outcome = outcome
			failed := outcome
			report.Failures = append(report.Failures, AttemptFailure{
				Attempt: attempt,
				Kind:    RemoteExitFailure,
				Detail:  strings.TrimSpace(failed.Stderr),
				Outcome: &failed,
			})
			c.log.Warn().
				Int("attempt", attempt).
				Int("max_attempts", policy.MaxAttempts).
				Int("exit_code", outcome.ExitCode).
				Msg("remote command failed")
		case errors.Is(err, context.DeadlineExceeded):
			// The local gcloud process was killed; the remote process may
			// keep running. Known limitation.
			report.Failures = append(report.Failures, AttemptFailure{
				Attempt: attempt,
				Kind:    TimeoutFailure,
				Detail:  "command timed out after " + spec.Timeout.String(),
			})
			c.log.Warn().
				Int("attempt", attempt).
				Dur("timeout", spec.Timeout).
				Msg("remote command timed out")
		default:
			report.Failures = append(report.Failures, AttemptFailure{
				Attempt: attempt,
				Kind:    LaunchFailure,
				Detail:  err.Error(),
			})
			report.Status = StatusAborted
			c.log.Error().Err(err).Int("attempt", attempt).Msg("command aborted")
			return report
		}
		if attempt < policy.MaxAttempts {
			c.log.Info().
				Dur("delay", policy.Delay).
				Int("next_attempt", attempt+1).
				Msg("retrying command")
			if err := c.sleep(ctx, policy.Delay); err != nil {
				report.Status = StatusAborted
				return report
			}
		}
	}
	report.Status = StatusExhausted
	return report
}

func (c *Controller) attempt(ctx context.Context, spec CommandSpec) (CommandOutcome, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	return c.exec.Execute(ctx, spec)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
