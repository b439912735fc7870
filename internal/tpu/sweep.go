package tpu

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// scanCommand lists PIDs whose memory map references the accelerator
// device, one per line on stdout.
const scanCommand = "ps aux | grep -E 'python|jax|tensorflow' | " +
	"grep -v grep | awk '{print $2}' | " +
	"while read pid; do " +
	"  if [ -d /proc/$pid ] && grep -q 'accel' /proc/$pid/maps 2>/dev/null; then " +
	"    echo $pid;" +
	"  fi; " +
	"done"

// cleanupCommands is run in order on every worker that had processes
// killed. Individual failures do not stop the sequence.
var cleanupCommands = []string{
	"sudo rm -f /tmp/libtpu_lockfile",
	"sudo rmmod tpu || true",
	"sudo modprobe tpu || true",
}

// ProcessRecord ties a discovered accelerator process to its worker. It
// lives only for the duration of a sweep.
type ProcessRecord struct {
	Worker int
	PID    int
}

// Records flattens a scan result into per-process records ordered by
// worker then PID.
func Records(procs map[int][]int) []ProcessRecord {
	var out []ProcessRecord
	for _, worker := range sortedWorkers(procs) {
		for _, pid := range procs[worker] {
			out = append(out, ProcessRecord{Worker: worker, PID: pid})
		}
	}
	return out
}

// KillResult reports one termination attempt.
type KillResult struct {
	Worker int
	PID    int
	OK     bool
	Detail string
}

// CleanupResult reports one remediation command on one worker.
type CleanupResult struct {
	Worker  int
	Command string
	OK      bool
	Detail  string
}

// Sweeper discovers and terminates accelerator processes across all
// workers of a slice. Every phase fans out concurrently and reports
// partial failure as data rather than aborting.
type Sweeper struct {
	exec commandExecutor
	log  zerolog.Logger
}

// NewSweeper returns a sweeper executing through exec.
func NewSweeper(exec commandExecutor, log zerolog.Logger) *Sweeper {
	return &Sweeper{exec: exec, log: log}
}

// Scan runs the discovery pipeline on every worker concurrently and
// returns the PIDs found per worker. Workers with no processes, and
// workers whose scan failed, are absent from the result.
func (s *Sweeper) Scan(ctx context.Context, target WorkerTarget, workers []int) map[int][]int {
	results := fanOut(ctx, workers, func(ctx context.Context, worker int) ([]int, error) {
		outcome, err := s.exec.Execute(ctx, CommandSpec{
			Text:   scanCommand,
			Target: target.ForWorker(worker),
			Mode:   Captured,
		})
		if err != nil {
			return nil, err
		}
		if !outcome.OK() {
			return nil, fmt.Errorf("scan exited %d: %s", outcome.ExitCode, strings.TrimSpace(outcome.Stderr))
		}
		return parsePIDList(outcome.Stdout), nil
	})

	found := make(map[int][]int)
	for worker, res := range results {
		if res.Err != nil {
			s.log.Warn().Err(res.Err).Int("worker", worker).Msg("process scan failed")
			continue
		}
		if len(res.Value) > 0 {
			found[worker] = res.Value
		}
	}
	return found
}

// FilterPIDs intersects each worker's discovered PIDs with keep; workers
// left with an empty set are dropped. An empty keep set means no filtering.
func FilterPIDs(procs map[int][]int, keep []int) map[int][]int {
	if len(keep) == 0 {
		return procs
	}
	wanted := make(map[int]bool, len(keep))
	for _, pid := range keep {
		wanted[pid] = true
	}
	filtered := make(map[int][]int)
	for worker, pids := range procs {
		var matching []int
		for _, pid := range pids {
			if wanted[pid] {
				matching = append(matching, pid)
			}
		}
		if len(matching) > 0 {
			filtered[worker] = matching
		}
	}
	return filtered
}

// Kill issues a termination command for every (worker, pid) pair, workers
// in parallel, and records success or failure per PID. force selects
// SIGKILL over the default SIGTERM.
func (s *Sweeper) Kill(ctx context.Context, target WorkerTarget, procs map[int][]int, force bool) []KillResult {
	workers := sortedWorkers(procs)
	results := fanOut(ctx, workers, func(ctx context.Context, worker int) ([]KillResult, error) {
		var out []KillResult
		for _, pid := range procs[worker] {
			outcome, err := s.exec.Execute(ctx, CommandSpec{
				Text:   fmt.Sprintf("kill %s %d", signalFlag(force), pid),
				Target: target.ForWorker(worker),
				Mode:   Captured,
			})
			kr := KillResult{Worker: worker, PID: pid}
			switch {
			case err != nil:
				kr.Detail = err.Error()
			case outcome.OK():
				kr.OK = true
			default:
				kr.Detail = strings.TrimSpace(outcome.Stderr)
			}
			out = append(out, kr)
		}
		return out, nil
	})

	var all []KillResult
	for _, worker := range workers {
		all = append(all, results[worker].Value...)
	}
	return all
}

// Cleanup runs the remediation sequence on each worker concurrently,
// continuing past individual command failures.
func (s *Sweeper) Cleanup(ctx context.Context, target WorkerTarget, workers []int) []CleanupResult {
	results := fanOut(ctx, workers, func(ctx context.Context, worker int) ([]CleanupResult, error) {
		var out []CleanupResult
		for _, command := range cleanupCommands {
			outcome, err := s.exec.Execute(ctx, CommandSpec{
				Text:   command,
				Target: target.ForWorker(worker),
				Mode:   Captured,
			})
			cr := CleanupResult{Worker: worker, Command: command}
			switch {
			case err != nil:
				cr.Detail = err.Error()
			case outcome.OK():
				cr.OK = true
			default:
				cr.Detail = strings.TrimSpace(outcome.Stderr)
			}
			out = append(out, cr)
		}
		s.log.Debug().Int("worker", worker).Msg("cleaned up accelerator resources")
		return out, nil
	})

	var all []CleanupResult
	for _, worker := range sortedInts(workers) {
		all = append(all, results[worker].Value...)
	}
	return all
}

// signalFlag maps the force option to the kill signal: SIGTERM by default,
// SIGKILL when forced.
func signalFlag(force bool) string {
	if force {
		return "-9"
	}
	return "-15"
}

func parsePIDList(out string) []int {
	var pids []int
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

func sortedWorkers(procs map[int][]int) []int {
	workers := make([]int, 0, len(procs))
	for worker := range procs {
		workers = append(workers, worker)
	}
	sort.Ints(workers)
	return workers
}

func sortedInts(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	return out
}
