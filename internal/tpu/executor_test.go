package tpu

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeRunner records invocations and delegates to optional stubs so no
// gcloud binary is needed.
type fakeRunner struct {
	mu        sync.Mutex
	captures  [][]string
	streams   []string
	captureFn func(ctx context.Context, argv []string) (string, string, int, error)
	streamFn  func(ctx context.Context, line string) (int, error)
}

func (f *fakeRunner) Capture(ctx context.Context, argv []string) (string, string, int, error) {
	f.mu.Lock()
	f.captures = append(f.captures, argv)
	f.mu.Unlock()
	if f.captureFn != nil {
		return f.captureFn(ctx, argv)
	}
	return "", "", 0, nil
}

func (f *fakeRunner) Stream(ctx context.Context, line string, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	f.streams = append(f.streams, line)
	f.mu.Unlock()
	if f.streamFn != nil {
		return f.streamFn(ctx, line)
	}
	return 0, nil
}

func newTestExecutor(r Runner) *Executor {
	return &Executor{
		runner: r,
		stdout: io.Discard,
		stderr: io.Discard,
		now:    func() time.Time { return time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC) },
		log:    zerolog.Nop(),
	}
}

func testTarget(worker string) WorkerTarget {
	return WorkerTarget{Project: "proj", Zone: "us-central2-b", SliceName: "my-pod", Worker: worker}
}

func TestExecuteCapturedArgv(t *testing.T) {
	runner := &fakeRunner{}
	exec := newTestExecutor(runner)

	_, err := exec.Execute(context.Background(), CommandSpec{Text: "echo hi", Target: testTarget("3"), Mode: Captured})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	want := []string{
		"gcloud", "compute", "tpus", "tpu-vm", "ssh", "my-pod",
		"--zone=us-central2-b", "--worker=3", "--project=proj", "--command=echo hi",
	}
	if len(runner.captures) != 1 || !reflect.DeepEqual(runner.captures[0], want) {
		t.Errorf("captured argv = %v, want %v", runner.captures, want)
	}
}

func TestExecuteCapturedNonzeroExitIsOutcome(t *testing.T) {
	runner := &fakeRunner{captureFn: func(ctx context.Context, argv []string) (string, string, int, error) {
		return "partial", "boom", 2, nil
	}}
	exec := newTestExecutor(runner)

	outcome, err := exec.Execute(context.Background(), CommandSpec{Text: "false", Target: testTarget(WorkerAll), Mode: Captured})
	if err != nil {
		t.Fatalf("nonzero exit must not be an error, got %v", err)
	}
	if outcome.OK() || outcome.ExitCode != 2 || outcome.Stdout != "partial" || outcome.Stderr != "boom" {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
}

func TestExecuteLaunchFailureIsDistinct(t *testing.T) {
	runner := &fakeRunner{captureFn: func(ctx context.Context, argv []string) (string, string, int, error) {
		return "", "", -1, &LaunchError{Err: errors.New("executable not found")}
	}}
	exec := newTestExecutor(runner)

	_, err := exec.Execute(context.Background(), CommandSpec{Text: "echo hi", Target: testTarget(WorkerAll), Mode: Captured})
	if err == nil {
		t.Fatal("expected launch error")
	}
	if !IsLaunchFailure(err) {
		t.Errorf("IsLaunchFailure(%v) = false", err)
	}
}

func TestExecuteStreamedQuotesCommandLine(t *testing.T) {
	runner := &fakeRunner{}
	exec := newTestExecutor(runner)

	outcome, err := exec.Execute(context.Background(), CommandSpec{Text: "echo hello world", Target: testTarget(WorkerAll), Mode: Streamed})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !outcome.OK() {
		t.Errorf("expected exit 0, got %d", outcome.ExitCode)
	}
	if len(runner.streams) != 1 {
		t.Fatalf("expected one streamed run, got %d", len(runner.streams))
	}
	if !strings.Contains(runner.streams[0], `"--command=echo hello world"`) {
		t.Errorf("streamed line misquoted: %s", runner.streams[0])
	}
	if len(runner.captures) != 0 {
		t.Errorf("streamed mode must not capture, got %v", runner.captures)
	}
}

func TestExecuteBackgroundWrapsAndReturnsPID(t *testing.T) {
	runner := &fakeRunner{captureFn: func(ctx context.Context, argv []string) (string, string, int, error) {
		return " 1234\n", "", 0, nil
	}}
	exec := newTestExecutor(runner)

	outcome, err := exec.Execute(context.Background(), CommandSpec{Text: "sleep 9999", Target: testTarget(WorkerAll), Mode: Background})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if outcome.PID != "1234" {
		t.Errorf("PID = %q, want 1234", outcome.PID)
	}
	command := runner.captures[0][len(runner.captures[0])-1]
	want := "--command=nohup sleep 9999 > /tmp/nohup_20240102_150405.out 2>&1 & echo $!"
	if command != want {
		t.Errorf("background command = %q, want %q", command, want)
	}
}

func TestExecuteBackgroundFailedLaunchHasNoPID(t *testing.T) {
	runner := &fakeRunner{captureFn: func(ctx context.Context, argv []string) (string, string, int, error) {
		return "", "ssh refused", 255, nil
	}}
	exec := newTestExecutor(runner)

	outcome, err := exec.Execute(context.Background(), CommandSpec{Text: "sleep 1", Target: testTarget(WorkerAll), Mode: Background})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if outcome.OK() || outcome.PID != "" {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
}

func TestParseWorker(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"all", "all", false},
		{"0", "0", false},
		{"17", "17", false},
		{"-1", "", true},
		{"two", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseWorker(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseWorker(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseWorker(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
