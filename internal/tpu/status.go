package tpu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrStatusQuery marks a failed describe round trip. Status queries gate
// fan-out sizing, so they are never retried.
var ErrStatusQuery = errors.New("slice status query failed")

// NetworkEndpoint is one worker-addressable endpoint of the slice.
type NetworkEndpoint struct {
	IPAddress string `json:"ipAddress"`
	Port      int    `json:"port"`
}

// SliceStatus is the structured descriptor returned by the describe
// subcommand.
type SliceStatus struct {
	Name             string            `json:"name"`
	State            string            `json:"state"`
	AcceleratorType  string            `json:"acceleratorType"`
	Network          string            `json:"network"`
	APIVersion       string            `json:"apiVersion"`
	NetworkEndpoints []NetworkEndpoint `json:"networkEndpoints"`
}

// WorkerCount derives the number of addressable workers from the endpoint
// list. A slice that reports no endpoints is treated as a single worker.
func (s SliceStatus) WorkerCount() int {
	if len(s.NetworkEndpoints) == 0 {
		return 1
	}
	return len(s.NetworkEndpoints)
}

// WorkerIndices returns the selector values used for fan-out. The mapping
// assumes endpoints correspond to the contiguous selectors 0..n-1 accepted
// by the ssh subcommand; a backend with different selector semantics needs
// to change only this method.
func (s SliceStatus) WorkerIndices() []int {
	n := s.WorkerCount()
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

func describeArgv(target WorkerTarget) []string {
	return []string{
		gcloudBin, "compute", "tpus", "describe", target.SliceName,
		"--zone=" + target.Zone,
		"--project=" + target.Project,
		"--format=json",
	}
}

// Describe fetches the slice descriptor in one synchronous round trip.
// Any failure, including a nonzero gcloud exit, is a hard ErrStatusQuery.
func (e *Executor) Describe(ctx context.Context, target WorkerTarget) (SliceStatus, error) {
	e.log.Debug().Str("slice", target.SliceName).Msg("fetching slice status")
	stdout, stderr, code, err := e.runner.Capture(ctx, describeArgv(target))
	if err != nil {
		return SliceStatus{}, fmt.Errorf("%w: %v", ErrStatusQuery, err)
	}
	if code != 0 {
		return SliceStatus{}, fmt.Errorf("%w: gcloud exited %d: %s", ErrStatusQuery, code, strings.TrimSpace(stderr))
	}
	var status SliceStatus
	if err := json.Unmarshal([]byte(stdout), &status); err != nil {
		return SliceStatus{}, fmt.Errorf("%w: parse descriptor: %v", ErrStatusQuery, err)
	}
	return status, nil
}
