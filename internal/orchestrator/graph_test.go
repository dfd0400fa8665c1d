package orchestrator

import (
	"errors"
	"testing"

	"github.com/Trialogic/TrialSync-ETL/internal/catalog"
)

func job(id int64, deps ...int64) *catalog.Job {
	return &catalog.Job{ID: id, Active: true, DependsOn: deps}
}

func TestTopologicalBatchesLinearChain(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	jobs := []*catalog.Job{job(1), job(2, 1), job(3, 2)}

	batches, err := TopologicalBatches(jobs)
	if err != nil {
		t.Fatalf("TopologicalBatches() error = %v", err)
	}

	want := [][]int64{{1}, {2}, {3}}
	if !batchesEqual(batches, want) {
		t.Errorf("batches = %v, want %v", batches, want)
	}
}

func TestTopologicalBatchesParallelLevel(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	jobs := []*catalog.Job{job(1), job(2), job(3, 1, 2)}

	batches, err := TopologicalBatches(jobs)
	if err != nil {
		t.Fatalf("TopologicalBatches() error = %v", err)
	}

	want := [][]int64{{1, 2}, {3}}
	if !batchesEqual(batches, want) {
		t.Errorf("batches = %v, want %v", batches, want)
	}
}

func TestTopologicalBatchesDetectsCycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	jobs := []*catalog.Job{job(1, 2), job(2, 1)}

	_, err := TopologicalBatches(jobs)

	var cycleErr *ErrCycleDetected
	if !errors.As(err, &cycleErr) {
		t.Fatalf("err = %v, want *ErrCycleDetected", err)
	}

	if len(cycleErr.Cycle) != 2 {
		t.Errorf("Cycle = %v, want both job ids", cycleErr.Cycle)
	}
}

func TestTopologicalBatchesRejectsUnknownDependency(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	jobs := []*catalog.Job{job(1, 999)}

	_, err := TopologicalBatches(jobs)
	if !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v, want ErrUnknownJob", err)
	}
}

func TestTransitiveDependentsFollowsChain(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	jobs := []*catalog.Job{job(1), job(2, 1), job(3, 2), job(4)}

	adj, _, err := buildGraph(jobs)
	if err != nil {
		t.Fatalf("buildGraph() error = %v", err)
	}

	got := transitiveDependents(adj, 1)

	want := map[int64]bool{2: true, 3: true}
	if len(got) != len(want) {
		t.Fatalf("transitiveDependents = %v, want %v", got, want)
	}

	for _, id := range got {
		if !want[id] {
			t.Errorf("unexpected dependent %d", id)
		}
	}
}

func batchesEqual(a, b [][]int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}

		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}

	return true
}
