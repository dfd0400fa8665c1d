// Package orchestrator builds a dependency graph over active catalog
// jobs and dispatches them batch by batch, cascading a skip to every
// transitive dependent of a failed job.
package orchestrator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Trialogic/TrialSync-ETL/internal/catalog"
)

// ErrCycleDetected is returned when the active job set contains a
// dependency cycle. Cycle carries the residual node set left over
// once Kahn's algorithm stalls, for debugging.
type ErrCycleDetected struct {
	Cycle []int64
}

func (e *ErrCycleDetected) Error() string {
	return fmt.Sprintf("orchestrator: cycle detected among jobs %v", e.Cycle)
}

// ErrUnknownJob is returned when a job declares a dependency on a job
// id outside the active set.
var ErrUnknownJob = errors.New("orchestrator: dependency references unknown job")

// buildGraph constructs an adjacency list (dependency -> dependents)
// and an in-degree count for each job, validating that every
// dependency reference resolves within jobs.
func buildGraph(jobs []*catalog.Job) (adj map[int64][]int64, indeg map[int64]int, err error) {
	ids := make(map[int64]bool, len(jobs))
	for _, j := range jobs {
		ids[j.ID] = true
	}

	adj = make(map[int64][]int64, len(jobs))
	indeg = make(map[int64]int, len(jobs))

	for _, j := range jobs {
		adj[j.ID] = nil
		indeg[j.ID] = 0
	}

	for _, j := range jobs {
		for _, dep := range j.DependsOn {
			if !ids[dep] {
				return nil, nil, fmt.Errorf("%w: job_id=%d", ErrUnknownJob, dep)
			}

			adj[dep] = append(adj[dep], j.ID)
			indeg[j.ID]++
		}
	}

	for id := range adj {
		adj[id] = dedupeSorted(adj[id])
	}

	return adj, indeg, nil
}

func dedupeSorted(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))

	out := ids[:0]

	for _, id := range ids {
		if !seen[id] {
			seen[id] = true

			out = append(out, id)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// TopologicalBatches groups jobs into level-by-level batches using
// Kahn's algorithm: a batch is every node whose in-degree reaches zero
// at the same step. Jobs within a batch carry no dependency on one
// another and may run concurrently; batch order must be respected.
func TopologicalBatches(jobs []*catalog.Job) ([][]int64, error) {
	adj, indeg, err := buildGraph(jobs)
	if err != nil {
		return nil, err
	}

	return batchesFromGraph(adj, indeg, len(jobs))
}

// batchesFromGraph runs Kahn's algorithm over an already-built graph,
// so callers that also need adj for cascade-skip computation (the
// orchestrator's Run) do not build the graph twice.
func batchesFromGraph(adj map[int64][]int64, indeg map[int64]int, jobCount int) ([][]int64, error) {
	var ready []int64

	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	var (
		batches   [][]int64
		processed int
	)

	for len(ready) > 0 {
		batch := ready
		batches = append(batches, batch)

		var next []int64

		for _, u := range batch {
			processed++

			for _, v := range adj[u] {
				indeg[v]--
				if indeg[v] == 0 {
					next = append(next, v)
				}
			}
		}

		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })

		ready = next
	}

	if processed != jobCount {
		var remaining []int64

		for id, d := range indeg {
			if d > 0 {
				remaining = append(remaining, id)
			}
		}

		sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })

		return nil, &ErrCycleDetected{Cycle: remaining}
	}

	return batches, nil
}

// transitiveDependents returns every job transitively downstream of
// failed, using adj (dependency -> dependents).
func transitiveDependents(adj map[int64][]int64, failed int64) []int64 {
	visited := make(map[int64]bool)

	var (
		out   []int64
		visit func(id int64)
	)

	visit = func(id int64) {
		for _, dependent := range adj[id] {
			if visited[dependent] {
				continue
			}

			visited[dependent] = true

			out = append(out, dependent)
			visit(dependent)
		}
	}

	visit(failed)

	return out
}
