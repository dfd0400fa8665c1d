package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Trialogic/TrialSync-ETL/internal/catalog"
)

func TestNormalizeCronDropsSecondsField(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cases := []struct {
		in   string
		want string
	}{
		{"0 */15 * * * *", "*/15 * * * *"},
		{"*/15 * * * *", "*/15 * * * *"},
		{"0 0 3 * * *", "0 3 * * *"},
		{"  0 0 3 * * *  ", "0 3 * * *"},
	}

	for _, tc := range cases {
		got := normalizeCron(tc.in)
		if got != tc.want {
			t.Errorf("normalizeCron(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

type listOnlyStore struct {
	jobs []*catalog.Job
}

func (s *listOnlyStore) GetJob(context.Context, int64) (*catalog.Job, error) { return nil, nil }
func (s *listOnlyStore) ListActiveJobs(context.Context) ([]*catalog.Job, error) {
	return s.jobs, nil
}
func (s *listOnlyStore) ListParameterValues(context.Context, string, string) ([]string, error) {
	return nil, nil
}
func (s *listOnlyStore) GetCredential(context.Context, int64) (*catalog.Credential, error) {
	return nil, nil
}
func (s *listOnlyStore) CreateRun(context.Context, int64, []byte) (int64, error) { return 0, nil }
func (s *listOnlyStore) UpdateRun(context.Context, catalog.RunUpdate) error      { return nil }
func (s *listOnlyStore) GetRun(context.Context, int64) (*catalog.Run, error)     { return nil, nil }
func (s *listOnlyStore) RecordSuccessWindow(context.Context, int64, string, time.Time) error {
	return nil
}
func (s *listOnlyStore) LastSuccessWindow(context.Context, int64, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

type countingRunner struct {
	mu       sync.Mutex
	started  int32
	running  int32
	maxInflt int32
	block    chan struct{}
}

func (r *countingRunner) RunJob(_ context.Context, _ int64) error {
	atomic.AddInt32(&r.started, 1)

	n := atomic.AddInt32(&r.running, 1)
	defer atomic.AddInt32(&r.running, -1)

	for {
		max := atomic.LoadInt32(&r.maxInflt)
		if n <= max || atomic.CompareAndSwapInt32(&r.maxInflt, max, n) {
			break
		}
	}

	if r.block != nil {
		<-r.block
	}

	return nil
}

func TestReloadSchedulesOnlyActiveCronJobs(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	jobs := []*catalog.Job{
		{ID: 1, Active: true, CronExpression: "*/5 * * * *"},
		{ID: 2, Active: true, CronExpression: ""},
		{ID: 3, Active: true, CronExpression: "0 */1 * * * *"},
	}

	s := New(&listOnlyStore{jobs: jobs}, &countingRunner{})

	n, err := s.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	if n != 2 {
		t.Errorf("scheduled = %d, want 2", n)
	}

	s.Stop()
}

func TestReloadRejectsInvalidCron(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	jobs := []*catalog.Job{{ID: 1, Active: true, CronExpression: "not a cron expression"}}

	s := New(&listOnlyStore{jobs: jobs}, &countingRunner{})

	_, err := s.Reload(context.Background())
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestDispatchCoalescesOverlappingTicks(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	block := make(chan struct{})
	runner := &countingRunner{block: block}

	s := New(&listOnlyStore{}, runner)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		s.dispatch(1)
	}()

	// Wait for the first dispatch to acquire the try-lock.
	for atomic.LoadInt32(&runner.running) == 0 {
		time.Sleep(time.Millisecond)
	}

	// A second tick for the same job should coalesce away immediately
	// rather than blocking or running concurrently.
	s.dispatch(1)

	close(block)
	wg.Wait()

	if got := atomic.LoadInt32(&runner.started); got != 1 {
		t.Errorf("started = %d, want 1 (second tick should coalesce)", got)
	}
}

func TestDispatchAllowsSequentialRunsAfterCompletion(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runner := &countingRunner{}
	s := New(&listOnlyStore{}, runner)

	s.dispatch(1)
	s.dispatch(1)

	if got := atomic.LoadInt32(&runner.started); got != 2 {
		t.Errorf("started = %d, want 2 (sequential ticks should both run)", got)
	}
}

func TestDispatchLocksArePerJob(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	block := make(chan struct{})
	runner := &countingRunner{block: block}

	s := New(&listOnlyStore{}, runner)

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		s.dispatch(1)
	}()

	go func() {
		defer wg.Done()
		s.dispatch(2)
	}()

	// Wait until both dispatches are in flight before releasing them.
	for atomic.LoadInt32(&runner.running) < 2 {
		time.Sleep(time.Millisecond)
	}

	close(block)
	wg.Wait()

	if got := atomic.LoadInt32(&runner.started); got != 2 {
		t.Errorf("started = %d, want 2 (distinct jobs dispatch independently)", got)
	}

	if runner.maxInflt < 2 {
		t.Errorf("maxInflt = %d, want jobs 1 and 2 to have run concurrently", runner.maxInflt)
	}
}
