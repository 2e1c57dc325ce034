package cron

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestService(t *testing.T, handler Handler) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.json")
	return NewService(path, handler, nil)
}

// setClock pins the service clock to a fixed instant.
func setClock(s *Service, at time.Time) {
	s.now = func() time.Time { return at }
}

func TestEveryScheduleFiresOncePerPeriod(t *testing.T) {
	var fired int
	svc := newTestService(t, func(ctx context.Context, job Job) error {
		fired++
		return nil
	})
	svc.jobs = []Job{{
		ID:       "j1",
		Name:     "ping",
		Enabled:  true,
		Schedule: Schedule{Kind: KindEvery, EveryMS: 1000},
		Payload:  Payload{Message: "ping"},
	}}

	setClock(svc, time.UnixMilli(1500))
	svc.tick(context.Background())
	if fired != 1 {
		t.Fatalf("fired = %d at 1500ms, want 1", fired)
	}
	if lr := svc.jobs[0].State.LastRunAtMS; lr < 1500 {
		t.Errorf("last_run = %d, want >= 1500", lr)
	}

	// Same instant again: not due.
	svc.tick(context.Background())
	if fired != 1 {
		t.Fatalf("fired = %d on repeated tick, want 1", fired)
	}

	// Inside the period: not due.
	setClock(svc, time.UnixMilli(2000))
	svc.tick(context.Background())
	if fired != 1 {
		t.Fatalf("fired = %d at 2000ms, want 1", fired)
	}

	// Past last_run + period: due again.
	setClock(svc, time.UnixMilli(2600))
	svc.tick(context.Background())
	if fired != 2 {
		t.Fatalf("fired = %d at 2600ms, want 2", fired)
	}
}

func TestAtScheduleFiresOnceThenDisables(t *testing.T) {
	var fired int
	svc := newTestService(t, func(ctx context.Context, job Job) error {
		fired++
		return nil
	})
	svc.jobs = []Job{{
		ID:       "j1",
		Enabled:  true,
		Schedule: Schedule{Kind: KindAt, AtMS: 5000},
	}}

	setClock(svc, time.UnixMilli(4000))
	svc.tick(context.Background())
	if fired != 0 {
		t.Fatalf("fired before the instant")
	}

	setClock(svc, time.UnixMilli(5000))
	svc.tick(context.Background())
	if fired != 1 {
		t.Fatalf("fired = %d at the instant, want 1", fired)
	}
	if svc.jobs[0].Enabled {
		t.Error("at job still enabled after firing")
	}

	setClock(svc, time.UnixMilli(6000))
	svc.tick(context.Background())
	if fired != 1 {
		t.Fatalf("disabled at job refired")
	}
}

func TestCronScheduleNextAfterStart(t *testing.T) {
	var fired int
	svc := newTestService(t, func(ctx context.Context, job Job) error {
		fired++
		return nil
	})
	start := time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)
	svc.startTime = start
	svc.jobs = []Job{{
		ID:       "j1",
		Enabled:  true,
		Schedule: Schedule{Kind: KindCron, Expr: "* * * * *"},
	}}

	// Next tick after 12:00:30 is 12:01:00.
	setClock(svc, start.Add(29*time.Second))
	svc.tick(context.Background())
	if fired != 0 {
		t.Fatalf("fired before the minute boundary")
	}

	boundary := time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC)
	setClock(svc, boundary)
	svc.tick(context.Background())
	if fired != 1 {
		t.Fatalf("fired = %d at the boundary, want 1", fired)
	}

	// last_run now gates the next window.
	setClock(svc, boundary.Add(30*time.Second))
	svc.tick(context.Background())
	if fired != 1 {
		t.Fatalf("fired mid-minute after a run")
	}
	setClock(svc, boundary.Add(time.Minute))
	svc.tick(context.Background())
	if fired != 2 {
		t.Fatalf("fired = %d at the next boundary, want 2", fired)
	}
}

func TestHandlerErrorRecordedAndLastRunStamped(t *testing.T) {
	svc := newTestService(t, func(ctx context.Context, job Job) error {
		return errors.New("boom")
	})
	svc.jobs = []Job{{
		ID:       "j1",
		Enabled:  true,
		Schedule: Schedule{Kind: KindEvery, EveryMS: 1000},
	}}

	setClock(svc, time.UnixMilli(2000))
	svc.tick(context.Background())

	st := svc.jobs[0].State
	if st.LastStatus != "error" {
		t.Errorf("last_status = %q, want error", st.LastStatus)
	}
	if st.LastError != "boom" {
		t.Errorf("last_error = %q", st.LastError)
	}
	if st.LastRunAtMS != 2000 {
		t.Errorf("last_run = %d, want 2000", st.LastRunAtMS)
	}
}

func TestDeleteAfterRunRemovesJob(t *testing.T) {
	svc := newTestService(t, func(ctx context.Context, job Job) error { return nil })
	svc.jobs = []Job{
		{ID: "keep", Enabled: true, Schedule: Schedule{Kind: KindEvery, EveryMS: 60000}},
		{ID: "once", Enabled: true, Schedule: Schedule{Kind: KindAt, AtMS: 1000}, DeleteAfterRun: true},
	}

	setClock(svc, time.UnixMilli(1500))
	svc.tick(context.Background())

	jobs := svc.List()
	if len(jobs) != 1 || jobs[0].ID != "keep" {
		t.Fatalf("jobs after delete_after_run = %+v", jobs)
	}

	// The removal must be in the store too.
	saved, err := loadJobs(svc.storePath)
	if err != nil {
		t.Fatalf("loadJobs: %v", err)
	}
	if len(saved) != 1 || saved[0].ID != "keep" {
		t.Fatalf("persisted jobs = %+v", saved)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	svc := NewService(path, nil, nil)

	added, err := svc.Add(Job{
		Name:     "daily",
		Enabled:  true,
		Schedule: Schedule{Kind: KindCron, Expr: "0 9 * * *"},
		Payload:  Payload{Message: "morning summary", Deliver: true, Channel: "telegram", To: "42"},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added.ID == "" {
		t.Fatal("Add did not assign an id")
	}

	reloaded := NewService(path, nil, nil)
	if err := reloaded.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer reloaded.Stop()

	jobs := reloaded.List()
	if len(jobs) != 1 {
		t.Fatalf("reloaded %d jobs, want 1", len(jobs))
	}
	if jobs[0].ID != added.ID || jobs[0].Payload.To != "42" || jobs[0].Schedule.Expr != "0 9 * * *" {
		t.Errorf("reloaded job = %+v", jobs[0])
	}
}

func TestLoadAcceptsLegacyArrayStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	legacy := []Job{{ID: "old", Name: "legacy", Enabled: true, Schedule: Schedule{Kind: KindEvery, EveryMS: 5000}}}
	data, err := json.Marshal(legacy)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	jobs, err := loadJobs(path)
	if err != nil {
		t.Fatalf("loadJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "old" {
		t.Fatalf("legacy load = %+v", jobs)
	}
}

func TestAddRejectsBadSchedules(t *testing.T) {
	svc := newTestService(t, nil)
	bad := []Job{
		{Schedule: Schedule{Kind: KindCron, Expr: "not a cron"}},
		{Schedule: Schedule{Kind: KindEvery, EveryMS: 0}},
		{Schedule: Schedule{Kind: KindAt, AtMS: -1}},
		{Schedule: Schedule{Kind: "periodic"}},
	}
	for _, job := range bad {
		if _, err := svc.Add(job); err == nil {
			t.Errorf("Add(%+v) accepted an invalid schedule", job.Schedule)
		}
	}
	if got := len(svc.List()); got != 0 {
		t.Fatalf("invalid adds stored %d jobs", got)
	}
}

func TestEnableAndRemove(t *testing.T) {
	svc := newTestService(t, nil)
	added, err := svc.Add(Job{Enabled: true, Schedule: Schedule{Kind: KindEvery, EveryMS: 1000}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if !svc.Enable(added.ID, false) {
		t.Fatal("Enable returned false for a known id")
	}
	got, ok := svc.Get(added.ID)
	if !ok || got.Enabled {
		t.Fatalf("job not disabled: %+v", got)
	}

	if svc.Enable("missing", true) {
		t.Error("Enable returned true for an unknown id")
	}
	if !svc.Remove(added.ID) {
		t.Fatal("Remove returned false for a known id")
	}
	if svc.Remove(added.ID) {
		t.Error("Remove returned true for an already-removed id")
	}
}
