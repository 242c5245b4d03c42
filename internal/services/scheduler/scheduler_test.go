package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "postpilot/pkg/logx"

	"postpilot/internal/eventbus"
	"postpilot/internal/post"
	"postpilot/internal/store"
	"postpilot/internal/timeres"
)

var testNow = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC) // a Monday

// recordingDispatcher marks every platform succeeded and counts calls per job.
type recordingDispatcher struct {
	mu    sync.Mutex
	st    store.Store
	calls map[string]int
	fail  error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, j *post.Job) error {
	d.mu.Lock()
	if d.calls == nil {
		d.calls = map[string]int{}
	}
	d.calls[j.ID]++
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		return fail
	}
	for _, p := range j.Platforms {
		err := d.st.UpdateOutcome(ctx, j.ID, p,
			post.Outcome{State: post.OutcomeSucceeded, ExternalID: string(p) + "-1", Attempts: 1}, testNow)
		if err != nil {
			return err
		}
	}
	return nil
}

func newFixture(t *testing.T) (*Service, *store.Memory, *recordingDispatcher, eventbus.Bus) {
	t.Helper()
	st := store.NewMemory()
	d := &recordingDispatcher{st: st}
	bus := eventbus.New()
	svc := New(Config{}, st, d, timeres.New(time.UTC), bus, logx.Nop())
	svc.now = func() time.Time { return testNow }
	return svc, st, d, bus
}

func singlePlatformRequest(when string) Request {
	return Request{
		Platforms: []post.Platform{post.PlatformTwitter},
		Content:   map[post.Platform]string{post.PlatformTwitter: "hello"},
		When:      when,
	}
}

func TestScheduleResolvesExpression(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newFixture(t)

	j, err := svc.Schedule(context.Background(), singlePlatformRequest("in 2 hours"))
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	want := testNow.Add(2 * time.Hour)
	if !j.ScheduledAt.Equal(want) {
		t.Fatalf("scheduled_at = %v, want %v", j.ScheduledAt, want)
	}
	if j.Status != post.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", j.Status)
	}
}

func TestScheduleRejectsPastAndAmbiguous(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newFixture(t)
	ctx := context.Background()

	_, err := svc.Schedule(ctx, Request{
		Platforms: []post.Platform{post.PlatformTwitter},
		Content:   map[post.Platform]string{post.PlatformTwitter: "x"},
		At:        testNow.Add(-time.Hour),
	})
	if !errors.Is(err, ErrPastSchedule) {
		t.Fatalf("err = %v, want ErrPastSchedule", err)
	}
	// A past schedule is one flavor of invalid job.
	if !errors.Is(err, store.ErrInvalidJob) {
		t.Fatalf("err = %v, want store.ErrInvalidJob", err)
	}

	// A slightly late schedule inside the grace window is accepted.
	if _, err := svc.Schedule(ctx, Request{
		Platforms: []post.Platform{post.PlatformTwitter},
		Content:   map[post.Platform]string{post.PlatformTwitter: "x"},
		At:        testNow.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("grace window schedule error: %v", err)
	}

	_, err = svc.Schedule(ctx, singlePlatformRequest("at 5"))
	if !errors.Is(err, timeres.ErrAmbiguous) {
		t.Fatalf("err = %v, want ErrAmbiguous", err)
	}

	_, err = svc.Schedule(ctx, singlePlatformRequest(""))
	if !errors.Is(err, store.ErrInvalidJob) {
		t.Fatalf("err = %v, want ErrInvalidJob", err)
	}
}

func TestTickExecutesDueJobsOnce(t *testing.T) {
	t.Parallel()
	svc, st, d, bus := newFixture(t)
	ctx := context.Background()

	events, unsub := bus.Subscribe(8)
	defer unsub()

	j, err := svc.Schedule(ctx, Request{
		Platforms: []post.Platform{post.PlatformTwitter},
		Content:   map[post.Platform]string{post.PlatformTwitter: "x"},
		At:        testNow,
	})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	// The job is terminal now; a second tick must not execute it again.
	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("Tick error: %v", err)
	}

	if d.calls[j.ID] != 1 {
		t.Fatalf("dispatch calls = %d, want 1", d.calls[j.ID])
	}
	got, _ := st.GetJob(ctx, j.ID)
	if got.Status != post.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	select {
	case e := <-events:
		if e.Type != EventCompleted {
			t.Fatalf("event type = %s, want %s", e.Type, EventCompleted)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion event published")
	}
}

func TestTickSkipsFutureJobs(t *testing.T) {
	t.Parallel()
	svc, _, d, _ := newFixture(t)
	ctx := context.Background()

	j, err := svc.Schedule(ctx, singlePlatformRequest("tomorrow at 9am"))
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	if d.calls[j.ID] != 0 {
		t.Fatalf("future job dispatched %d times", d.calls[j.ID])
	}
}

func TestConcurrentTicksClaimEachJobOnce(t *testing.T) {
	t.Parallel()
	svc, _, d, _ := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		j, err := svc.Schedule(ctx, Request{
			Platforms: []post.Platform{post.PlatformTwitter},
			Content:   map[post.Platform]string{post.PlatformTwitter: "x"},
			At:        testNow,
		})
		if err != nil {
			t.Fatalf("Schedule error: %v", err)
		}
		ids = append(ids, j.ID)
	}

	const ticks = 8
	var wg sync.WaitGroup
	for i := 0; i < ticks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Tick(ctx); err != nil {
				t.Errorf("Tick error: %v", err)
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		if d.calls[id] != 1 {
			t.Fatalf("job %s dispatched %d times, want 1", id, d.calls[id])
		}
	}
}

func TestCancelDuringExecutionSuppressesRequeue(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	bus := eventbus.New()
	ctx := context.Background()

	var svc *Service
	cancelling := &funcDispatcher{fn: func(ctx context.Context, j *post.Job) error {
		// Simulate an operator cancel racing the in-flight dispatch.
		return svc.Cancel(ctx, j.ID)
	}}
	svc = New(Config{}, st, cancelling, timeres.New(time.UTC), bus, logx.Nop())
	svc.now = func() time.Time { return testNow }

	j, err := svc.Schedule(ctx, Request{
		Platforms: []post.Platform{post.PlatformTwitter},
		Content:   map[post.Platform]string{post.PlatformTwitter: "x"},
		At:        testNow,
	})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("Tick error: %v", err)
	}

	got, _ := st.GetJob(ctx, j.ID)
	if got.Status != post.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	// Cancelled jobs never come due again.
	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	got, _ = st.GetJob(ctx, j.ID)
	if got.Status != post.StatusCancelled {
		t.Fatalf("status after second tick = %s, want cancelled", got.Status)
	}
}

type funcDispatcher struct {
	fn func(context.Context, *post.Job) error
}

func (d *funcDispatcher) Dispatch(ctx context.Context, j *post.Job) error { return d.fn(ctx, j) }

func TestReclaimStale(t *testing.T) {
	t.Parallel()
	svc, st, _, _ := newFixture(t)
	ctx := context.Background()

	j, err := svc.Schedule(ctx, Request{
		Platforms: []post.Platform{post.PlatformTwitter},
		Content:   map[post.Platform]string{post.PlatformTwitter: "x"},
		At:        testNow,
	})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	// A crashed process claimed the job half an hour ago.
	if _, err := st.MarkExecuting(ctx, j.ID, testNow.Add(-30*time.Minute)); err != nil {
		t.Fatalf("MarkExecuting error: %v", err)
	}

	if err := svc.ReclaimStale(ctx); err != nil {
		t.Fatalf("ReclaimStale error: %v", err)
	}
	got, _ := st.GetJob(ctx, j.ID)
	if got.Status != post.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", got.Status)
	}
}
