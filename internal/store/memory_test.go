package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postpilot/internal/post"
)

var testNow = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func newTestJob() *post.Job {
	return &post.Job{
		Platforms: []post.Platform{post.PlatformLinkedIn, post.PlatformTwitter},
		Content: map[post.Platform]string{
			post.PlatformLinkedIn: "professional update",
			post.PlatformTwitter:  "short update",
		},
		ScheduledAt: testNow.Add(time.Hour),
	}
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	tests := []struct {
		name   string
		mutate func(*post.Job)
	}{
		{"no platforms", func(j *post.Job) { j.Platforms = nil }},
		{"missing content", func(j *post.Job) { delete(j.Content, post.PlatformTwitter) }},
		{"duplicate platform", func(j *post.Job) { j.Platforms = append(j.Platforms, post.PlatformTwitter) }},
		{"zero schedule", func(j *post.Job) { j.ScheduledAt = time.Time{} }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			j := newTestJob()
			tt.mutate(j)
			if err := m.CreateJob(ctx, j); !errors.Is(err, ErrInvalidJob) {
				t.Fatalf("CreateJob err = %v, want ErrInvalidJob", err)
			}
		})
	}
}

func TestCreateJobAssignsIDAndRejectsDuplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	j := newTestJob()
	if err := m.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	if j.ID == "" {
		t.Fatal("expected assigned id")
	}
	if j.Status != post.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", j.Status)
	}

	dup := newTestJob()
	dup.ID = j.ID
	if err := m.CreateJob(ctx, dup); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("CreateJob err = %v, want ErrDuplicateID", err)
	}
}

func TestDueJobsOrderAndThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	early := newTestJob()
	early.ScheduledAt = testNow.Add(-2 * time.Hour)
	late := newTestJob()
	late.ScheduledAt = testNow.Add(-time.Hour)
	future := newTestJob()
	future.ScheduledAt = testNow.Add(time.Hour)
	for _, j := range []*post.Job{late, early, future} {
		if err := m.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob error: %v", err)
		}
	}

	due, err := m.DueJobs(ctx, testNow, 0)
	if err != nil {
		t.Fatalf("DueJobs error: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("len(due) = %d, want 2", len(due))
	}
	if due[0].ID != early.ID || due[1].ID != late.ID {
		t.Fatalf("due order = %s,%s want %s,%s", due[0].ID, due[1].ID, early.ID, late.ID)
	}
}

func TestMarkExecutingIsExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	j := newTestJob()
	j.ScheduledAt = testNow.Add(-time.Minute)
	if err := m.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.MarkExecuting(ctx, j.ID, testNow)
			if err != nil {
				t.Errorf("MarkExecuting error: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("claim winners = %d, want exactly 1", won)
	}
}

func TestUpdateOutcomeAggregation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	j := newTestJob()
	if err := m.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	if _, err := m.MarkExecuting(ctx, j.ID, testNow); err != nil {
		t.Fatalf("MarkExecuting error: %v", err)
	}

	err := m.UpdateOutcome(ctx, j.ID, post.PlatformLinkedIn,
		post.Outcome{State: post.OutcomeSucceeded, ExternalID: "li-123", Attempts: 1}, testNow)
	if err != nil {
		t.Fatalf("UpdateOutcome error: %v", err)
	}

	got, _ := m.GetJob(ctx, j.ID)
	if got.Status != post.StatusExecuting {
		t.Fatalf("status after partial outcome = %s, want executing", got.Status)
	}

	err = m.UpdateOutcome(ctx, j.ID, post.PlatformTwitter,
		post.Outcome{State: post.OutcomeFailed, ErrorKind: post.ErrorKindPermanent, ErrorMsg: "401", Attempts: 1}, testNow)
	if err != nil {
		t.Fatalf("UpdateOutcome error: %v", err)
	}

	got, _ = m.GetJob(ctx, j.ID)
	if got.Status != post.StatusPartiallyFailed {
		t.Fatalf("status = %s, want partially_failed", got.Status)
	}
	if o := got.Outcome(post.PlatformLinkedIn); o.State != post.OutcomeSucceeded || o.ExternalID != "li-123" {
		t.Fatalf("linkedin outcome = %+v", o)
	}
}

func TestRequeueAdvancesToEarliestRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	j := newTestJob()
	if err := m.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	if _, err := m.MarkExecuting(ctx, j.ID, testNow); err != nil {
		t.Fatalf("MarkExecuting error: %v", err)
	}

	retryAt := testNow.Add(4 * time.Minute)
	_ = m.UpdateOutcome(ctx, j.ID, post.PlatformLinkedIn,
		post.Outcome{State: post.OutcomeSucceeded, ExternalID: "li-1", Attempts: 1}, testNow)
	_ = m.UpdateOutcome(ctx, j.ID, post.PlatformTwitter,
		post.Outcome{State: post.OutcomeFailed, ErrorKind: post.ErrorKindTransient, Attempts: 1, NextAttemptAt: retryAt}, testNow)

	requeued, err := m.Requeue(ctx, j.ID, testNow)
	if err != nil {
		t.Fatalf("Requeue error: %v", err)
	}
	if !requeued {
		t.Fatal("expected requeue")
	}
	got, _ := m.GetJob(ctx, j.ID)
	if got.Status != post.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", got.Status)
	}
	if !got.ScheduledAt.Equal(retryAt) {
		t.Fatalf("scheduled_at = %v, want %v", got.ScheduledAt, retryAt)
	}
}

func TestCancelPreventsRequeue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	j := newTestJob()
	if err := m.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	if _, err := m.MarkExecuting(ctx, j.ID, testNow); err != nil {
		t.Fatalf("MarkExecuting error: %v", err)
	}

	// Cancel races in while the dispatcher is mid-flight.
	ok, err := m.CancelJob(ctx, j.ID, testNow)
	if err != nil || !ok {
		t.Fatalf("CancelJob = %v, %v", ok, err)
	}

	requeued, err := m.Requeue(ctx, j.ID, testNow)
	if err != nil {
		t.Fatalf("Requeue error: %v", err)
	}
	if requeued {
		t.Fatal("cancelled job must not be requeued")
	}
	got, _ := m.GetJob(ctx, j.ID)
	if got.Status != post.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	// Terminal jobs cannot be cancelled again.
	ok, err = m.CancelJob(ctx, j.ID, testNow)
	if err != nil {
		t.Fatalf("CancelJob error: %v", err)
	}
	if ok {
		t.Fatal("cancel of terminal job must report false")
	}
}

func TestReclaimStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	j := newTestJob()
	if err := m.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	claimedAt := testNow.Add(-time.Hour)
	if _, err := m.MarkExecuting(ctx, j.ID, claimedAt); err != nil {
		t.Fatalf("MarkExecuting error: %v", err)
	}

	n, err := m.ReclaimStale(ctx, testNow.Add(-30*time.Minute), testNow)
	if err != nil {
		t.Fatalf("ReclaimStale error: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}
	got, _ := m.GetJob(ctx, j.ID)
	if got.Status != post.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", got.Status)
	}
}

func TestCommentDedupAndLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	c := post.Comment{
		Platform:   post.PlatformDevTo,
		ExternalID: "c-1",
		PostID:     "d-9",
		Text:       "how did you configure this?",
		SeenAt:     testNow,
	}
	inserted, err := m.InsertCommentIfAbsent(ctx, c)
	if err != nil || !inserted {
		t.Fatalf("InsertCommentIfAbsent = %v, %v", inserted, err)
	}
	inserted, err = m.InsertCommentIfAbsent(ctx, c)
	if err != nil {
		t.Fatalf("InsertCommentIfAbsent error: %v", err)
	}
	if inserted {
		t.Fatal("second insert must be a no-op")
	}

	if err := m.MarkCommentClassified(ctx, c.Platform, c.ExternalID, "question"); err != nil {
		t.Fatalf("MarkCommentClassified error: %v", err)
	}
	pending, err := m.PendingComments(ctx, 0)
	if err != nil {
		t.Fatalf("PendingComments error: %v", err)
	}
	if len(pending) != 1 || pending[0].Category != "question" {
		t.Fatalf("pending = %+v", pending)
	}

	if err := m.MarkCommentResponded(ctx, c.Platform, c.ExternalID, "r-1"); err != nil {
		t.Fatalf("MarkCommentResponded error: %v", err)
	}
	pending, _ = m.PendingComments(ctx, 0)
	if len(pending) != 0 {
		t.Fatalf("responded comment still pending: %+v", pending)
	}

	got, err := m.GetComment(ctx, c.Platform, c.ExternalID)
	if err != nil {
		t.Fatalf("GetComment error: %v", err)
	}
	if got.Status != post.ResponseResponded || got.ReplyID != "r-1" {
		t.Fatalf("comment = %+v", got)
	}
}

func TestClaimCommentIsExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	c := post.Comment{Platform: post.PlatformDevTo, ExternalID: "c-7", PostID: "d-1", SeenAt: testNow}
	if _, err := m.InsertCommentIfAbsent(ctx, c); err != nil {
		t.Fatalf("InsertCommentIfAbsent error: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.ClaimComment(ctx, c.Platform, c.ExternalID, testNow, time.Minute)
			if err != nil {
				t.Errorf("ClaimComment error: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("claim winners = %d, want exactly 1", won)
	}
}

func TestClaimCommentLeaseLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	c := post.Comment{Platform: post.PlatformDevTo, ExternalID: "c-8", PostID: "d-1", SeenAt: testNow}
	if _, err := m.InsertCommentIfAbsent(ctx, c); err != nil {
		t.Fatalf("InsertCommentIfAbsent error: %v", err)
	}

	ok, err := m.ClaimComment(ctx, c.Platform, c.ExternalID, testNow, time.Minute)
	if err != nil || !ok {
		t.Fatalf("ClaimComment = %v, %v", ok, err)
	}

	// Held lease blocks a second claim until released.
	ok, _ = m.ClaimComment(ctx, c.Platform, c.ExternalID, testNow.Add(time.Second), time.Minute)
	if ok {
		t.Fatal("claim while lease held must fail")
	}
	if err := m.ReleaseComment(ctx, c.Platform, c.ExternalID); err != nil {
		t.Fatalf("ReleaseComment error: %v", err)
	}
	ok, _ = m.ClaimComment(ctx, c.Platform, c.ExternalID, testNow.Add(time.Second), time.Minute)
	if !ok {
		t.Fatal("claim after release must succeed")
	}

	// An expired lease is claimable again without a release.
	ok, _ = m.ClaimComment(ctx, c.Platform, c.ExternalID, testNow.Add(2*time.Minute), time.Minute)
	if !ok {
		t.Fatal("claim after lease expiry must succeed")
	}

	// Terminal comments are never claimable; the mark drops the lease.
	if err := m.MarkCommentResponded(ctx, c.Platform, c.ExternalID, "r-1"); err != nil {
		t.Fatalf("MarkCommentResponded error: %v", err)
	}
	ok, _ = m.ClaimComment(ctx, c.Platform, c.ExternalID, testNow.Add(time.Hour), time.Minute)
	if ok {
		t.Fatal("claim of responded comment must fail")
	}
}

func TestWatermarkRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	mark, err := m.Watermark(ctx, post.PlatformTwitter, "tw-1")
	if err != nil {
		t.Fatalf("Watermark error: %v", err)
	}
	if !mark.IsZero() {
		t.Fatalf("initial watermark = %v, want zero", mark)
	}

	if err := m.SetWatermark(ctx, post.PlatformTwitter, "tw-1", testNow); err != nil {
		t.Fatalf("SetWatermark error: %v", err)
	}
	mark, _ = m.Watermark(ctx, post.PlatformTwitter, "tw-1")
	if !mark.Equal(testNow) {
		t.Fatalf("watermark = %v, want %v", mark, testNow)
	}
}
