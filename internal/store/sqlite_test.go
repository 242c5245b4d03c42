package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "postpilot/pkg/logx"

	"postpilot/internal/post"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "postpilot.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteJobRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	j := newTestJob()
	j.ScheduledAt = testNow.Add(-time.Minute)
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}

	due, err := st.DueJobs(ctx, testNow, 10)
	if err != nil {
		t.Fatalf("DueJobs error: %v", err)
	}
	if len(due) != 1 || due[0].ID != j.ID {
		t.Fatalf("due = %+v, want job %s", due, j.ID)
	}
	got := due[0]
	if got.Content[post.PlatformTwitter] != "short update" {
		t.Fatalf("content = %q", got.Content[post.PlatformTwitter])
	}
	if !got.ScheduledAt.Equal(j.ScheduledAt.Truncate(time.Millisecond)) {
		t.Fatalf("scheduled_at = %v, want %v", got.ScheduledAt, j.ScheduledAt)
	}

	ok, err := st.MarkExecuting(ctx, j.ID, testNow)
	if err != nil || !ok {
		t.Fatalf("MarkExecuting = %v, %v", ok, err)
	}
	// Second claim loses.
	ok, err = st.MarkExecuting(ctx, j.ID, testNow)
	if err != nil {
		t.Fatalf("MarkExecuting error: %v", err)
	}
	if ok {
		t.Fatal("second claim must lose")
	}

	err = st.UpdateOutcome(ctx, j.ID, post.PlatformLinkedIn,
		post.Outcome{State: post.OutcomeSucceeded, ExternalID: "li-7", Attempts: 1}, testNow)
	if err != nil {
		t.Fatalf("UpdateOutcome error: %v", err)
	}
	err = st.UpdateOutcome(ctx, j.ID, post.PlatformTwitter,
		post.Outcome{State: post.OutcomeSucceeded, ExternalID: "tw-7", Attempts: 2}, testNow)
	if err != nil {
		t.Fatalf("UpdateOutcome error: %v", err)
	}

	got, err = st.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if got.Status != post.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if o := got.Outcome(post.PlatformTwitter); o.Attempts != 2 || o.ExternalID != "tw-7" {
		t.Fatalf("twitter outcome = %+v", o)
	}

	published, err := st.PublishedPosts(ctx)
	if err != nil {
		t.Fatalf("PublishedPosts error: %v", err)
	}
	if len(published) != 2 {
		t.Fatalf("published = %+v, want 2 entries", published)
	}
}

func TestSQLiteCommentDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	c := post.Comment{
		Platform:   post.PlatformLinkedIn,
		ExternalID: "c-42",
		PostID:     "li-7",
		Author:     "reader",
		Text:       "great write-up",
		SeenAt:     testNow,
	}
	inserted, err := st.InsertCommentIfAbsent(ctx, c)
	if err != nil || !inserted {
		t.Fatalf("InsertCommentIfAbsent = %v, %v", inserted, err)
	}
	inserted, err = st.InsertCommentIfAbsent(ctx, c)
	if err != nil {
		t.Fatalf("InsertCommentIfAbsent error: %v", err)
	}
	if inserted {
		t.Fatal("duplicate insert must be a no-op")
	}

	if err := st.MarkCommentClassified(ctx, c.Platform, c.ExternalID, "praise"); err != nil {
		t.Fatalf("MarkCommentClassified error: %v", err)
	}
	n, err := st.BumpCommentPasses(ctx, c.Platform, c.ExternalID)
	if err != nil || n != 1 {
		t.Fatalf("BumpCommentPasses = %d, %v", n, err)
	}

	got, err := st.GetComment(ctx, c.Platform, c.ExternalID)
	if err != nil {
		t.Fatalf("GetComment error: %v", err)
	}
	if got.Status != post.ResponseClassified || got.Category != "praise" || got.Passes != 1 {
		t.Fatalf("comment = %+v", got)
	}
}

func TestSQLiteClaimCommentRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	c := post.Comment{
		Platform:   post.PlatformTwitter,
		ExternalID: "c-9",
		PostID:     "tw-3",
		Text:       "does this scale?",
		SeenAt:     testNow,
	}
	if _, err := st.InsertCommentIfAbsent(ctx, c); err != nil {
		t.Fatalf("InsertCommentIfAbsent error: %v", err)
	}

	ok, err := st.ClaimComment(ctx, c.Platform, c.ExternalID, testNow, time.Minute)
	if err != nil || !ok {
		t.Fatalf("ClaimComment = %v, %v", ok, err)
	}
	// Second claim loses while the lease is live.
	ok, err = st.ClaimComment(ctx, c.Platform, c.ExternalID, testNow.Add(time.Second), time.Minute)
	if err != nil {
		t.Fatalf("ClaimComment error: %v", err)
	}
	if ok {
		t.Fatal("second claim must lose")
	}

	if err := st.ReleaseComment(ctx, c.Platform, c.ExternalID); err != nil {
		t.Fatalf("ReleaseComment error: %v", err)
	}
	ok, err = st.ClaimComment(ctx, c.Platform, c.ExternalID, testNow.Add(time.Second), time.Minute)
	if err != nil || !ok {
		t.Fatalf("ClaimComment after release = %v, %v", ok, err)
	}

	// Expired lease is claimable without a release.
	ok, err = st.ClaimComment(ctx, c.Platform, c.ExternalID, testNow.Add(2*time.Minute), time.Minute)
	if err != nil || !ok {
		t.Fatalf("ClaimComment after expiry = %v, %v", ok, err)
	}

	// The responded mark clears the lease and closes the comment to claims.
	if err := st.MarkCommentResponded(ctx, c.Platform, c.ExternalID, "r-9"); err != nil {
		t.Fatalf("MarkCommentResponded error: %v", err)
	}
	ok, err = st.ClaimComment(ctx, c.Platform, c.ExternalID, testNow.Add(time.Hour), time.Minute)
	if err != nil {
		t.Fatalf("ClaimComment error: %v", err)
	}
	if ok {
		t.Fatal("claim of responded comment must fail")
	}
}

func TestSQLiteWatermarkUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	if err := st.SetWatermark(ctx, post.PlatformDevTo, "d-1", testNow); err != nil {
		t.Fatalf("SetWatermark error: %v", err)
	}
	later := testNow.Add(time.Hour)
	if err := st.SetWatermark(ctx, post.PlatformDevTo, "d-1", later); err != nil {
		t.Fatalf("SetWatermark error: %v", err)
	}
	mark, err := st.Watermark(ctx, post.PlatformDevTo, "d-1")
	if err != nil {
		t.Fatalf("Watermark error: %v", err)
	}
	if !mark.Equal(later) {
		t.Fatalf("watermark = %v, want %v", mark, later)
	}
}
