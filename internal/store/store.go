// Package store is the durable source of truth for jobs and comments.
//
// The scheduler and monitor re-query the store every tick instead of holding
// an in-memory queue, which is what makes the loops crash- and restart-safe.
// Mutual exclusion across concurrent ticks and across processes goes through
// MarkExecuting (single-writer-wins claim), not through in-process locks.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "postpilot/pkg/logx"

	"postpilot/internal/post"
)

var (
	ErrInvalidJob  = errors.New("invalid job")
	ErrDuplicateID = errors.New("duplicate job id")
	ErrNotFound    = errors.New("not found")
)

// Store is the persistence API used by the scheduler, dispatcher, monitor and
// responder. All operations are safe for concurrent use.
type Store interface {
	// CreateJob persists a new job in scheduled state. The id is assigned if
	// absent and returned on the job. Fails with ErrInvalidJob when platforms
	// is empty or content is missing for a requested platform, and with
	// ErrDuplicateID when the id already exists.
	CreateJob(ctx context.Context, j *post.Job) error

	GetJob(ctx context.Context, id string) (*post.Job, error)

	// DueJobs returns scheduled jobs with scheduled_at <= now, oldest first.
	// The result is a plain snapshot; re-polling after a crash is always safe.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*post.Job, error)

	// ListJobs returns the most recently updated jobs with the given status
	// (any status when st is empty). Operational visibility only.
	ListJobs(ctx context.Context, st post.JobStatus, limit int) ([]*post.Job, error)

	// MarkExecuting claims the job for execution: exactly one concurrent
	// caller wins the scheduled -> executing transition. A false return is a
	// lost claim race, not an error.
	MarkExecuting(ctx context.Context, id string, now time.Time) (bool, error)

	// UpdateOutcome atomically records one platform's outcome and, when every
	// platform has reached a terminal state, recomputes the aggregate job
	// status. Non-terminal jobs keep their current status.
	UpdateOutcome(ctx context.Context, id string, p post.Platform, o post.Outcome, now time.Time) error

	// Requeue releases an executing job whose platforms are not all terminal:
	// status back to scheduled with scheduled_at advanced to the earliest
	// pending retry. No-op on jobs not in executing state (e.g. cancelled
	// mid-flight, which is how cancellation suppresses future retries).
	Requeue(ctx context.Context, id string, now time.Time) (bool, error)

	// CancelJob cancels a job that is pending, scheduled or executing.
	// Returns false when the job is already terminal.
	CancelJob(ctx context.Context, id string, now time.Time) (bool, error)

	// ReclaimStale requeues jobs stuck in executing since before cutoff
	// (crashed executor). Returns the number of jobs reclaimed.
	ReclaimStale(ctx context.Context, cutoff, now time.Time) (int, error)

	// PublishedPosts lists every (job, platform, external id) with a
	// succeeded outcome; the comment monitor polls exactly this set.
	PublishedPosts(ctx context.Context) ([]post.PublishedPost, error)

	// InsertCommentIfAbsent inserts the comment keyed by
	// (platform, external id) and reports whether it was newly inserted.
	// An existing row is left untouched, whatever its response status.
	InsertCommentIfAbsent(ctx context.Context, c post.Comment) (bool, error)

	GetComment(ctx context.Context, p post.Platform, externalID string) (*post.Comment, error)

	MarkCommentClassified(ctx context.Context, p post.Platform, externalID, category string) error
	MarkCommentResponded(ctx context.Context, p post.Platform, externalID, replyID string) error
	MarkCommentSkipped(ctx context.Context, p post.Platform, externalID, category string) error

	// ClaimComment takes a time-bounded exclusive lease on a non-terminal
	// comment: exactly one concurrent caller wins, mirroring MarkExecuting
	// for jobs. Returns false when the comment is terminal, missing, or
	// already leased with the lease not yet expired. The terminal marks and
	// ReleaseComment clear the lease; an expired lease is claimable again,
	// which is how a crashed pass is recovered.
	ClaimComment(ctx context.Context, p post.Platform, externalID string, now time.Time, ttl time.Duration) (bool, error)

	// ReleaseComment drops the lease after a failed pass so the retry sweep
	// does not have to wait out the ttl.
	ReleaseComment(ctx context.Context, p post.Platform, externalID string) error

	// BumpCommentPasses increments and returns the response attempt counter.
	BumpCommentPasses(ctx context.Context, p post.Platform, externalID string) (int, error)

	// PendingComments returns comments still awaiting a response
	// (unseen or classified), oldest first.
	PendingComments(ctx context.Context, limit int) ([]post.Comment, error)

	// Watermark returns the last successfully processed comment timestamp for
	// a post (zero when never polled). SetWatermark advances it; the monitor
	// only calls it after a fully processed page.
	Watermark(ctx context.Context, p post.Platform, postID string) (time.Time, error)
	SetWatermark(ctx context.Context, p post.Platform, postID string, mark time.Time) error

	Close() error
}

// Config selects and configures the storage backend.
//
// Driver values:
//   - "sqlite": single-file database, the default for one-process deployments
//   - "postgres": shared database for multi-process deployments
//   - "memory": process-local, for development and tests
type Config struct {
	Driver      string
	Path        string        // sqlite file path
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "pg":
		return openPostgres(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

// validateJob enforces the creation invariants shared by all backends.
func validateJob(j *post.Job) error {
	if j == nil {
		return ErrInvalidJob
	}
	if len(j.Platforms) == 0 {
		return errors.New("no platforms requested")
	}
	seen := map[post.Platform]bool{}
	for _, p := range j.Platforms {
		if seen[p] {
			return errors.New("duplicate platform " + string(p))
		}
		seen[p] = true
		if strings.TrimSpace(j.Content[p]) == "" {
			return errors.New("missing content for platform " + string(p))
		}
	}
	if j.ScheduledAt.IsZero() {
		return errors.New("missing scheduled time")
	}
	return nil
}
