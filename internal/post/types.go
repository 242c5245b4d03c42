// Package post holds the domain model shared by the store and the services:
// scheduled publish jobs, their per-platform outcomes, and tracked comments.
package post

import (
	"time"
)

// Platform identifies a publishing target.
type Platform string

const (
	PlatformLinkedIn Platform = "linkedin"
	PlatformTwitter  Platform = "twitter"
	PlatformDevTo    Platform = "devto"
)

// JobStatus is the aggregate status of a job.
//
// Terminal statuses (Completed, Failed, PartiallyFailed, Cancelled) are never
// re-polled by the scheduler.
type JobStatus string

const (
	// StatusPending exists for symmetry with job creation flows that build a
	// job before persisting it. Create() persists directly as scheduled, so
	// pending is never observed externally.
	StatusPending         JobStatus = "pending"
	StatusScheduled       JobStatus = "scheduled"
	StatusExecuting       JobStatus = "executing"
	StatusCompleted       JobStatus = "completed"
	StatusPartiallyFailed JobStatus = "partially_failed"
	StatusFailed          JobStatus = "failed"
	StatusCancelled       JobStatus = "cancelled"
)

// Terminal reports whether s is a terminal job status.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyFailed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// OutcomeState is the per-platform result of publish attempts.
type OutcomeState string

const (
	OutcomeNotAttempted OutcomeState = "not_attempted"
	OutcomeSucceeded    OutcomeState = "succeeded"
	OutcomeFailed       OutcomeState = "failed"
)

// ErrorKind classifies a publish failure.
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
)

// Outcome records one platform's progress within a job.
//
// A failed outcome with a non-zero NextAttemptAt is still live (a retry is
// scheduled); NextAttemptAt is zeroed once the platform reaches a terminal
// state, which is how transient retry state is destroyed.
type Outcome struct {
	State      OutcomeState
	ExternalID string // platform-assigned post id, set on success

	ErrorKind     ErrorKind
	ErrorMsg      string
	Attempts      int
	NextAttemptAt time.Time

	// Inconsistent flags a publish that succeeded remotely but whose
	// bookkeeping could not be persisted. Requires manual reconciliation;
	// never silently dropped and never auto-retried.
	Inconsistent bool
}

// Terminal reports whether the platform needs no further dispatch.
func (o Outcome) Terminal() bool {
	switch o.State {
	case OutcomeSucceeded:
		return true
	case OutcomeFailed:
		return o.NextAttemptAt.IsZero()
	}
	return false
}

// Job is one scheduled multi-platform publish request and its execution record.
// Jobs are never deleted; they only transition to a terminal status.
type Job struct {
	ID          string
	Content     map[Platform]string // immutable once scheduled
	Platforms   []Platform          // non-empty
	ScheduledAt time.Time
	Status      JobStatus
	Outcomes    map[Platform]Outcome
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Outcome returns the recorded outcome for p (zero Outcome means not attempted).
func (j *Job) Outcome(p Platform) Outcome {
	if j.Outcomes == nil {
		return Outcome{State: OutcomeNotAttempted}
	}
	o, ok := j.Outcomes[p]
	if !ok {
		return Outcome{State: OutcomeNotAttempted}
	}
	return o
}

// Aggregate recomputes the job-level status from the per-platform outcome map.
//
// It is a pure function: completed iff every platform succeeded, failed iff
// every platform failed terminally, partially_failed for any terminal mix
// (including an inconsistency flag on an otherwise successful platform).
// If any platform is still live the aggregate is not terminal and Aggregate
// returns (status, false).
func Aggregate(platforms []Platform, outcomes map[Platform]Outcome) (JobStatus, bool) {
	succeeded, failed, inconsistent := 0, 0, 0
	for _, p := range platforms {
		o, ok := outcomes[p]
		if !ok || !o.Terminal() {
			return StatusScheduled, false
		}
		if o.Inconsistent {
			inconsistent++
		}
		switch o.State {
		case OutcomeSucceeded:
			succeeded++
		default:
			failed++
		}
	}
	switch {
	case failed == 0 && inconsistent == 0:
		return StatusCompleted, true
	case succeeded == 0 && inconsistent == 0:
		return StatusFailed, true
	default:
		return StatusPartiallyFailed, true
	}
}

// NextDue returns the earliest pending retry time across live outcomes.
// Platforms with no recorded outcome count as due at fallback.
func NextDue(platforms []Platform, outcomes map[Platform]Outcome, fallback time.Time) time.Time {
	next := time.Time{}
	for _, p := range platforms {
		o, ok := outcomes[p]
		if !ok || o.State == OutcomeNotAttempted {
			return fallback
		}
		if o.Terminal() {
			continue
		}
		if next.IsZero() || o.NextAttemptAt.Before(next) {
			next = o.NextAttemptAt
		}
	}
	if next.IsZero() {
		return fallback
	}
	return next
}

// ResponseStatus tracks how far a comment has moved through the response
// pipeline.
type ResponseStatus string

const (
	ResponseUnseen     ResponseStatus = "unseen"
	ResponseClassified ResponseStatus = "classified"
	ResponseResponded  ResponseStatus = "responded"
	ResponseSkipped    ResponseStatus = "skipped"
)

// Comment is an external comment already observed on a published post.
// (platform, external_comment_id) is the dedup key across restarts.
type Comment struct {
	Platform   Platform
	ExternalID string
	PostID     string // platform-assigned id of the post being commented on
	JobID      string
	Author     string
	Text       string
	SeenAt     time.Time
	Status     ResponseStatus
	Category   string
	ReplyID    string // platform-assigned id of our reply, set on responded
	Passes     int    // response pipeline attempts (reply retry cap)
	CreatedAt  time.Time
}

// PublishedPost is a (job, platform, external id) triple the monitor polls.
type PublishedPost struct {
	JobID      string
	Platform   Platform
	ExternalID string
}
