package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/post"
)

// Memory is the process-local Store used by tests and the "memory" driver.
// It implements the same claim and dedup semantics as the SQL backends.
type Memory struct {
	mu         sync.Mutex
	jobs       map[string]*post.Job
	comments   map[string]*post.Comment // key: platform + "\x00" + external id
	claims     map[string]time.Time     // comment key -> lease expiry
	watermarks map[string]time.Time     // key: platform + "\x00" + post id
}

func NewMemory() *Memory {
	return &Memory{
		jobs:       map[string]*post.Job{},
		comments:   map[string]*post.Comment{},
		claims:     map[string]time.Time{},
		watermarks: map[string]time.Time{},
	}
}

func (m *Memory) Close() error { return nil }

func commentKey(p post.Platform, id string) string { return string(p) + "\x00" + id }

func cloneJob(j *post.Job) *post.Job {
	cp := *j
	cp.Platforms = append([]post.Platform(nil), j.Platforms...)
	cp.Content = make(map[post.Platform]string, len(j.Content))
	for k, v := range j.Content {
		cp.Content[k] = v
	}
	cp.Outcomes = make(map[post.Platform]post.Outcome, len(j.Outcomes))
	for k, v := range j.Outcomes {
		cp.Outcomes[k] = v
	}
	return &cp
}

func (m *Memory) CreateJob(_ context.Context, j *post.Job) error {
	if err := validateJob(j); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, j.ID)
	}
	j.Status = post.StatusScheduled
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	j.UpdatedAt = j.CreatedAt
	if j.Outcomes == nil {
		j.Outcomes = map[post.Platform]post.Outcome{}
	}
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*post.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return cloneJob(j), nil
}

func (m *Memory) DueJobs(_ context.Context, now time.Time, limit int) ([]*post.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*post.Job
	for _, j := range m.jobs {
		if j.Status == post.StatusScheduled && !j.ScheduledAt.After(now) {
			due = append(due, cloneJob(j))
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].ScheduledAt.Before(due[k].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) ListJobs(_ context.Context, st post.JobStatus, limit int) ([]*post.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*post.Job
	for _, j := range m.jobs {
		if st == "" || j.Status == st {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.After(out[k].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkExecuting(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	if j.Status != post.StatusScheduled {
		return false, nil
	}
	j.Status = post.StatusExecuting
	j.UpdatedAt = now
	return true, nil
}

func (m *Memory) UpdateOutcome(_ context.Context, id string, p post.Platform, o post.Outcome, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	if j.Outcomes == nil {
		j.Outcomes = map[post.Platform]post.Outcome{}
	}
	j.Outcomes[p] = o
	if agg, terminal := post.Aggregate(j.Platforms, j.Outcomes); terminal && !j.Status.Terminal() {
		j.Status = agg
	}
	j.UpdatedAt = now
	return nil
}

func (m *Memory) Requeue(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	if j.Status != post.StatusExecuting {
		return false, nil
	}
	if agg, terminal := post.Aggregate(j.Platforms, j.Outcomes); terminal {
		j.Status = agg
		j.UpdatedAt = now
		return false, nil
	}
	j.Status = post.StatusScheduled
	j.ScheduledAt = post.NextDue(j.Platforms, j.Outcomes, now)
	j.UpdatedAt = now
	return true, nil
}

func (m *Memory) CancelJob(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	if j.Status.Terminal() {
		return false, nil
	}
	j.Status = post.StatusCancelled
	j.UpdatedAt = now
	return true, nil
}

func (m *Memory) ReclaimStale(_ context.Context, cutoff, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == post.StatusExecuting && j.UpdatedAt.Before(cutoff) {
			j.Status = post.StatusScheduled
			j.ScheduledAt = now
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) PublishedPosts(_ context.Context) ([]post.PublishedPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []post.PublishedPost
	for _, j := range m.jobs {
		for p, o := range j.Outcomes {
			if o.State == post.OutcomeSucceeded && o.ExternalID != "" {
				out = append(out, post.PublishedPost{JobID: j.ID, Platform: p, ExternalID: o.ExternalID})
			}
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].JobID != out[k].JobID {
			return out[i].JobID < out[k].JobID
		}
		return out[i].Platform < out[k].Platform
	})
	return out, nil
}

func (m *Memory) InsertCommentIfAbsent(_ context.Context, c post.Comment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := commentKey(c.Platform, c.ExternalID)
	if _, ok := m.comments[key]; ok {
		return false, nil
	}
	if c.Status == "" {
		c.Status = post.ResponseUnseen
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := c
	m.comments[key] = &cp
	return true, nil
}

func (m *Memory) GetComment(_ context.Context, p post.Platform, externalID string) (*post.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[commentKey(p, externalID)]
	if !ok {
		return nil, fmt.Errorf("%w: comment %s/%s", ErrNotFound, p, externalID)
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) mutateComment(p post.Platform, externalID string, fn func(*post.Comment)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[commentKey(p, externalID)]
	if !ok {
		return fmt.Errorf("%w: comment %s/%s", ErrNotFound, p, externalID)
	}
	fn(c)
	return nil
}

func (m *Memory) MarkCommentClassified(_ context.Context, p post.Platform, externalID, category string) error {
	return m.mutateComment(p, externalID, func(c *post.Comment) {
		c.Status = post.ResponseClassified
		c.Category = category
	})
}

func (m *Memory) MarkCommentResponded(_ context.Context, p post.Platform, externalID, replyID string) error {
	return m.mutateComment(p, externalID, func(c *post.Comment) {
		c.Status = post.ResponseResponded
		c.ReplyID = replyID
		delete(m.claims, commentKey(p, externalID))
	})
}

func (m *Memory) MarkCommentSkipped(_ context.Context, p post.Platform, externalID, category string) error {
	return m.mutateComment(p, externalID, func(c *post.Comment) {
		c.Status = post.ResponseSkipped
		if category != "" {
			c.Category = category
		}
		delete(m.claims, commentKey(p, externalID))
	})
}

func (m *Memory) ClaimComment(_ context.Context, p post.Platform, externalID string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := commentKey(p, externalID)
	c, ok := m.comments[key]
	if !ok {
		return false, nil
	}
	if c.Status == post.ResponseResponded || c.Status == post.ResponseSkipped {
		return false, nil
	}
	if until, held := m.claims[key]; held && until.After(now) {
		return false, nil
	}
	m.claims[key] = now.Add(ttl)
	return true, nil
}

func (m *Memory) ReleaseComment(_ context.Context, p post.Platform, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, commentKey(p, externalID))
	return nil
}

func (m *Memory) BumpCommentPasses(_ context.Context, p post.Platform, externalID string) (int, error) {
	var passes int
	err := m.mutateComment(p, externalID, func(c *post.Comment) {
		c.Passes++
		passes = c.Passes
	})
	return passes, err
}

func (m *Memory) PendingComments(_ context.Context, limit int) ([]post.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []post.Comment
	for _, c := range m.comments {
		if c.Status == post.ResponseUnseen || c.Status == post.ResponseClassified {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SeenAt.Before(out[k].SeenAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Watermark(_ context.Context, p post.Platform, postID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermarks[commentKey(p, postID)], nil
}

func (m *Memory) SetWatermark(_ context.Context, p post.Platform, postID string, mark time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[commentKey(p, postID)] = mark
	return nil
}
