package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "postpilot/pkg/logx"

	"postpilot/internal/post"
)

// sqlStore backs both the sqlite and postgres drivers. Queries are written
// with ? placeholders and rebound to $n for postgres.
type sqlStore struct {
	db  *sql.DB
	pg  bool
	log logx.Logger
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind converts ? placeholders to $1..$n for postgres.
func (s *sqlStore) rebind(q string) string {
	if !s.pg {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ---- jobs ----

func (s *sqlStore) CreateJob(ctx context.Context, j *post.Job) error {
	if err := validateJob(j); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	j.UpdatedAt = j.CreatedAt
	j.Status = post.StatusScheduled
	if j.Outcomes == nil {
		j.Outcomes = map[post.Platform]post.Outcome{}
	}

	platforms, err := json.Marshal(j.Platforms)
	if err != nil {
		return err
	}
	content, err := json.Marshal(j.Content)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM jobs WHERE id = ?`), j.ID).Scan(&one)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateID, j.ID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO jobs(id, platforms, content, scheduled_at, status, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?)`),
			j.ID, string(platforms), string(content), millis(j.ScheduledAt),
			string(j.Status), millis(j.CreatedAt), millis(j.UpdatedAt),
		)
		return err
	})
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) scanJob(ctx context.Context, q querier, id string) (*post.Job, error) {
	var (
		j                    post.Job
		platforms, content   string
		schedMS, crMS, upMS  int64
		status               string
	)
	err := q.QueryRowContext(ctx, s.rebind(
		`SELECT id, platforms, content, scheduled_at, status, created_at, updated_at FROM jobs WHERE id = ?`), id,
	).Scan(&j.ID, &platforms, &content, &schedMS, &status, &crMS, &upMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(platforms), &j.Platforms); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(content), &j.Content); err != nil {
		return nil, err
	}
	j.ScheduledAt = fromMillis(schedMS)
	j.Status = post.JobStatus(status)
	j.CreatedAt = fromMillis(crMS)
	j.UpdatedAt = fromMillis(upMS)

	j.Outcomes, err = s.scanOutcomes(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *sqlStore) scanOutcomes(ctx context.Context, q querier, id string) (map[post.Platform]post.Outcome, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		`SELECT platform, state, external_id, error_kind, error_msg, attempts, next_attempt_at, inconsistent
		 FROM job_outcomes WHERE job_id = ?`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[post.Platform]post.Outcome{}
	for rows.Next() {
		var (
			p, state, kind, msg, ext string
			attempts, nextMS         int64
			inconsistent             int64
		)
		if err := rows.Scan(&p, &state, &ext, &kind, &msg, &attempts, &nextMS, &inconsistent); err != nil {
			return nil, err
		}
		out[post.Platform(p)] = post.Outcome{
			State:         post.OutcomeState(state),
			ExternalID:    ext,
			ErrorKind:     post.ErrorKind(kind),
			ErrorMsg:      msg,
			Attempts:      int(attempts),
			NextAttemptAt: fromMillis(nextMS),
			Inconsistent:  inconsistent != 0,
		}
	}
	return out, rows.Err()
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*post.Job, error) {
	return s.scanJob(ctx, s.db, id)
}

func (s *sqlStore) jobIDs(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlStore) loadJobs(ctx context.Context, ids []string) ([]*post.Job, error) {
	jobs := make([]*post.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.scanJob(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *sqlStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]*post.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.jobIDs(ctx,
		`SELECT id FROM jobs WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at ASC LIMIT ?`,
		string(post.StatusScheduled), millis(now), limit)
	if err != nil {
		return nil, err
	}
	return s.loadJobs(ctx, ids)
}

func (s *sqlStore) ListJobs(ctx context.Context, st post.JobStatus, limit int) ([]*post.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		ids []string
		err error
	)
	if st == "" {
		ids, err = s.jobIDs(ctx, `SELECT id FROM jobs ORDER BY updated_at DESC LIMIT ?`, limit)
	} else {
		ids, err = s.jobIDs(ctx, `SELECT id FROM jobs WHERE status = ? ORDER BY updated_at DESC LIMIT ?`, string(st), limit)
	}
	if err != nil {
		return nil, err
	}
	return s.loadJobs(ctx, ids)
}

func (s *sqlStore) MarkExecuting(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(post.StatusExecuting), millis(now), id, string(post.StatusScheduled))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) UpdateOutcome(ctx context.Context, id string, p post.Platform, o post.Outcome, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		inconsistent := 0
		if o.Inconsistent {
			inconsistent = 1
		}
		_, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO job_outcomes(job_id, platform, state, external_id, error_kind, error_msg, attempts, next_attempt_at, inconsistent)
			 VALUES(?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(job_id, platform) DO UPDATE SET
			   state = excluded.state,
			   external_id = excluded.external_id,
			   error_kind = excluded.error_kind,
			   error_msg = excluded.error_msg,
			   attempts = excluded.attempts,
			   next_attempt_at = excluded.next_attempt_at,
			   inconsistent = excluded.inconsistent`),
			id, string(p), string(o.State), o.ExternalID, string(o.ErrorKind), o.ErrorMsg,
			o.Attempts, millis(o.NextAttemptAt), inconsistent)
		if err != nil {
			return err
		}

		j, err := s.scanJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if agg, terminal := post.Aggregate(j.Platforms, j.Outcomes); terminal && !j.Status.Terminal() {
			_, err = tx.ExecContext(ctx, s.rebind(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`),
				string(agg), millis(now), id)
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE jobs SET updated_at = ? WHERE id = ?`), millis(now), id)
		return err
	})
}

func (s *sqlStore) Requeue(ctx context.Context, id string, now time.Time) (bool, error) {
	requeued := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := s.scanJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if j.Status != post.StatusExecuting {
			return nil
		}
		if agg, terminal := post.Aggregate(j.Platforms, j.Outcomes); terminal {
			_, err = tx.ExecContext(ctx, s.rebind(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`),
				string(agg), millis(now), id)
			return err
		}
		next := post.NextDue(j.Platforms, j.Outcomes, now)
		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE jobs SET status = ?, scheduled_at = ?, updated_at = ? WHERE id = ?`),
			string(post.StatusScheduled), millis(next), millis(now), id)
		if err == nil {
			requeued = true
		}
		return err
	})
	return requeued, err
}

func (s *sqlStore) CancelJob(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status IN (?,?,?)`,
		string(post.StatusCancelled), millis(now), id,
		string(post.StatusPending), string(post.StatusScheduled), string(post.StatusExecuting))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish "already terminal" from "no such job".
		var one int
		err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM jobs WHERE id = ?`), id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
		return false, err
	}
	return true, nil
}

func (s *sqlStore) ReclaimStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	res, err := s.exec(ctx,
		`UPDATE jobs SET status = ?, scheduled_at = ?, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		string(post.StatusScheduled), millis(now), millis(now),
		string(post.StatusExecuting), millis(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlStore) PublishedPosts(ctx context.Context) ([]post.PublishedPost, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT job_id, platform, external_id FROM job_outcomes
		 WHERE state = ? AND external_id <> '' ORDER BY job_id, platform`),
		string(post.OutcomeSucceeded))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []post.PublishedPost
	for rows.Next() {
		var pp post.PublishedPost
		var plat string
		if err := rows.Scan(&pp.JobID, &plat, &pp.ExternalID); err != nil {
			return nil, err
		}
		pp.Platform = post.Platform(plat)
		out = append(out, pp)
	}
	return out, rows.Err()
}

// ---- comments ----

func (s *sqlStore) InsertCommentIfAbsent(ctx context.Context, c post.Comment) (bool, error) {
	if c.Status == "" {
		c.Status = post.ResponseUnseen
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	res, err := s.exec(ctx,
		`INSERT INTO comments(platform, external_id, post_id, job_id, author, body, seen_at, status, category, reply_id, passes, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(platform, external_id) DO NOTHING`,
		string(c.Platform), c.ExternalID, c.PostID, c.JobID, c.Author, c.Text,
		millis(c.SeenAt), string(c.Status), c.Category, c.ReplyID, c.Passes, millis(c.CreatedAt))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) GetComment(ctx context.Context, p post.Platform, externalID string) (*post.Comment, error) {
	var (
		c                post.Comment
		plat, status     string
		seenMS, createdMS int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT platform, external_id, post_id, job_id, author, body, seen_at, status, category, reply_id, passes, created_at
		 FROM comments WHERE platform = ? AND external_id = ?`),
		string(p), externalID,
	).Scan(&plat, &c.ExternalID, &c.PostID, &c.JobID, &c.Author, &c.Text,
		&seenMS, &status, &c.Category, &c.ReplyID, &c.Passes, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: comment %s/%s", ErrNotFound, p, externalID)
	}
	if err != nil {
		return nil, err
	}
	c.Platform = post.Platform(plat)
	c.Status = post.ResponseStatus(status)
	c.SeenAt = fromMillis(seenMS)
	c.CreatedAt = fromMillis(createdMS)
	return &c, nil
}

func (s *sqlStore) setCommentStatus(ctx context.Context, p post.Platform, externalID string, q string, args ...any) error {
	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: comment %s/%s", ErrNotFound, p, externalID)
	}
	return nil
}

func (s *sqlStore) MarkCommentClassified(ctx context.Context, p post.Platform, externalID, category string) error {
	return s.setCommentStatus(ctx, p, externalID,
		`UPDATE comments SET status = ?, category = ? WHERE platform = ? AND external_id = ?`,
		string(post.ResponseClassified), category, string(p), externalID)
}

func (s *sqlStore) MarkCommentResponded(ctx context.Context, p post.Platform, externalID, replyID string) error {
	return s.setCommentStatus(ctx, p, externalID,
		`UPDATE comments SET status = ?, reply_id = ?, claim_until = 0 WHERE platform = ? AND external_id = ?`,
		string(post.ResponseResponded), replyID, string(p), externalID)
}

func (s *sqlStore) MarkCommentSkipped(ctx context.Context, p post.Platform, externalID, category string) error {
	if category != "" {
		return s.setCommentStatus(ctx, p, externalID,
			`UPDATE comments SET status = ?, category = ?, claim_until = 0 WHERE platform = ? AND external_id = ?`,
			string(post.ResponseSkipped), category, string(p), externalID)
	}
	return s.setCommentStatus(ctx, p, externalID,
		`UPDATE comments SET status = ?, claim_until = 0 WHERE platform = ? AND external_id = ?`,
		string(post.ResponseSkipped), string(p), externalID)
}

// ClaimComment is the comment analog of MarkExecuting: a conditional update
// on (non-terminal status, expired lease) where RowsAffected decides the race.
func (s *sqlStore) ClaimComment(ctx context.Context, p post.Platform, externalID string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE comments SET claim_until = ?
		 WHERE platform = ? AND external_id = ? AND status IN (?,?) AND claim_until <= ?`,
		millis(now.Add(ttl)), string(p), externalID,
		string(post.ResponseUnseen), string(post.ResponseClassified), millis(now))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) ReleaseComment(ctx context.Context, p post.Platform, externalID string) error {
	_, err := s.exec(ctx,
		`UPDATE comments SET claim_until = 0 WHERE platform = ? AND external_id = ?`,
		string(p), externalID)
	return err
}

func (s *sqlStore) BumpCommentPasses(ctx context.Context, p post.Platform, externalID string) (int, error) {
	passes := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, s.rebind(
			`SELECT passes FROM comments WHERE platform = ? AND external_id = ?`),
			string(p), externalID).Scan(&passes)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: comment %s/%s", ErrNotFound, p, externalID)
		}
		if err != nil {
			return err
		}
		passes++
		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE comments SET passes = ? WHERE platform = ? AND external_id = ?`),
			passes, string(p), externalID)
		return err
	})
	return passes, err
}

func (s *sqlStore) PendingComments(ctx context.Context, limit int) ([]post.Comment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT platform, external_id FROM comments WHERE status IN (?,?) ORDER BY seen_at ASC LIMIT ?`),
		string(post.ResponseUnseen), string(post.ResponseClassified), limit)
	if err != nil {
		return nil, err
	}
	type key struct {
		p  string
		id string
	}
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.p, &k.id); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]post.Comment, 0, len(keys))
	for _, k := range keys {
		c, err := s.GetComment(ctx, post.Platform(k.p), k.id)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *sqlStore) Watermark(ctx context.Context, p post.Platform, postID string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT watermark FROM comment_watermarks WHERE platform = ? AND post_id = ?`),
		string(p), postID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return fromMillis(ms), nil
}

func (s *sqlStore) SetWatermark(ctx context.Context, p post.Platform, postID string, mark time.Time) error {
	_, err := s.exec(ctx,
		`INSERT INTO comment_watermarks(platform, post_id, watermark) VALUES(?,?,?)
		 ON CONFLICT(platform, post_id) DO UPDATE SET watermark = excluded.watermark`,
		string(p), postID, millis(mark))
	return err
}
