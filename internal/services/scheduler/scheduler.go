// Package scheduler owns the job lifecycle: intake of new publish requests,
// the due-job polling tick, and recovery of claims left behind by a crash.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "postpilot/pkg/logx"

	"postpilot/internal/eventbus"
	"postpilot/internal/post"
	"postpilot/internal/store"
	"postpilot/internal/timeres"
)

// Bus event types emitted on job transitions.
const (
	EventCompleted       = "job.completed"
	EventFailed          = "job.failed"
	EventPartiallyFailed = "job.partially_failed"
	EventReclaimed       = "job.reclaimed"
)

// ErrPastSchedule is returned when the resolved time is further in the past
// than the grace window allows. It is an invalid-job error, so callers that
// only check store.ErrInvalidJob reject it too.
var ErrPastSchedule = fmt.Errorf("%w: scheduled time is in the past", store.ErrInvalidJob)

// Dispatcher executes one claimed job. Implemented by dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, j *post.Job) error
}

type Config struct {
	TickInterval  time.Duration // due-job poll period
	BatchLimit    int           // max jobs claimed per tick
	GraceWindow   time.Duration // how far in the past a schedule may land
	StaleAfter    time.Duration // executing older than this is reclaimed
	ReclaimPeriod time.Duration // stale-claim sweep period
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 16
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 2 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.ReclaimPeriod <= 0 {
		c.ReclaimPeriod = time.Minute
	}
	return c
}

// Request is one intake call: what to post, where, and when. When is a free
// form time expression ("tomorrow at 9am", "in 2 hours", RFC3339); At takes
// precedence when set.
type Request struct {
	Platforms []post.Platform
	Content   map[post.Platform]string
	When      string
	At        time.Time
}

type Service struct {
	cfg      Config
	store    store.Store
	dispatch Dispatcher
	resolver *timeres.Resolver
	bus      eventbus.Bus
	log      logx.Logger

	cron *cron.Cron
	now  func() time.Time
}

func New(cfg Config, st store.Store, d Dispatcher, res *timeres.Resolver, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    st,
		dispatch: d,
		resolver: res,
		bus:      bus,
		log:      log.With(logx.String("comp", "scheduler")),
		now:      time.Now,
	}
}

// Schedule resolves the request's time expression, validates it and persists
// the job in scheduled state. The job id is returned for cancellation and
// status queries.
func (s *Service) Schedule(ctx context.Context, req Request) (*post.Job, error) {
	now := s.now()

	at := req.At
	if at.IsZero() {
		if strings.TrimSpace(req.When) == "" {
			return nil, fmt.Errorf("%w: no scheduled time given", store.ErrInvalidJob)
		}
		resolved, err := s.resolver.Resolve(req.When, now)
		if err != nil {
			return nil, err
		}
		at = resolved
	}
	if at.Before(now.Add(-s.cfg.GraceWindow)) {
		return nil, fmt.Errorf("%w: %s", ErrPastSchedule, at.Format(time.RFC3339))
	}

	j := &post.Job{
		Platforms:   req.Platforms,
		Content:     req.Content,
		ScheduledAt: at,
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	s.log.Info("job scheduled",
		logx.String("job", j.ID),
		logx.Time("at", at),
		logx.Int("platforms", len(j.Platforms)))
	return j, nil
}

// Cancel stops a job before or during execution. Platforms already published
// stay published; pending retries are dropped because the requeue path only
// acts on executing jobs.
func (s *Service) Cancel(ctx context.Context, id string) error {
	ok, err := s.store.CancelJob(ctx, id, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s already finished", id)
	}
	s.log.Info("job cancelled", logx.String("job", id))
	return nil
}

// Job returns the current job record.
func (s *Service) Job(ctx context.Context, id string) (*post.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns recent jobs, optionally filtered by status.
func (s *Service) List(ctx context.Context, status post.JobStatus, limit int) ([]*post.Job, error) {
	return s.store.ListJobs(ctx, status, limit)
}

// Start launches the polling and reclaim loops on a cron runner. ctx bounds
// the work of each tick; Stop ends the loops.
func (s *Service) Start(ctx context.Context) error {
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.TickInterval), func() {
		if err := s.Tick(ctx); err != nil {
			s.log.Error("tick failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.ReclaimPeriod), func() {
		if err := s.ReclaimStale(ctx); err != nil {
			s.log.Error("stale reclaim failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.Info("scheduler started",
		logx.Duration("tick", s.cfg.TickInterval),
		logx.Duration("reclaim", s.cfg.ReclaimPeriod))
	return nil
}

func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.cron = nil
}

// Tick claims and executes every due job. Claims go through MarkExecuting so
// overlapping ticks (or a second process on the same database) never execute
// the same job twice; a lost claim is skipped silently.
func (s *Service) Tick(ctx context.Context) error {
	now := s.now()
	due, err := s.store.DueJobs(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list due jobs: %w", err)
	}
	for _, j := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		claimed, err := s.store.MarkExecuting(ctx, j.ID, now)
		if err != nil {
			s.log.Error("claim failed", logx.String("job", j.ID), logx.Err(err))
			continue
		}
		if !claimed {
			continue
		}
		s.execute(ctx, j)
	}
	return nil
}

func (s *Service) execute(ctx context.Context, j *post.Job) {
	log := s.log.With(logx.String("job", j.ID))
	if err := s.dispatch.Dispatch(ctx, j); err != nil {
		log.Error("dispatch failed", logx.Err(err))
	}

	now := s.now()
	requeued, err := s.store.Requeue(ctx, j.ID, now)
	if err != nil {
		log.Error("requeue failed", logx.Err(err))
		return
	}
	cur, err := s.store.GetJob(ctx, j.ID)
	if err != nil {
		log.Error("reload after dispatch failed", logx.Err(err))
		return
	}
	if requeued {
		log.Debug("job requeued", logx.Time("next", cur.ScheduledAt))
		return
	}
	s.announce(cur)
}

func (s *Service) announce(j *post.Job) {
	var typ string
	switch j.Status {
	case post.StatusCompleted:
		typ = EventCompleted
	case post.StatusFailed:
		typ = EventFailed
	case post.StatusPartiallyFailed:
		typ = EventPartiallyFailed
	default:
		// Cancelled mid-flight, nothing to announce.
		return
	}
	s.log.Info("job finished", logx.String("job", j.ID), logx.String("status", string(j.Status)))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: summarize(j)})
	}
}

// summarize flattens a finished job into the small payload carried on the bus.
func summarize(j *post.Job) map[string]any {
	platforms := map[string]any{}
	for _, p := range j.Platforms {
		o := j.Outcome(p)
		entry := map[string]any{
			"state":    string(o.State),
			"attempts": o.Attempts,
		}
		if o.ExternalID != "" {
			entry["external_id"] = o.ExternalID
		}
		if o.ErrorMsg != "" {
			entry["error"] = o.ErrorMsg
		}
		if o.Inconsistent {
			entry["inconsistent"] = true
		}
		platforms[string(p)] = entry
	}
	return map[string]any{
		"job_id":    j.ID,
		"status":    string(j.Status),
		"platforms": platforms,
	}
}

// ReclaimStale requeues jobs stuck in executing state past the stale cutoff,
// which happens when a process died between claim and requeue.
func (s *Service) ReclaimStale(ctx context.Context) error {
	now := s.now()
	n, err := s.store.ReclaimStale(ctx, now.Add(-s.cfg.StaleAfter), now)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Warn("reclaimed stale jobs", logx.Int("count", n))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: EventReclaimed, Data: map[string]any{"count": n}})
		}
	}
	return nil
}
