// Package monitor watches published posts for new comments and feeds them to
// the response pipeline. Dedup lives in the store, watermarks keep polling
// incremental, and a retry sweep picks up comments whose pipeline pass failed.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "postpilot/pkg/logx"

	"postpilot/internal/platform"
	"postpilot/internal/post"
	"postpilot/internal/store"
)

// Processor handles one pending comment. Implemented by responder.Pipeline.
type Processor interface {
	Process(ctx context.Context, c post.Comment) error
}

type Config struct {
	PollInterval  time.Duration // comment poll period per published post
	RetryInterval time.Duration // pending-comment sweep period
	RetryBatch    int           // max pending comments per sweep
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Minute
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Minute
	}
	if c.RetryBatch <= 0 {
		c.RetryBatch = 32
	}
	return c
}

type Service struct {
	cfg   Config
	store store.Store
	reg   *platform.Registry
	proc  Processor
	log   logx.Logger

	cron *cron.Cron
	now  func() time.Time
}

func New(cfg Config, st store.Store, reg *platform.Registry, proc Processor, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		store: st,
		reg:   reg,
		proc:  proc,
		log:   log.With(logx.String("comp", "monitor")),
		now:   time.Now,
	}
}

// Start launches the poll and retry loops.
func (s *Service) Start(ctx context.Context) error {
	if s.cron != nil {
		return errors.New("monitor already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.PollInterval), func() {
		if err := s.Poll(ctx); err != nil {
			s.log.Error("poll failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.RetryInterval), func() {
		if err := s.RetryPending(ctx); err != nil {
			s.log.Error("retry sweep failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.Info("monitor started",
		logx.Duration("poll", s.cfg.PollInterval),
		logx.Duration("retry", s.cfg.RetryInterval))
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

// Poll fetches new comments for every published post. Re-polling the same
// window is always safe: the (platform, comment id) insert is the dedup
// point, and a comment only enters the pipeline when its insert won.
func (s *Service) Poll(ctx context.Context) error {
	published, err := s.store.PublishedPosts(ctx)
	if err != nil {
		return fmt.Errorf("list published posts: %w", err)
	}
	for _, pp := range published {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.pollPost(ctx, pp); err != nil {
			s.log.Error("poll post failed",
				logx.String("platform", string(pp.Platform)),
				logx.String("post", pp.ExternalID),
				logx.Err(err))
		}
	}
	return nil
}

func (s *Service) pollPost(ctx context.Context, pp post.PublishedPost) error {
	adapter, err := s.reg.Get(pp.Platform)
	if err != nil {
		return err
	}
	since, err := s.store.Watermark(ctx, pp.Platform, pp.ExternalID)
	if err != nil {
		return fmt.Errorf("watermark: %w", err)
	}

	comments, err := adapter.ListComments(ctx, pp.ExternalID, since)
	if err != nil {
		return fmt.Errorf("list comments: %w", err)
	}

	mark := since
	for _, c := range comments {
		// Malformed entries from the platform are dropped, not stored.
		if strings.TrimSpace(c.ExternalID) == "" || strings.TrimSpace(c.Text) == "" {
			continue
		}
		c.Platform = pp.Platform
		c.PostID = pp.ExternalID
		c.JobID = pp.JobID
		if c.SeenAt.IsZero() {
			c.SeenAt = s.now()
		}

		inserted, err := s.store.InsertCommentIfAbsent(ctx, c)
		if err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		if inserted {
			if err := s.proc.Process(ctx, c); err != nil {
				// Leave the comment pending; the retry sweep owns it now.
				s.log.Warn("comment pipeline pass failed",
					logx.String("comment", c.ExternalID), logx.Err(err))
			}
		}
		if c.SeenAt.After(mark) {
			mark = c.SeenAt
		}
	}

	// Advance the watermark only when the whole page made it into the store,
	// so a failed insert is re-fetched next poll. Pipeline failures do not
	// hold it back; those comments are already persisted as pending.
	if mark.After(since) {
		if err := s.store.SetWatermark(ctx, pp.Platform, pp.ExternalID, mark); err != nil {
			return fmt.Errorf("set watermark: %w", err)
		}
	}
	return nil
}

// RetryPending re-runs the pipeline over comments stuck before responded,
// oldest first. The pipeline's own pass budget bounds how often a comment
// comes through here.
func (s *Service) RetryPending(ctx context.Context) error {
	pending, err := s.store.PendingComments(ctx, s.cfg.RetryBatch)
	if err != nil {
		return fmt.Errorf("list pending comments: %w", err)
	}
	for _, c := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.proc.Process(ctx, c); err != nil {
			s.log.Warn("comment retry pass failed",
				logx.String("comment", c.ExternalID), logx.Err(err))
		}
	}
	return nil
}
