// Package responder turns a newly observed comment into (at most) one reply:
// classify, persist the classification, draft, post, persist the reply id.
package responder

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "postpilot/pkg/logx"

	"postpilot/internal/ai"
	"postpilot/internal/eventbus"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	"postpilot/internal/store"
)

// EventEscalated is published when a comment exhausts its reply attempts and
// is parked for a human.
const EventEscalated = "comment.escalated"

type Config struct {
	MaxPasses   int           // pipeline attempts per comment before escalation
	CallTimeout time.Duration // per AI or platform call
	ClaimTTL    time.Duration // exclusive lease held for the duration of a pass
}

func (c Config) withDefaults() Config {
	if c.MaxPasses <= 0 {
		c.MaxPasses = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 2 * time.Minute
	}
	return c
}

type Pipeline struct {
	cfg   Config
	store store.Store
	reg   *platform.Registry
	brain ai.Brain
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func New(cfg Config, st store.Store, reg *platform.Registry, brain ai.Brain, bus eventbus.Bus, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		cfg:   cfg.withDefaults(),
		store: st,
		reg:   reg,
		brain: brain,
		bus:   bus,
		log:   log.With(logx.String("comp", "responder")),
		now:   time.Now,
	}
}

// errReplyUnrecorded marks the one failure mode where the reply is already
// live on the platform but the responded mark did not persist. The claim is
// kept in that case so no other pass can post again before the ttl runs out.
var errReplyUnrecorded = errors.New("reply posted but not recorded")

// Process runs one pipeline pass over the comment. Progress persists after
// each step, so a crash resumes from the last completed step instead of
// redoing it: an already classified comment skips classification, and a
// responded comment is never touched again.
//
// A pass starts by claiming the comment through the store, the same
// single-writer-wins rule the dispatcher uses for jobs. That serializes the
// inline pass from a fresh poll against the retry sweep, which can otherwise
// pick up the same comment on its own tick.
//
// A failed pass releases the claim and leaves the comment pending; the
// monitor's retry sweep feeds it back here until the pass budget runs out and
// the comment is escalated.
func (p *Pipeline) Process(ctx context.Context, c post.Comment) error {
	log := p.log.With(
		logx.String("platform", string(c.Platform)),
		logx.String("comment", c.ExternalID))

	if c.Status == post.ResponseResponded || c.Status == post.ResponseSkipped {
		return nil
	}

	claimed, err := p.store.ClaimComment(ctx, c.Platform, c.ExternalID, p.now(), p.cfg.ClaimTTL)
	if err != nil {
		return fmt.Errorf("claim comment: %w", err)
	}
	if !claimed {
		log.Debug("comment claimed elsewhere or already settled")
		return nil
	}

	// Re-read after winning the claim: the snapshot the caller passed in may
	// predate a pass that already classified the comment.
	fresh, err := p.store.GetComment(ctx, c.Platform, c.ExternalID)
	if err != nil {
		p.release(ctx, c, log)
		return fmt.Errorf("refresh comment: %w", err)
	}
	c = *fresh
	if c.Status == post.ResponseResponded || c.Status == post.ResponseSkipped {
		p.release(ctx, c, log)
		return nil
	}

	if err := p.pass(ctx, c, log); err != nil {
		if !errors.Is(err, errReplyUnrecorded) {
			p.release(ctx, c, log)
		}
		return err
	}
	return nil
}

func (p *Pipeline) release(ctx context.Context, c post.Comment, log logx.Logger) {
	if err := p.store.ReleaseComment(ctx, c.Platform, c.ExternalID); err != nil {
		log.Warn("release comment claim failed", logx.Err(err))
	}
}

// pass runs the pipeline body under an already held claim. The terminal
// marks (responded, skipped) clear the claim in the store.
func (p *Pipeline) pass(ctx context.Context, c post.Comment, log logx.Logger) error {
	passes, err := p.store.BumpCommentPasses(ctx, c.Platform, c.ExternalID)
	if err != nil {
		return fmt.Errorf("bump passes: %w", err)
	}
	if passes > p.cfg.MaxPasses {
		log.Warn("comment escalated after repeated failures", logx.Int("passes", passes))
		if err := p.store.MarkCommentSkipped(ctx, c.Platform, c.ExternalID, c.Category); err != nil {
			return fmt.Errorf("mark skipped: %w", err)
		}
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: EventEscalated, Data: map[string]any{
				"platform":   string(c.Platform),
				"comment_id": c.ExternalID,
				"post_id":    c.PostID,
				"passes":     passes,
			}})
		}
		return nil
	}

	postContent := p.postContent(ctx, &c)

	cat := ai.Category(c.Category)
	if c.Status == post.ResponseUnseen {
		cat, err = p.classify(ctx, postContent, c.Text)
		if err != nil {
			return fmt.Errorf("classify: %w", err)
		}
		if err := p.store.MarkCommentClassified(ctx, c.Platform, c.ExternalID, string(cat)); err != nil {
			return fmt.Errorf("mark classified: %w", err)
		}
		log.Debug("comment classified", logx.String("category", string(cat)))
	}

	if !cat.ReplyWorthy() {
		if err := p.store.MarkCommentSkipped(ctx, c.Platform, c.ExternalID, string(cat)); err != nil {
			return fmt.Errorf("mark skipped: %w", err)
		}
		return nil
	}

	reply, err := p.generateReply(ctx, postContent, c.Text, cat)
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}

	adapter, err := p.reg.Get(c.Platform)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	replyID, err := adapter.PostReply(callCtx, c.PostID, c.ExternalID, reply)
	cancel()
	if err != nil {
		return fmt.Errorf("post reply: %w", err)
	}

	if err := p.store.MarkCommentResponded(ctx, c.Platform, c.ExternalID, replyID); err != nil {
		// The reply is live even though bookkeeping failed; the next pass
		// must not post again, so this is an error worth surfacing loudly.
		log.Error("reply posted but not persisted", logx.Err(err), logx.String("reply", replyID))
		return fmt.Errorf("%w: %v", errReplyUnrecorded, err)
	}
	log.Info("replied", logx.String("category", string(cat)), logx.String("reply", replyID))
	return nil
}

// postContent best-effort recovers the original post text for model context.
func (p *Pipeline) postContent(ctx context.Context, c *post.Comment) string {
	if c.JobID == "" {
		return ""
	}
	j, err := p.store.GetJob(ctx, c.JobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.log.Warn("post content lookup failed", logx.Err(err))
		}
		return ""
	}
	return j.Content[c.Platform]
}

func (p *Pipeline) classify(ctx context.Context, postContent, comment string) (ai.Category, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	return p.brain.Classify(callCtx, postContent, comment)
}

func (p *Pipeline) generateReply(ctx context.Context, postContent, comment string, cat ai.Category) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	return p.brain.GenerateReply(callCtx, postContent, comment, cat)
}
