// Package dispatch executes one claimed job against every platform it names.
//
// The dispatcher is stateless between calls: all progress lands in the store
// as per-platform outcomes, so a crash mid-fanout loses at most the work of
// the in-flight API calls and a re-dispatch picks up where the outcomes say.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	logx "postpilot/pkg/logx"

	"postpilot/internal/eventbus"
	"postpilot/internal/platform"
	"postpilot/internal/post"
	"postpilot/internal/store"
)

const (
	// EventInconsistent is published when a platform accepted the post but
	// the outcome could not be persisted. Needs manual reconciliation.
	EventInconsistent = "publish.inconsistent"

	defaultCallTimeout = 30 * time.Second
	defaultConcurrency = 3
)

type Options struct {
	Retry       RetryPolicy
	CallTimeout time.Duration // per platform API call
	Concurrency int           // parallel platform calls per job
}

type Dispatcher struct {
	store store.Store
	reg   *platform.Registry
	bus   eventbus.Bus
	log   logx.Logger

	retry       RetryPolicy
	callTimeout time.Duration
	concurrency int

	now func() time.Time
}

func New(st store.Store, reg *platform.Registry, bus eventbus.Bus, log logx.Logger, opts Options) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	ct := opts.CallTimeout
	if ct <= 0 {
		ct = defaultCallTimeout
	}
	cc := opts.Concurrency
	if cc <= 0 {
		cc = defaultConcurrency
	}
	return &Dispatcher{
		store:       st,
		reg:         reg,
		bus:         bus,
		log:         log.With(logx.String("comp", "dispatch")),
		retry:       opts.Retry.normalized(),
		callTimeout: ct,
		concurrency: cc,
		now:         time.Now,
	}
}

// Dispatch runs one publish pass over the job's platforms.
//
// Platforms that are already terminal are skipped (re-dispatch after a retry
// or crash never double-posts a succeeded platform), and platforms whose
// retry is not due yet are left alone. Each result is persisted through
// UpdateOutcome before Dispatch returns; the caller decides what to do with
// the job afterwards (Requeue when outcomes are still live).
//
// Failures stay per platform: the group carries no shared cancel, so one
// platform's error never interrupts a sibling's in-flight Publish.
func (d *Dispatcher) Dispatch(ctx context.Context, j *post.Job) error {
	now := d.now()

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, p := range j.Platforms {
		o := j.Outcome(p)
		if o.Terminal() {
			continue
		}
		if !o.NextAttemptAt.IsZero() && now.Before(o.NextAttemptAt) {
			continue
		}
		p, o := p, o
		g.Go(func() error {
			return d.dispatchOne(ctx, j, p, o, now)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) dispatchOne(ctx context.Context, j *post.Job, p post.Platform, prev post.Outcome, now time.Time) error {
	log := d.log.With(logx.String("job", j.ID), logx.String("platform", string(p)))
	attempts := prev.Attempts + 1

	adapter, err := d.reg.Get(p)
	if err != nil {
		// Misconfiguration, not a platform hiccup. Fail the platform outright.
		return d.record(ctx, j, p, post.Outcome{
			State:     post.OutcomeFailed,
			ErrorKind: post.ErrorKindPermanent,
			ErrorMsg:  err.Error(),
			Attempts:  attempts,
		}, now, log)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	extID, err := adapter.Publish(callCtx, j.Content[p], j.ID)
	cancel()

	if err == nil {
		log.Info("published", logx.String("external_id", extID), logx.Int("attempts", attempts))
		return d.record(ctx, j, p, post.Outcome{
			State:      post.OutcomeSucceeded,
			ExternalID: extID,
			Attempts:   attempts,
		}, now, log)
	}

	kind := platform.Classify(err)
	o := post.Outcome{
		State:     post.OutcomeFailed,
		ErrorKind: kind,
		ErrorMsg:  err.Error(),
		Attempts:  attempts,
	}
	if kind == post.ErrorKindTransient {
		if next, ok := d.retry.NextAttempt(now, attempts); ok {
			o.NextAttemptAt = next
			log.Warn("publish failed, retry scheduled",
				logx.Err(err), logx.Int("attempts", attempts), logx.Time("next_attempt", next))
			return d.record(ctx, j, p, o, now, log)
		}
	}
	log.Error("publish failed permanently", logx.Err(err), logx.Int("attempts", attempts))
	return d.record(ctx, j, p, o, now, log)
}

// record persists one outcome. A persistence failure after a successful
// publish is the one place the store and the platform can disagree, so it is
// flagged as inconsistent and surfaced on the bus instead of being retried
// (a retry would double-post).
func (d *Dispatcher) record(ctx context.Context, j *post.Job, p post.Platform, o post.Outcome, now time.Time, log logx.Logger) error {
	err := d.store.UpdateOutcome(ctx, j.ID, p, o, now)
	if err == nil {
		return nil
	}
	if o.State != post.OutcomeSucceeded {
		return fmt.Errorf("record outcome %s/%s: %w", j.ID, p, err)
	}

	o.Inconsistent = true
	log.Error("publish succeeded but outcome not persisted",
		logx.Err(err), logx.String("external_id", o.ExternalID))
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: EventInconsistent, Data: map[string]any{
			"job_id":      j.ID,
			"platform":    string(p),
			"external_id": o.ExternalID,
			"error":       err.Error(),
		}})
	}
	// Best effort second write so the flag survives if the store recovered.
	if err2 := d.store.UpdateOutcome(ctx, j.ID, p, o, now); err2 != nil {
		return fmt.Errorf("record outcome %s/%s: %w", j.ID, p, err)
	}
	return nil
}
