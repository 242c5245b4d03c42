package platform

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logx "postpilot/pkg/logx"

	"postpilot/internal/post"
)

// DryRun is an adapter that publishes to the log only. It stands in for real
// platform clients in development and when a platform's credentials are not
// configured, returning synthetic external ids.
//
// Publishes are keyed by the idempotency key, so a retried publish for the
// same job returns the id minted by the first call.
type DryRun struct {
	name post.Platform
	log  logx.Logger

	seq atomic.Uint64

	mu     sync.Mutex
	posted map[string]string // idempotency key -> external id
}

func NewDryRun(name post.Platform, log logx.Logger) *DryRun {
	return &DryRun{name: name, log: log, posted: map[string]string{}}
}

func (d *DryRun) Name() post.Platform { return d.name }

func (d *DryRun) Publish(_ context.Context, content, key string) (string, error) {
	d.mu.Lock()
	if id, ok := d.posted[key]; ok && key != "" {
		d.mu.Unlock()
		return id, nil
	}
	id := fmt.Sprintf("%s-dry-%d", d.name, d.seq.Add(1))
	if key != "" {
		d.posted[key] = id
	}
	d.mu.Unlock()

	preview := content
	if len(preview) > 80 {
		preview = preview[:77] + "..."
	}
	d.log.Info("dry-run publish",
		logx.String("platform", string(d.name)),
		logx.String("external_id", id),
		logx.String("preview", preview),
	)
	return id, nil
}

func (d *DryRun) ListComments(_ context.Context, _ string, _ time.Time) ([]post.Comment, error) {
	return nil, nil
}

func (d *DryRun) PostReply(_ context.Context, postID, commentID, _ string) (string, error) {
	id := fmt.Sprintf("%s-reply-%d", d.name, d.seq.Add(1))
	d.log.Info("dry-run reply",
		logx.String("platform", string(d.name)),
		logx.String("post_id", postID),
		logx.String("comment_id", commentID),
		logx.String("external_id", id),
	)
	return id, nil
}
