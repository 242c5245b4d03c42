// Package platform defines the narrow seam between the scheduling core and
// the per-platform API clients. Wire formats live behind Adapter; the core
// only sees external ids, comments, and classified errors.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postpilot/internal/post"
)

// Adapter is implemented once per platform.
//
// Publish must treat idempotencyKey (the job id) as a dedup key where the
// platform API allows it, so a retried publish after a crash does not create
// a duplicate post. All calls are expected to honor ctx deadlines.
type Adapter interface {
	Name() post.Platform
	Publish(ctx context.Context, content string, idempotencyKey string) (externalPostID string, err error)
	ListComments(ctx context.Context, postID string, since time.Time) ([]post.Comment, error)
	PostReply(ctx context.Context, postID, commentID, text string) (externalReplyID string, err error)
}

// Error carries a retryability classification across the adapter boundary.
type Error struct {
	Kind post.ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as retryable (timeouts, 5xx, rate limits).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: post.ErrorKindTransient, Err: err}
}

// Permanent wraps err as non-retryable (auth, validation, unsupported ops).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: post.ErrorKindPermanent, Err: err}
}

// Classify maps an adapter error to a retry class. Unclassified errors count
// as transient: network-level failures dominate that bucket and retrying a
// genuinely permanent error is bounded by the retry policy anyway.
func Classify(err error) post.ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return post.ErrorKindTransient
}

var ErrUnknownPlatform = errors.New("unknown platform")

// Registry holds the configured adapters, keyed by platform.
type Registry struct {
	mu       sync.RWMutex
	adapters map[post.Platform]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[post.Platform]Adapter{}}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
}

func (r *Registry) Get(p post.Platform) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[p]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, p)
	}
	return a, nil
}

func (r *Registry) Names() []post.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]post.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		names = append(names, p)
	}
	return names
}

// RateLimited wraps an adapter with a token bucket so one platform's API
// budget is respected regardless of how many loops call into it.
func RateLimited(a Adapter, perSec int) Adapter {
	if perSec <= 0 {
		return a
	}
	return &limitedAdapter{
		Adapter: a,
		lim:     rate.NewLimiter(rate.Limit(perSec), perSec),
	}
}

type limitedAdapter struct {
	Adapter
	lim *rate.Limiter
}

func (l *limitedAdapter) Publish(ctx context.Context, content, key string) (string, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return "", Transient(err)
	}
	return l.Adapter.Publish(ctx, content, key)
}

func (l *limitedAdapter) ListComments(ctx context.Context, postID string, since time.Time) ([]post.Comment, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return nil, Transient(err)
	}
	return l.Adapter.ListComments(ctx, postID, since)
}

func (l *limitedAdapter) PostReply(ctx context.Context, postID, commentID, text string) (string, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return "", Transient(err)
	}
	return l.Adapter.PostReply(ctx, postID, commentID, text)
}
