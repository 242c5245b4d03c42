// Package ai classifies incoming comments and drafts replies.
package ai

import (
	"context"
	"strings"
)

// Category is the classification a comment receives before any reply is
// drafted. Spam and other are skipped without a reply.
type Category string

const (
	CategoryQuestion  Category = "question"
	CategoryPraise    Category = "praise"
	CategoryComplaint Category = "complaint"
	CategorySpam      Category = "spam"
	CategoryOther     Category = "other"
)

// ReplyWorthy reports whether a comment in this category gets a reply.
func (c Category) ReplyWorthy() bool {
	switch c {
	case CategoryQuestion, CategoryPraise, CategoryComplaint:
		return true
	}
	return false
}

// Brain classifies comments and generates replies. Implementations must be
// safe for concurrent use; every call honors ctx deadlines.
type Brain interface {
	Classify(ctx context.Context, postContent, comment string) (Category, error)
	GenerateReply(ctx context.Context, postContent, comment string, cat Category) (string, error)
}

// spamMarkers short-circuit classification before any model call.
var spamMarkers = []string{
	"buy now",
	"click here",
	"free followers",
	"promo code",
	"dm for collab",
	"check my profile",
	"earn money fast",
}

// LooksLikeSpam applies the local spam heuristics.
func LooksLikeSpam(comment string) bool {
	lc := strings.ToLower(comment)
	for _, m := range spamMarkers {
		if strings.Contains(lc, m) {
			return true
		}
	}
	// A comment that is mostly links is spam whatever the words say.
	links := strings.Count(lc, "http://") + strings.Count(lc, "https://")
	return links >= 2
}

// ParseCategory normalizes a model answer to a known category, falling back
// to other for anything unexpected.
func ParseCategory(s string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryQuestion:
		return CategoryQuestion
	case CategoryPraise:
		return CategoryPraise
	case CategoryComplaint:
		return CategoryComplaint
	case CategorySpam:
		return CategorySpam
	default:
		return CategoryOther
	}
}
