package ai

import (
	"context"
	"strings"
)

// Static is a rule-based Brain for development and tests: keyword
// classification and canned replies, no network.
type Static struct{}

var _ Brain = Static{}

func (Static) Classify(_ context.Context, _ string, comment string) (Category, error) {
	if LooksLikeSpam(comment) {
		return CategorySpam, nil
	}
	lc := strings.ToLower(comment)
	switch {
	case strings.Contains(lc, "?") || strings.HasPrefix(lc, "how ") || strings.HasPrefix(lc, "why "):
		return CategoryQuestion, nil
	case strings.Contains(lc, "great") || strings.Contains(lc, "love") || strings.Contains(lc, "thanks"):
		return CategoryPraise, nil
	case strings.Contains(lc, "broken") || strings.Contains(lc, "doesn't work") || strings.Contains(lc, "bad"):
		return CategoryComplaint, nil
	default:
		return CategoryOther, nil
	}
}

func (Static) GenerateReply(_ context.Context, _, _ string, cat Category) (string, error) {
	if r, ok := fallbackReplies[cat]; ok {
		return r, nil
	}
	return "Thanks for reading!", nil
}
