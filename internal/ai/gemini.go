package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	logx "postpilot/pkg/logx"
)

const defaultModel = "gemini-2.5-flash"

// fallbackReplies are used when reply generation fails after a successful
// classification, so an engaged commenter still gets an acknowledgement.
var fallbackReplies = map[Category]string{
	CategoryQuestion:  "Great question! Let me get back to you with a proper answer shortly.",
	CategoryPraise:    "Thank you, really glad you found it useful!",
	CategoryComplaint: "Sorry to hear that. Could you share a few more details so we can look into it?",
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

// Gemini is the production Brain backed by the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	log    logx.Logger
}

func NewGemini(ctx context.Context, cfg GeminiConfig, log logx.Logger) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Gemini{client: client, model: model, log: log.With(logx.String("comp", "ai"))}, nil
}

var _ Brain = (*Gemini)(nil)

func (g *Gemini) Classify(ctx context.Context, postContent, comment string) (Category, error) {
	if LooksLikeSpam(comment) {
		return CategorySpam, nil
	}
	prompt := fmt.Sprintf(`Classify the following comment on a social media post.
Answer with exactly one word from: question, praise, complaint, spam, other.

Post:
%s

Comment:
%s`, postContent, comment)

	out, err := g.generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	return ParseCategory(out), nil
}

func (g *Gemini) GenerateReply(ctx context.Context, postContent, comment string, cat Category) (string, error) {
	prompt := fmt.Sprintf(`You are replying on behalf of the author of a social media post.
The comment was classified as: %s.
Write a short, friendly reply (1-2 sentences, plain text, no hashtags).

Post:
%s

Comment:
%s`, cat, postContent, comment)

	out, err := g.generate(ctx, prompt)
	if err != nil {
		if canned, ok := fallbackReplies[cat]; ok {
			g.log.Warn("reply generation failed, using fallback", logx.Err(err))
			return canned, nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *Gemini) generate(ctx context.Context, prompt string) (string, error) {
	result, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if result == nil || len(result.Candidates) == 0 ||
		result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("empty model response")
	}
	return result.Candidates[0].Content.Parts[0].Text, nil
}
