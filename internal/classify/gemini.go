package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultModel = "gemini-2.0-flash"

// Gemini implements Classifier on Google's generative model API.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	log    *slog.Logger
}

// NewGemini builds a Classifier against the given model (empty picks the
// default).
func NewGemini(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Gemini, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = defaultModel
	}
	return &Gemini{client: client, model: client.GenerativeModel(model), log: logger}, nil
}

// Close releases the underlying API client.
func (g *Gemini) Close() error { return g.client.Close() }

func (g *Gemini) ClassifySpam(ctx context.Context, senderDomain, subject, content string) (SpamVerdict, error) {
	prompt := fmt.Sprintf(`Classify this email as either "spam" or "not spam".

From domain: %s
Subject: %s

Email content:
%s

Return ONLY '1' if it is spam, or '0' if it is not spam. Do not return anything else.`,
		senderDomain, subject, content)

	text, err := g.generate(ctx, prompt)
	if err != nil {
		return NotSpam, fmt.Errorf("classify spam: %w", err)
	}
	isSpam, ok := parseBinary(text)
	if !ok {
		g.log.WarnContext(ctx, "unparseable spam verdict, defaulting to not-spam", "output", text)
		return NotSpam, nil
	}
	if isSpam {
		return Spam, nil
	}
	return NotSpam, nil
}

func (g *Gemini) ClassifyReply(ctx context.Context, senderDomain, subject, content string) (ReplyVerdict, error) {
	prompt := fmt.Sprintf(`Classify this email as either "reply" or "dont_reply".

From domain: %s
Subject: %s

Email content:
%s

Return ONLY '1' if this email should be replied to, or '0' if it should not. Do not return anything else.`,
		senderDomain, subject, content)

	text, err := g.generate(ctx, prompt)
	if err != nil {
		return NoReply, fmt.Errorf("classify reply: %w", err)
	}
	shouldReply, ok := parseBinary(text)
	if !ok {
		g.log.WarnContext(ctx, "unparseable reply verdict, defaulting to no-reply", "output", text)
		return NoReply, nil
	}
	if shouldReply {
		return Reply, nil
	}
	return NoReply, nil
}

func (g *Gemini) Draft(ctx context.Context, persona string, email Email) (string, error) {
	prompt := fmt.Sprintf(`Taking into account the sender (and their email address), subject, and body, give me a plain string response to this email:

START OF EMAIL
From: %s
Subject: %s
Body:
%s

Use this as the persona of the responder and act as them fully:

%s`, email.From, email.Subject, email.Body, persona)

	text, err := g.generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("draft reply: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func (g *Gemini) Persona(ctx context.Context, sentSamples []string) (string, error) {
	prompt := "Take these emails and give me a plain string prompt, usable later as-is, that acts as a persona" +
		" capturing the sender's writing style, tone, and level of professionalism, taking into account who each" +
		" email is addressed to:\n\n" + strings.Join(sentSamples, "\n\n")

	text, err := g.generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("build persona: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func (g *Gemini) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	return b.String(), nil
}

var _ Classifier = (*Gemini)(nil)
