// Package classify wraps the LLM capability behind closed-enum decisions.
// Prompt wording and output parsing are implementation details here; nothing
// outside this package ever sees raw model text.
package classify

import (
	"context"
	"strings"
)

// SpamVerdict is the closed spam decision.
type SpamVerdict int

const (
	NotSpam SpamVerdict = iota
	Spam
)

func (v SpamVerdict) String() string {
	if v == Spam {
		return "spam"
	}
	return "not-spam"
}

// ReplyVerdict is the closed reply-worthiness decision.
type ReplyVerdict int

const (
	NoReply ReplyVerdict = iota
	Reply
)

func (v ReplyVerdict) String() string {
	if v == Reply {
		return "reply"
	}
	return "no-reply"
}

// Email carries the message fields the drafting prompt needs.
type Email struct {
	From    string
	Subject string
	Body    string
}

// Classifier is the LLM capability. Implementations must be fail-safe: on
// unparseable model output they return the non-actionable verdict (NotSpam,
// NoReply) rather than an error. Errors are reserved for transport failures,
// and callers treat those as the non-actionable default too.
type Classifier interface {
	ClassifySpam(ctx context.Context, senderDomain, subject, content string) (SpamVerdict, error)
	ClassifyReply(ctx context.Context, senderDomain, subject, content string) (ReplyVerdict, error)
	Draft(ctx context.Context, persona string, email Email) (string, error)
	Persona(ctx context.Context, sentSamples []string) (string, error)
}

// parseBinary interprets a model reply constrained to "1" or "0". The second
// return is false for anything else, which callers map to the fail-safe
// default.
func parseBinary(text string) (bool, bool) {
	switch strings.TrimSpace(text) {
	case "1":
		return true, true
	case "0":
		return false, true
	default:
		return false, false
	}
}
