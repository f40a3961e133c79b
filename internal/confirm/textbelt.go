package confirm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const textbeltEndpoint = "https://textbelt.com/text"

// Textbelt sends SMS through the Textbelt HTTP API. When ReplyWebhookURL is
// set, Textbelt posts inbound replies there, which is how yes/no answers
// reach the gate.
type Textbelt struct {
	Key             string
	ReplyWebhookURL string
	HTTPClient      *http.Client
	Endpoint        string
}

func NewTextbelt(key, replyWebhookURL string) *Textbelt {
	return &Textbelt{
		Key:             key,
		ReplyWebhookURL: replyWebhookURL,
		HTTPClient:      &http.Client{Timeout: 15 * time.Second},
		Endpoint:        textbeltEndpoint,
	}
}

type textbeltResponse struct {
	Success bool   `json:"success"`
	TextID  any    `json:"textId"`
	Error   string `json:"error"`
}

func (t *Textbelt) SendText(ctx context.Context, phone, message string) (string, error) {
	form := url.Values{
		"phone":   {phone},
		"message": {message},
		"key":     {t.Key},
	}
	if t.ReplyWebhookURL != "" {
		form.Set("replyWebhookUrl", t.ReplyWebhookURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build textbelt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post to textbelt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body textbeltResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode textbelt response: %w", err)
	}
	if !body.Success {
		return "", fmt.Errorf("textbelt rejected send: %s", body.Error)
	}
	return fmt.Sprint(body.TextID), nil
}

var _ Texter = (*Textbelt)(nil)
