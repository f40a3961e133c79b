package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	gc "github.com/joshsymonds/mailsentinel/internal/gmail"
	"github.com/joshsymonds/mailsentinel/internal/rate"
	"github.com/joshsymonds/mailsentinel/internal/store"
)

// OAuthConfig identifies the application to the provider. The per-user
// refresh tokens live in the store.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Provider builds a bound client for each user from the credential blob in
// the store. All clients share one rate limiter and one circuit breaker so
// quota and failure accounting are global.
type Provider struct {
	Store   store.Store
	Topic   string
	Limiter rate.Limiter

	oauth   *oauth2.Config
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	clients map[string]gc.Client
}

func NewProvider(st store.Store, cfg OAuthConfig, topic string, limiter rate.Limiter) *Provider {
	return &Provider{
		Store:   st,
		Topic:   topic,
		Limiter: limiter,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes: []string{
				gmailapi.GmailModifyScope,
				gmailapi.GmailSendScope,
			},
			Endpoint: google.Endpoint,
		},
		breaker: NewBreaker(),
		clients: map[string]gc.Client{},
	}
}

// ClientFor resolves the user's stored credential into a bound client. A
// missing or unparseable credential is an auth problem, not a transient one.
func (p *Provider) ClientFor(ctx context.Context, userKey string) (gc.Client, error) {
	p.mu.Lock()
	if c, ok := p.clients[userKey]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	user, err := p.Store.User(ctx, userKey)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", userKey, err)
	}
	if len(user.Credential) == 0 {
		return nil, fmt.Errorf("no credential stored for %s: %w", userKey, gc.ErrAuthRequired)
	}
	var token oauth2.Token
	if err := json.Unmarshal(user.Credential, &token); err != nil {
		return nil, fmt.Errorf("credential for %s unreadable: %w", userKey, gc.ErrAuthRequired)
	}

	// The token source refreshes transparently; the service is built once
	// with a background context so it outlives the triggering request.
	src := p.oauth.TokenSource(context.Background(), &token)
	svc, err := gmailapi.NewService(context.Background(), option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("gmail service for %s: %w", userKey, err)
	}
	client := NewGoogleAPIClient(svc, p.Topic, p.Limiter, p.breaker)

	p.mu.Lock()
	p.clients[userKey] = client
	p.mu.Unlock()
	return client, nil
}

// Forget drops the cached client, forcing the next ClientFor to rebuild from
// the stored credential. Call after re-enrollment replaces a credential.
func (p *Provider) Forget(userKey string) {
	p.mu.Lock()
	delete(p.clients, userKey)
	p.mu.Unlock()
}

// EncodeCredential serializes a token for storage in the user row.
func EncodeCredential(token *oauth2.Token) ([]byte, error) {
	data, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("encode credential: %w", err)
	}
	return data, nil
}

var _ gc.ClientProvider = (*Provider)(nil)
