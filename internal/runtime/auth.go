// internal/runtime/auth.go
package runtime

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/mbrt/gmailctl/cmd/gmailctl/localcred"
	gmailapi "google.golang.org/api/gmail/v1"

	gc "github.com/joshsymonds/mailsentinel/internal/gmail"
	"github.com/joshsymonds/mailsentinel/internal/rate"
)

// NewLocalClient authorizes against the credential files in cfgDir using the
// local browser flow and returns a bound client. This is the operator path:
// the service itself builds clients from stored credentials via Provider.
func NewLocalClient(ctx context.Context, cfgDir, topic string) (gc.Client, error) {
	svc, err := (localcred.Provider{}).ServiceWithScopes(ctx, cfgDir,
		gmailapi.GmailModifyScope, gmailapi.GmailSendScope)
	if err != nil {
		return nil, err
	}
	return NewGoogleAPIClient(svc, topic, rate.Unlimited{}, nil), nil
}

func DefaultLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
