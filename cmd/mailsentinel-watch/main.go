// mailsentinel-watch is the operator CLI: enroll a mailbox, open or close its
// watch lease, rebuild its reply persona, or show its sync status.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joshsymonds/mailsentinel/internal/classify"
	"github.com/joshsymonds/mailsentinel/internal/config"
	"github.com/joshsymonds/mailsentinel/internal/gmail"
	"github.com/joshsymonds/mailsentinel/internal/pipeline"
	"github.com/joshsymonds/mailsentinel/internal/rate"
	"github.com/joshsymonds/mailsentinel/internal/runtime"
	"github.com/joshsymonds/mailsentinel/internal/store"
	"github.com/joshsymonds/mailsentinel/internal/watch"
)

const personaSampleCount = 25

type watchConfig struct {
	configPath string
	cfgDir     string
	user       string
	phone      string
	command    string
}

func main() {
	cfg, err := parseWatchFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		runtime.DefaultLogger("info").Error("mailsentinel-watch failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mailsentinel-watch [flags] enroll|open|close|status|persona")
	flag.PrintDefaults()
}

func parseWatchFlags() (watchConfig, error) {
	configPath := flag.String("config", "mailsentinel.yaml", "path to configuration file")
	cfgDir := flag.String("auth-dir", os.ExpandEnv("$HOME/.mailsentinel"), "local OAuth credential directory")
	user := flag.String("user", "", "mailbox address to operate on")
	phone := flag.String("phone", "", "SMS number for reply confirmations (enroll only)")
	flag.Parse()

	if flag.NArg() != 1 {
		return watchConfig{}, fmt.Errorf("exactly one command expected")
	}
	cfg := watchConfig{
		configPath: *configPath,
		cfgDir:     *cfgDir,
		user:       *user,
		phone:      *phone,
		command:    flag.Arg(0),
	}
	if cfg.user == "" {
		return watchConfig{}, fmt.Errorf("-user is required")
	}
	return cfg, nil
}

func run(wc watchConfig) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(wc.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := runtime.DefaultLogger(cfg.Logging.Level)

	var st store.Store
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgres(cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pg.Close()
		st = pg
	} else {
		return fmt.Errorf("operator commands need database.dsn configured")
	}

	provider := runtime.NewProvider(st, runtime.OAuthConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
	}, cfg.PubSub.Topic, rate.Unlimited{})

	labels := make([]gmail.LabelID, 0, len(cfg.Watch.LabelIDs))
	for _, id := range cfg.Watch.LabelIDs {
		labels = append(labels, gmail.LabelID(id))
	}
	manager := watch.NewManager(st, provider, labels, logger)

	switch wc.command {
	case "enroll":
		return enroll(ctx, wc, cfg, st, manager)
	case "open":
		w, err := manager.Open(ctx, wc.user)
		if err != nil {
			return err
		}
		fmt.Printf("watch open for %s until %s (history %s)\n", wc.user, w.Expires.Format("2006-01-02 15:04"), w.HistoryID)
		return nil
	case "close":
		if err := manager.Close(ctx, wc.user); err != nil {
			return err
		}
		fmt.Printf("watch closed for %s\n", wc.user)
		return nil
	case "status":
		return status(ctx, wc.user, st, provider)
	case "persona":
		return rebuildPersona(ctx, wc.user, cfg, st, provider)
	default:
		return fmt.Errorf("unknown command %q", wc.command)
	}
}

// enroll runs the local browser OAuth flow, stores the resulting credential
// on the user row, and opens the first watch lease.
func enroll(ctx context.Context, wc watchConfig, cfg *config.Config, st store.Store, manager *watch.Manager) error {
	if _, err := runtime.NewLocalClient(ctx, wc.cfgDir, cfg.PubSub.Topic); err != nil {
		return fmt.Errorf("authorize %s: %w", wc.user, err)
	}
	// localcred leaves the refreshable token alongside the client secret.
	token, err := os.ReadFile(filepath.Join(wc.cfgDir, "token.json"))
	if err != nil {
		return fmt.Errorf("read issued token: %w", err)
	}

	if err := st.UpsertUser(ctx, store.User{
		Key:        wc.user,
		Credential: token,
		Phone:      wc.phone,
	}); err != nil {
		return fmt.Errorf("store user %s: %w", wc.user, err)
	}

	w, err := manager.Open(ctx, wc.user)
	if err != nil {
		return fmt.Errorf("open initial watch: %w", err)
	}
	fmt.Printf("enrolled %s; watch open until %s\n", wc.user, w.Expires.Format("2006-01-02 15:04"))
	return nil
}

func status(ctx context.Context, userKey string, st store.Store, provider gmail.ClientProvider) error {
	user, err := st.User(ctx, userKey)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	fmt.Printf("user:        %s\n", user.Key)
	fmt.Printf("cursor:      %s\n", user.LastHistoryID)
	if user.WatchExpiry.IsZero() {
		fmt.Println("watch:       closed")
	} else {
		fmt.Printf("watch:       open until %s\n", user.WatchExpiry.Format("2006-01-02 15:04"))
	}
	fmt.Printf("persona:     %v\n", user.Persona != "")
	fmt.Printf("sms number:  %v\n", user.Phone != "")

	client, err := provider.ClientFor(ctx, userKey)
	if err != nil {
		fmt.Printf("provider:    unavailable (%v)\n", err)
		return nil
	}
	profile, err := client.Profile(ctx)
	if err != nil {
		fmt.Printf("provider:    unreachable (%v)\n", err)
		return nil
	}
	fmt.Printf("provider at: %s\n", profile.HistoryID)
	return nil
}

// rebuildPersona samples the user's sent mail and distills a reply persona
// from it.
func rebuildPersona(ctx context.Context, userKey string, cfg *config.Config, st store.Store, provider gmail.ClientProvider) error {
	client, err := provider.ClientFor(ctx, userKey)
	if err != nil {
		return fmt.Errorf("client for %s: %w", userKey, err)
	}
	sent, err := client.ListSent(ctx, personaSampleCount)
	if err != nil {
		return fmt.Errorf("sample sent mail: %w", err)
	}
	if len(sent) == 0 {
		return fmt.Errorf("no sent mail to sample for %s", userKey)
	}
	samples := make([]string, 0, len(sent))
	for _, m := range sent {
		samples = append(samples, pipeline.ExtractText(m))
	}

	classifier, err := classify.NewGemini(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, nil)
	if err != nil {
		return fmt.Errorf("create classifier: %w", err)
	}
	defer classifier.Close()

	persona, err := classifier.Persona(ctx, samples)
	if err != nil {
		return fmt.Errorf("build persona: %w", err)
	}
	if err := st.SetPersona(ctx, userKey, persona); err != nil {
		return fmt.Errorf("store persona: %w", err)
	}
	fmt.Printf("persona rebuilt for %s from %d sent messages\n", userKey, len(samples))
	return nil
}
