package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/joshsymonds/mailsentinel/internal/gmail"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres is the durable Store. Cursor advancement uses a conditional
// UPDATE so that concurrent ingests for the same user cannot regress the
// cursor regardless of interleaving.
type Postgres struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn must not be empty")
	}
	return &Postgres{dsn: dsn, openDB: sql.Open}, nil
}

func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = fmt.Errorf("open postgres: %w", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				p.initErr = fmt.Errorf("init schema: %w", err)
				_ = db.Close()
				return
			}
		}
		p.db = db
	})
	return p.initErr
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS mailsentinel_users (
		user_key        TEXT PRIMARY KEY,
		credential      BYTEA,
		last_history_id BIGINT NOT NULL DEFAULT 0,
		watch_expiry    TIMESTAMPTZ,
		persona         TEXT NOT NULL DEFAULT '',
		phone           TEXT NOT NULL DEFAULT '',
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS mailsentinel_confirmations (
		user_key              TEXT PRIMARY KEY,
		respond_to_message_id TEXT NOT NULL,
		draft                 TEXT NOT NULL,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS mailsentinel_events (
		id         TEXT PRIMARY KEY,
		user_key   TEXT NOT NULL,
		history_id BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		details    JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS mailsentinel_events_user_idx
		ON mailsentinel_events (user_key, created_at)`,
}

func (p *Postgres) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

const userColumns = `user_key, credential, last_history_id, watch_expiry, persona, phone, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var (
		u       User
		history int64
		expiry  sql.NullTime
	)
	err := row.Scan(&u.Key, &u.Credential, &history, &expiry, &u.Persona, &u.Phone, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.LastHistoryID = gmail.HistoryID(history)
	if expiry.Valid {
		u.WatchExpiry = expiry.Time
	}
	return u, nil
}

func (p *Postgres) User(ctx context.Context, key string) (User, error) {
	if err := p.ensureReady(); err != nil {
		return User{}, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM mailsentinel_users WHERE user_key = $1`, key)
	return scanUser(row)
}

func (p *Postgres) UserByPhone(ctx context.Context, phone string) (User, error) {
	if err := p.ensureReady(); err != nil {
		return User{}, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM mailsentinel_users WHERE phone = $1 AND phone <> ''`, phone)
	return scanUser(row)
}

func (p *Postgres) Users(ctx context.Context) ([]User, error) {
	return p.queryUsers(ctx,
		`SELECT `+userColumns+` FROM mailsentinel_users ORDER BY user_key`)
}

func (p *Postgres) UsersWithWatch(ctx context.Context) ([]User, error) {
	return p.queryUsers(ctx,
		`SELECT `+userColumns+` FROM mailsentinel_users WHERE watch_expiry IS NOT NULL ORDER BY user_key`)
}

func (p *Postgres) queryUsers(ctx context.Context, query string) ([]User, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *Postgres) UpsertUser(ctx context.Context, u User) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	var expiry any
	if !u.WatchExpiry.IsZero() {
		expiry = u.WatchExpiry
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO mailsentinel_users (user_key, credential, last_history_id, watch_expiry, persona, phone, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_key)
		DO UPDATE SET credential = EXCLUDED.credential,
			last_history_id = GREATEST(mailsentinel_users.last_history_id, EXCLUDED.last_history_id),
			watch_expiry = EXCLUDED.watch_expiry,
			persona = EXCLUDED.persona,
			phone = EXCLUDED.phone,
			updated_at = NOW()`,
		u.Key, u.Credential, int64(u.LastHistoryID), expiry, u.Persona, u.Phone)
	return err
}

func (p *Postgres) AdvanceCursor(ctx context.Context, key string, to gmail.HistoryID) (bool, error) {
	if err := p.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `
		UPDATE mailsentinel_users
		SET last_history_id = $2, updated_at = NOW()
		WHERE user_key = $1 AND last_history_id < $2`,
		key, int64(to))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	// Zero rows is either a cursor already at or past the target, or a user
	// that does not exist. Callers need to tell those apart.
	var exists bool
	err = p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM mailsentinel_users WHERE user_key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (p *Postgres) SetWatchExpiry(ctx context.Context, key string, expiry time.Time) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	var val any
	if !expiry.IsZero() {
		val = expiry
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE mailsentinel_users SET watch_expiry = $2, updated_at = NOW() WHERE user_key = $1`,
		key, val)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (p *Postgres) SetPersona(ctx context.Context, key, persona string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `
		UPDATE mailsentinel_users SET persona = $2, updated_at = NOW() WHERE user_key = $1`,
		key, persona)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (p *Postgres) PutConfirmation(ctx context.Context, pc PendingConfirmation) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO mailsentinel_confirmations (user_key, respond_to_message_id, draft, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_key)
		DO UPDATE SET respond_to_message_id = EXCLUDED.respond_to_message_id,
			draft = EXCLUDED.draft, created_at = NOW()`,
		pc.UserKey, string(pc.RespondTo), pc.Draft)
	return err
}

func (p *Postgres) Confirmation(ctx context.Context, key string) (PendingConfirmation, error) {
	if err := p.ensureReady(); err != nil {
		return PendingConfirmation{}, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	var (
		pc        PendingConfirmation
		respondTo string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT user_key, respond_to_message_id, draft, created_at
		FROM mailsentinel_confirmations WHERE user_key = $1`, key).
		Scan(&pc.UserKey, &respondTo, &pc.Draft, &pc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingConfirmation{}, ErrNotFound
	}
	if err != nil {
		return PendingConfirmation{}, err
	}
	pc.RespondTo = gmail.MessageID(respondTo)
	return pc, nil
}

func (p *Postgres) DeleteConfirmation(ctx context.Context, key string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM mailsentinel_confirmations WHERE user_key = $1`, key)
	return err
}

func (p *Postgres) AppendEvent(ctx context.Context, ev Event) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("encode event details: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO mailsentinel_events (id, user_key, history_id, event_type, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.UserKey, int64(ev.HistoryID), ev.Type, details, ev.At)
	return err
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*Postgres)(nil)
