package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joshsymonds/mailsentinel/internal/gmail"
)

// Memory is an in-process Store for tests and single-node development runs.
type Memory struct {
	mu            sync.Mutex
	users         map[string]User
	confirmations map[string]PendingConfirmation
	events        []Event
}

func NewMemory() *Memory {
	return &Memory{
		users:         map[string]User{},
		confirmations: map[string]PendingConfirmation{},
	}
}

func (m *Memory) User(ctx context.Context, key string) (User, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[key]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) UserByPhone(ctx context.Context, phone string) (User, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Phone != "" && u.Phone == phone {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *Memory) Users(ctx context.Context) ([]User, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) UsersWithWatch(ctx context.Context) ([]User, error) {
	all, err := m.Users(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, u := range all {
		if !u.WatchExpiry.IsZero() {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *Memory) UpsertUser(ctx context.Context, u User) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now()
	}
	m.users[u.Key] = u
	return nil
}

func (m *Memory) AdvanceCursor(ctx context.Context, key string, to gmail.HistoryID) (bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[key]
	if !ok {
		return false, ErrNotFound
	}
	if to <= u.LastHistoryID {
		return false, nil
	}
	u.LastHistoryID = to
	u.UpdatedAt = time.Now()
	m.users[key] = u
	return true, nil
}

func (m *Memory) SetWatchExpiry(ctx context.Context, key string, expiry time.Time) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[key]
	if !ok {
		return ErrNotFound
	}
	u.WatchExpiry = expiry
	u.UpdatedAt = time.Now()
	m.users[key] = u
	return nil
}

func (m *Memory) SetPersona(ctx context.Context, key, persona string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[key]
	if !ok {
		return ErrNotFound
	}
	u.Persona = persona
	u.UpdatedAt = time.Now()
	m.users[key] = u
	return nil
}

func (m *Memory) PutConfirmation(ctx context.Context, pc PendingConfirmation) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = time.Now()
	}
	m.confirmations[pc.UserKey] = pc
	return nil
}

func (m *Memory) Confirmation(ctx context.Context, key string) (PendingConfirmation, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.confirmations[key]
	if !ok {
		return PendingConfirmation{}, ErrNotFound
	}
	return pc, nil
}

func (m *Memory) DeleteConfirmation(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.confirmations, key)
	return nil
}

func (m *Memory) AppendEvent(ctx context.Context, ev Event) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the audit log, oldest first. Test helper.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

var _ Store = (*Memory)(nil)
