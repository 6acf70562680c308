// Package memstore keeps users, holdings and trades in process memory. It
// has the same semantics as the Postgres store and backs the "memory"
// storage driver and most tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/ledger"
	"github.com/xtrntr/papertrade/internal/models"
)

// Compile-time interface check.
var _ ledger.Store = (*Store)(nil)

type holdingKey struct {
	userID int
	symbol string
}

// Store is an in-memory persistence layer. Transactions are serialized.
type Store struct {
	mu sync.Mutex

	users     map[int]*models.User
	byEmail   map[string]int
	holdings  map[holdingKey]*models.Holding
	trades    []models.TradeRecord
	userSeq   int
	holdSeq   int
	tradeSeq  int
	lastStamp time.Time

	now func() time.Time
}

// New returns an empty store
func New() *Store {
	return &Store{
		users:    make(map[int]*models.User),
		byEmail:  make(map[string]int),
		holdings: make(map[holdingKey]*models.Holding),
		now:      time.Now,
	}
}

// stamp returns a strictly increasing timestamp so history order matches
// insertion order even on coarse clocks.
func (s *Store) stamp() time.Time {
	t := s.now().UTC()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = t
	return t
}

// CreateUser inserts a new user
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(email)
	if _, ok := s.byEmail[key]; ok {
		return nil, fmt.Errorf("failed to create user %q: %w", email, db.ErrDuplicate)
	}
	s.userSeq++
	u := &models.User{
		ID:           s.userSeq,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    s.now().UTC(),
	}
	s.users[u.ID] = u
	s.byEmail[key] = u.ID

	out := *u
	return &out, nil
}

// GetUserByEmail retrieves a user by email
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("failed to get user: %w", db.ErrNotFound)
	}
	out := *s.users[id]
	return &out, nil
}

// GetUserByID retrieves a user by id
func (s *Store) GetUserByID(ctx context.Context, id int) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("failed to get user: %w", db.ErrNotFound)
	}
	out := *u
	return &out, nil
}

// DeleteUser removes a user together with its holdings and trades
func (s *Store) DeleteUser(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("failed to delete user %d: %w", id, db.ErrNotFound)
	}
	delete(s.byEmail, strings.ToLower(u.Email))
	delete(s.users, id)

	for k := range s.holdings {
		if k.userID == id {
			delete(s.holdings, k)
		}
	}
	kept := s.trades[:0]
	for _, t := range s.trades {
		if t.UserID != id {
			kept = append(kept, t)
		}
	}
	s.trades = kept
	return nil
}

// GetHoldings returns the user's holdings ordered by symbol
func (s *Store) GetHoldings(ctx context.Context, userID int) ([]models.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	holdings := []models.Holding{}
	for k, h := range s.holdings {
		if k.userID == userID {
			holdings = append(holdings, *h)
		}
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })
	return holdings, nil
}

// GetTrades returns the user's trades newest first
func (s *Store) GetTrades(ctx context.Context, userID int) ([]models.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trades := []models.TradeRecord{}
	for _, t := range s.trades {
		if t.UserID == userID {
			trades = append(trades, t)
		}
	}
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].Timestamp.Equal(trades[j].Timestamp) {
			return trades[i].ID > trades[j].ID
		}
		return trades[i].Timestamp.After(trades[j].Timestamp)
	})
	return trades, nil
}

// WithinTx runs fn while holding the store lock and undoes every change if
// fn fails.
func (s *Store) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// memTx records an undo step for every mutation
type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// LockHolding is a no-op: WithinTx already holds the store lock.
func (t *memTx) LockHolding(ctx context.Context, userID int, symbol string) error {
	return ctx.Err()
}

func (t *memTx) GetHolding(ctx context.Context, userID int, symbol string) (*models.Holding, error) {
	h, ok := t.s.holdings[holdingKey{userID, symbol}]
	if !ok {
		return nil, nil
	}
	out := *h
	return &out, nil
}

func (t *memTx) InsertHolding(ctx context.Context, h *models.Holding) error {
	key := holdingKey{h.UserID, h.Symbol}
	if _, ok := t.s.users[h.UserID]; !ok {
		return fmt.Errorf("user %d: %w", h.UserID, db.ErrNotFound)
	}
	if _, ok := t.s.holdings[key]; ok {
		return db.ErrDuplicate
	}
	t.s.holdSeq++
	h.ID = t.s.holdSeq
	stored := *h
	t.s.holdings[key] = &stored
	t.undo = append(t.undo, func() { delete(t.s.holdings, key) })
	return nil
}

func (t *memTx) UpdateHolding(ctx context.Context, h *models.Holding) error {
	key := holdingKey{h.UserID, h.Symbol}
	cur, ok := t.s.holdings[key]
	if !ok || cur.ID != h.ID {
		return db.ErrNotFound
	}
	prev := *cur
	*cur = *h
	t.undo = append(t.undo, func() { *cur = prev })
	return nil
}

func (t *memTx) DeleteHolding(ctx context.Context, holdingID int) error {
	for key, h := range t.s.holdings {
		if h.ID == holdingID {
			delete(t.s.holdings, key)
			t.undo = append(t.undo, func() { t.s.holdings[key] = h })
			return nil
		}
	}
	return db.ErrNotFound
}

func (t *memTx) InsertTrade(ctx context.Context, tr *models.TradeRecord) error {
	if _, ok := t.s.users[tr.UserID]; !ok {
		return fmt.Errorf("user %d: %w", tr.UserID, db.ErrNotFound)
	}
	t.s.tradeSeq++
	tr.ID = t.s.tradeSeq
	tr.Timestamp = t.s.stamp()
	n := len(t.s.trades)
	t.s.trades = append(t.s.trades, *tr)
	t.undo = append(t.undo, func() { t.s.trades = t.s.trades[:n] })
	return nil
}
