package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"

	"github.com/xtrntr/papertrade/internal/ledger"
	"github.com/xtrntr/papertrade/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

const uniqueViolation = "23505"

//go:embed migrations/*.sql
var migrations embed.FS

// Compile-time interface check.
var _ ledger.Store = (*DB)(nil)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent so it is safe to run on each start.
func (db *DB) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		sql, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", e.Name(), err)
		}
		if _, err := db.Pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (email, password_hash) VALUES ($1, $2) RETURNING id, email, password_hash, created_at",
		email, passwordHash).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("failed to create user %q: %w", email, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return db.getUser(ctx, "SELECT id, email, password_hash, created_at FROM users WHERE email = $1", email)
}

// GetUserByID retrieves a user by id
func (db *DB) GetUserByID(ctx context.Context, id int) (*models.User, error) {
	return db.getUser(ctx, "SELECT id, email, password_hash, created_at FROM users WHERE id = $1", id)
}

func (db *DB) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx, query, arg).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to get user: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// DeleteUser removes a user. Holdings and trades go with it through the
// ON DELETE CASCADE foreign keys.
func (db *DB) DeleteUser(ctx context.Context, id int) error {
	tag, err := db.Pool.Exec(ctx, "DELETE FROM users WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to delete user %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetHoldings retrieves all holdings for a user
func (db *DB) GetHoldings(ctx context.Context, userID int) ([]models.Holding, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, user_id, symbol, quantity, avg_price FROM holdings WHERE user_id = $1 ORDER BY symbol",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get holdings: %w", err)
	}
	defer rows.Close()

	holdings := []models.Holding{}
	for rows.Next() {
		var h models.Holding
		if err := rows.Scan(&h.ID, &h.UserID, &h.Symbol, &h.Quantity, &h.AvgPrice); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read holdings: %w", err)
	}
	return holdings, nil
}

// GetTrades retrieves a user's trades, newest first
func (db *DB) GetTrades(ctx context.Context, userID int) ([]models.TradeRecord, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, symbol, trade_type, quantity, price, timestamp
		FROM trades
		WHERE user_id = $1
		ORDER BY timestamp DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	defer rows.Close()

	trades := []models.TradeRecord{}
	for rows.Next() {
		var t models.TradeRecord
		err := rows.Scan(
			&t.ID,
			&t.UserID,
			&t.Symbol,
			&t.Side,
			&t.Quantity,
			&t.Price,
			&t.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trades: %w", err)
	}
	return trades, nil
}

// WithinTx runs fn inside a database transaction
func (db *DB) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// pgTx implements ledger.Tx on a pgx transaction
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockHolding(ctx context.Context, userID int, symbol string) error {
	// Transaction-scoped advisory lock keyed on (user, symbol); released on
	// commit or rollback. Also covers the first BUY when no row exists yet.
	_, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1::int, hashtext($2))", userID, symbol)
	return err
}

func (t *pgTx) GetHolding(ctx context.Context, userID int, symbol string) (*models.Holding, error) {
	h := &models.Holding{}
	err := t.tx.QueryRow(ctx,
		"SELECT id, user_id, symbol, quantity, avg_price FROM holdings WHERE user_id = $1 AND symbol = $2 FOR UPDATE",
		userID, symbol).Scan(&h.ID, &h.UserID, &h.Symbol, &h.Quantity, &h.AvgPrice)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return h, nil
}

func (t *pgTx) InsertHolding(ctx context.Context, h *models.Holding) error {
	err := t.tx.QueryRow(ctx,
		"INSERT INTO holdings (user_id, symbol, quantity, avg_price) VALUES ($1, $2, $3, $4) RETURNING id",
		h.UserID, h.Symbol, h.Quantity, h.AvgPrice).Scan(&h.ID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) UpdateHolding(ctx context.Context, h *models.Holding) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE holdings SET quantity = $1, avg_price = $2 WHERE id = $3",
		h.Quantity, h.AvgPrice, h.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteHolding(ctx context.Context, holdingID int) error {
	tag, err := t.tx.Exec(ctx, "DELETE FROM holdings WHERE id = $1", holdingID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *models.TradeRecord) error {
	return t.tx.QueryRow(ctx,
		"INSERT INTO trades (user_id, symbol, trade_type, quantity, price) VALUES ($1, $2, $3, $4, $5) RETURNING id, timestamp",
		tr.UserID, tr.Symbol, string(tr.Side), tr.Quantity, tr.Price).Scan(&tr.ID, &tr.Timestamp)
}
