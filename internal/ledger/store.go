package ledger

import (
	"context"

	"github.com/xtrntr/papertrade/internal/models"
)

// Tx is the set of holding and trade operations available inside a single
// all-or-nothing unit of work.
type Tx interface {
	// LockHolding serializes concurrent transactions touching the same
	// (user, symbol) pair until the transaction ends. It must be called
	// before GetHolding so that the read-modify-write is atomic even when
	// no holding row exists yet.
	LockHolding(ctx context.Context, userID int, symbol string) error
	// GetHolding returns nil, nil when the user holds nothing in symbol.
	GetHolding(ctx context.Context, userID int, symbol string) (*models.Holding, error)
	InsertHolding(ctx context.Context, h *models.Holding) error
	UpdateHolding(ctx context.Context, h *models.Holding) error
	DeleteHolding(ctx context.Context, holdingID int) error
	// InsertTrade fills in the record's ID and Timestamp.
	InsertTrade(ctx context.Context, t *models.TradeRecord) error
}

// Store is the persistence the ledger needs
type Store interface {
	// WithinTx runs fn in a transaction. If fn returns an error every change
	// made through the Tx is discarded.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	GetHoldings(ctx context.Context, userID int) ([]models.Holding, error)
	// GetTrades returns the user's trades newest first.
	GetTrades(ctx context.Context, userID int) ([]models.TradeRecord, error)
}

// TradePublisher receives every committed trade
type TradePublisher interface {
	PublishTrade(ctx context.Context, t models.TradeRecord) error
}
