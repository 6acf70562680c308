package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/xtrntr/papertrade/internal/models"

	"go.uber.org/zap"
)

var (
	ErrInvalidTradeType   = errors.New("invalid trade type")
	ErrInsufficientShares = errors.New("not enough shares to sell")
	ErrInvalidQuantity    = errors.New("quantity must be positive")
	ErrInvalidPrice       = errors.New("price must be positive")
	ErrInvalidSymbol      = errors.New("invalid symbol")
	ErrQuantityTooLarge   = errors.New("quantity too large")
)

// MaxQuantity bounds a single fill and a holding; it is the largest value the
// INTEGER quantity columns hold.
const MaxQuantity = math.MaxInt32

// PublishTimeout bounds how long one trade event may take to publish
const PublishTimeout = 5 * time.Second

var clientErrors = []error{
	ErrInvalidTradeType,
	ErrInsufficientShares,
	ErrInvalidQuantity,
	ErrInvalidPrice,
	ErrInvalidSymbol,
	ErrQuantityTooLarge,
}

// ClientError returns the rejection in err's chain that was caused by the
// trade request itself rather than by the store.
func ClientError(err error) (error, bool) {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return target, true
		}
	}
	return nil, false
}

// IsClientError reports whether err was caused by the trade request itself
func IsClientError(err error) bool {
	_, ok := ClientError(err)
	return ok
}

// TradeRequest is a self-reported fill
type TradeRequest struct {
	Symbol   string
	Side     string // "BUY" or "SELL", any case
	Quantity int
	Price    float64
}

// Ledger applies trades to user holdings
type Ledger struct {
	store     Store
	publisher TradePublisher
	logger    *zap.Logger

	pending sync.WaitGroup
}

// NewLedger creates a ledger. publisher and logger may be nil.
func NewLedger(store Store, publisher TradePublisher, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, publisher: publisher, logger: logger}
}

// ApplyTrade validates req, updates the (user, symbol) holding and appends a
// trade record, all in one transaction.
func (l *Ledger) ApplyTrade(ctx context.Context, userID int, req TradeRequest) (*models.TradeRecord, error) {
	side, ok := models.ParseTradeSide(req.Side)
	if !ok {
		return nil, ErrInvalidTradeType
	}
	symbol := models.NormalizeSymbol(req.Symbol)
	if !models.ValidSymbol(symbol) {
		return nil, ErrInvalidSymbol
	}
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if req.Quantity > MaxQuantity {
		return nil, ErrQuantityTooLarge
	}
	if !(req.Price > 0) || math.IsInf(req.Price, 1) {
		return nil, ErrInvalidPrice
	}

	record := models.TradeRecord{
		UserID:   userID,
		Symbol:   symbol,
		Side:     side,
		Quantity: req.Quantity,
		Price:    req.Price,
	}

	err := l.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.LockHolding(ctx, userID, symbol); err != nil {
			return fmt.Errorf("failed to lock holding: %w", err)
		}
		holding, err := tx.GetHolding(ctx, userID, symbol)
		if err != nil {
			return fmt.Errorf("failed to get holding: %w", err)
		}

		switch side {
		case models.SideBuy:
			err = applyBuy(ctx, tx, holding, record)
		case models.SideSell:
			err = applySell(ctx, tx, holding, record)
		}
		if err != nil {
			return err
		}

		if err := tx.InsertTrade(ctx, &record); err != nil {
			return fmt.Errorf("failed to record trade: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.publish(ctx, record)
	return &record, nil
}

func applyBuy(ctx context.Context, tx Tx, h *models.Holding, t models.TradeRecord) error {
	if h == nil {
		h = &models.Holding{
			UserID:   t.UserID,
			Symbol:   t.Symbol,
			Quantity: t.Quantity,
			AvgPrice: t.Price,
		}
		if err := tx.InsertHolding(ctx, h); err != nil {
			return fmt.Errorf("failed to create holding: %w", err)
		}
		return nil
	}

	if h.Quantity > MaxQuantity-t.Quantity {
		return ErrQuantityTooLarge
	}
	h.AvgPrice = AverageCost(h.Quantity, h.AvgPrice, t.Quantity, t.Price)
	h.Quantity += t.Quantity
	if err := tx.UpdateHolding(ctx, h); err != nil {
		return fmt.Errorf("failed to update holding: %w", err)
	}
	return nil
}

func applySell(ctx context.Context, tx Tx, h *models.Holding, t models.TradeRecord) error {
	if h == nil {
		return ErrInsufficientShares
	}
	remaining, err := RemainingAfterSell(h.Quantity, t.Quantity)
	if err != nil {
		return err
	}

	// A zero-quantity holding is never kept
	if remaining == 0 {
		if err := tx.DeleteHolding(ctx, h.ID); err != nil {
			return fmt.Errorf("failed to delete holding: %w", err)
		}
		return nil
	}

	h.Quantity = remaining
	if err := tx.UpdateHolding(ctx, h); err != nil {
		return fmt.Errorf("failed to update holding: %w", err)
	}
	return nil
}

// publish hands t to the publisher in the background, detached from the
// request that committed it.
func (l *Ledger) publish(ctx context.Context, t models.TradeRecord) {
	if l.publisher == nil {
		return
	}

	l.pending.Add(1)
	go func() {
		defer l.pending.Done()

		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), PublishTimeout)
		defer cancel()

		if err := l.publisher.PublishTrade(pubCtx, t); err != nil {
			l.logger.Warn("Failed to publish trade",
				zap.Int("trade_id", t.ID),
				zap.String("symbol", t.Symbol),
				zap.Error(err))
		}
	}()
}

// Wait blocks until every trade handed to the publisher so far is done
func (l *Ledger) Wait() {
	l.pending.Wait()
}

// Portfolio returns the user's holdings ordered by symbol
func (l *Ledger) Portfolio(ctx context.Context, userID int) ([]models.Holding, error) {
	holdings, err := l.store.GetHoldings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}
	return holdings, nil
}

// TradeHistory returns the user's trades, newest first
func (l *Ledger) TradeHistory(ctx context.Context, userID int) ([]models.TradeRecord, error) {
	trades, err := l.store.GetTrades(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get trade history: %w", err)
	}
	return trades, nil
}
