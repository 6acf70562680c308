package ledger_test

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/xtrntr/papertrade/internal/db/memstore"
	"github.com/xtrntr/papertrade/internal/ledger"
	"github.com/xtrntr/papertrade/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T) (*ledger.Ledger, *memstore.Store, int) {
	t.Helper()
	store := memstore.New()
	user, err := store.CreateUser(context.Background(), "alice@example.com", "hash")
	require.NoError(t, err)
	return ledger.NewLedger(store, nil, zap.NewNop()), store, user.ID
}

func trade(t *testing.T, l *ledger.Ledger, userID int, side string, qty int, price float64) {
	t.Helper()
	_, err := l.ApplyTrade(context.Background(), userID, ledger.TradeRequest{
		Symbol: "AAPL", Side: side, Quantity: qty, Price: price,
	})
	require.NoError(t, err)
}

func TestLedger_BuyAveragesCost(t *testing.T) {
	l, _, userID := setup(t)

	trade(t, l, userID, "BUY", 10, 100)
	trade(t, l, userID, "buy", 10, 200)

	holdings, err := l.Portfolio(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "AAPL", holdings[0].Symbol)
	assert.Equal(t, 20, holdings[0].Quantity)
	assert.Equal(t, 150.0, holdings[0].AvgPrice)
}

func TestLedger_SellKeepsAverage(t *testing.T) {
	l, _, userID := setup(t)

	trade(t, l, userID, "BUY", 10, 100)
	trade(t, l, userID, "Sell", 5, 150)

	holdings, err := l.Portfolio(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, 5, holdings[0].Quantity)
	assert.Equal(t, 100.0, holdings[0].AvgPrice)

	history, err := l.TradeHistory(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, models.SideSell, history[0].Side)
	assert.Equal(t, 5, history[0].Quantity)
	assert.Equal(t, 150.0, history[0].Price)
	assert.Equal(t, models.SideBuy, history[1].Side)
	assert.Equal(t, 10, history[1].Quantity)
	assert.Equal(t, 100.0, history[1].Price)
	assert.True(t, history[0].Timestamp.After(history[1].Timestamp))
}

func TestLedger_SellExhaustsHolding(t *testing.T) {
	l, _, userID := setup(t)

	trade(t, l, userID, "BUY", 7, 42)
	trade(t, l, userID, "SELL", 7, 50)

	holdings, err := l.Portfolio(context.Background(), userID)
	require.NoError(t, err)
	assert.Empty(t, holdings)

	// Buying again starts a fresh average
	trade(t, l, userID, "BUY", 1, 10)
	holdings, err = l.Portfolio(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, 10.0, holdings[0].AvgPrice)
}

func TestLedger_OversellLeavesStateUnchanged(t *testing.T) {
	tests := []struct {
		name    string
		held    int
		sellQty int
	}{
		{name: "NoHolding", held: 0, sellQty: 1},
		{name: "MoreThanHeld", held: 5, sellQty: 6},
		{name: "FarMoreThanHeld", held: 1, sellQty: 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _, userID := setup(t)
			ctx := context.Background()
			if tt.held > 0 {
				trade(t, l, userID, "BUY", tt.held, 20)
			}

			beforeHoldings, err := l.Portfolio(ctx, userID)
			require.NoError(t, err)
			beforeTrades, err := l.TradeHistory(ctx, userID)
			require.NoError(t, err)

			_, err = l.ApplyTrade(ctx, userID, ledger.TradeRequest{Symbol: "AAPL", Side: "SELL", Quantity: tt.sellQty, Price: 25})
			assert.ErrorIs(t, err, ledger.ErrInsufficientShares)

			afterHoldings, err := l.Portfolio(ctx, userID)
			require.NoError(t, err)
			afterTrades, err := l.TradeHistory(ctx, userID)
			require.NoError(t, err)
			assert.Equal(t, beforeHoldings, afterHoldings)
			assert.Equal(t, beforeTrades, afterTrades)
		})
	}
}

func TestLedger_InvalidTradeType(t *testing.T) {
	tests := []struct {
		name     string
		side     string
		quantity int
		price    float64
	}{
		{name: "Hold", side: "HOLD", quantity: 10, price: 100},
		{name: "Empty", side: "", quantity: 10, price: 100},
		{name: "HoldZeroQuantity", side: "hold", quantity: 0, price: 100},
		{name: "HoldNegativePrice", side: "HOLD", quantity: 1, price: -5},
		{name: "Short", side: "SHORT", quantity: -1, price: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _, userID := setup(t)
			_, err := l.ApplyTrade(context.Background(), userID, ledger.TradeRequest{
				Symbol: "AAPL", Side: tt.side, Quantity: tt.quantity, Price: tt.price,
			})
			assert.ErrorIs(t, err, ledger.ErrInvalidTradeType)

			history, err := l.TradeHistory(context.Background(), userID)
			require.NoError(t, err)
			assert.Empty(t, history)
		})
	}
}

func TestLedger_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		req     ledger.TradeRequest
		wantErr error
	}{
		{name: "ZeroQuantity", req: ledger.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: 0, Price: 1}, wantErr: ledger.ErrInvalidQuantity},
		{name: "NegativeQuantity", req: ledger.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: -3, Price: 1}, wantErr: ledger.ErrInvalidQuantity},
		{name: "QuantityAboveColumnRange", req: ledger.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: ledger.MaxQuantity + 1, Price: 1}, wantErr: ledger.ErrQuantityTooLarge},
		{name: "ZeroPrice", req: ledger.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: 1, Price: 0}, wantErr: ledger.ErrInvalidPrice},
		{name: "NaNPrice", req: ledger.TradeRequest{Symbol: "AAPL", Side: "SELL", Quantity: 1, Price: math.NaN()}, wantErr: ledger.ErrInvalidPrice},
		{name: "InfPrice", req: ledger.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: 1, Price: math.Inf(1)}, wantErr: ledger.ErrInvalidPrice},
		{name: "BlankSymbol", req: ledger.TradeRequest{Symbol: "  ", Side: "BUY", Quantity: 1, Price: 1}, wantErr: ledger.ErrInvalidSymbol},
		{name: "SymbolWithSpace", req: ledger.TradeRequest{Symbol: "AA PL", Side: "BUY", Quantity: 1, Price: 1}, wantErr: ledger.ErrInvalidSymbol},
		{name: "LongSymbol", req: ledger.TradeRequest{Symbol: "ABCDEFGHIJKLMNOPQ", Side: "BUY", Quantity: 1, Price: 1}, wantErr: ledger.ErrInvalidSymbol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _, userID := setup(t)
			_, err := l.ApplyTrade(context.Background(), userID, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, ledger.IsClientError(err))
		})
	}
}

func TestLedger_BuyCannotOverflowHolding(t *testing.T) {
	l, _, userID := setup(t)
	ctx := context.Background()

	trade(t, l, userID, "BUY", ledger.MaxQuantity, 1)
	_, err := l.ApplyTrade(ctx, userID, ledger.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: 1, Price: 1})
	require.ErrorIs(t, err, ledger.ErrQuantityTooLarge)
	assert.True(t, ledger.IsClientError(err))

	holdings, err := l.Portfolio(ctx, userID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, ledger.MaxQuantity, holdings[0].Quantity)
	assert.Equal(t, 1.0, holdings[0].AvgPrice)

	history, err := l.TradeHistory(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// selling frees room again
	trade(t, l, userID, "SELL", 10, 1)
	trade(t, l, userID, "BUY", 10, 2)
}

func TestLedger_SymbolsAreCaseInsensitive(t *testing.T) {
	l, _, userID := setup(t)
	ctx := context.Background()

	_, err := l.ApplyTrade(ctx, userID, ledger.TradeRequest{Symbol: "msft", Side: "buy", Quantity: 2, Price: 10})
	require.NoError(t, err)
	rec, err := l.ApplyTrade(ctx, userID, ledger.TradeRequest{Symbol: " MSFT ", Side: "sell", Quantity: 2, Price: 11})
	require.NoError(t, err)
	assert.Equal(t, "MSFT", rec.Symbol)
	assert.Equal(t, models.SideSell, rec.Side)

	holdings, err := l.Portfolio(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestLedger_AverageStaysWithinFillRange(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		l, _, userID := setup(t)
		lo, hi := math.Inf(1), math.Inf(-1)

		fills := 1 + rnd.Intn(30)
		for i := 0; i < fills; i++ {
			price := 0.01 + rnd.Float64()*1000
			qty := 1 + rnd.Intn(500)
			lo, hi = math.Min(lo, price), math.Max(hi, price)
			trade(t, l, userID, "BUY", qty, price)

			holdings, err := l.Portfolio(context.Background(), userID)
			require.NoError(t, err)
			require.Len(t, holdings, 1)
			avg := holdings[0].AvgPrice
			eps := 1e-9 * hi
			assert.GreaterOrEqual(t, avg, lo-eps)
			assert.LessOrEqual(t, avg, hi+eps)
		}
	}
}

func TestLedger_ConcurrentTradesOnSameHolding(t *testing.T) {
	l, _, userID := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.ApplyTrade(ctx, userID, ledger.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: 2, Price: 10})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.ApplyTrade(ctx, userID, ledger.TradeRequest{Symbol: "AAPL", Side: "SELL", Quantity: 3, Price: 12})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	holdings, err := l.Portfolio(ctx, userID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, 25, holdings[0].Quantity)
	assert.Equal(t, 10.0, holdings[0].AvgPrice)

	history, err := l.TradeHistory(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, history, 75)
}

// failingStore makes InsertTrade fail after the holding was already changed
type failingStore struct {
	*memstore.Store
}

type failingTx struct {
	ledger.Tx
}

var errDisk = errors.New("disk full")

func (f failingStore) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return f.Store.WithinTx(ctx, func(tx ledger.Tx) error {
		return fn(failingTx{tx})
	})
}

func (failingTx) InsertTrade(ctx context.Context, t *models.TradeRecord) error {
	return errDisk
}

func TestLedger_StoreFailureRollsBack(t *testing.T) {
	_, store, userID := setup(t)
	ctx := context.Background()

	good := ledger.NewLedger(store, nil, zap.NewNop())
	trade(t, good, userID, "BUY", 10, 100)

	bad := ledger.NewLedger(failingStore{store}, nil, zap.NewNop())
	for _, side := range []string{"BUY", "SELL"} {
		_, err := bad.ApplyTrade(ctx, userID, ledger.TradeRequest{Symbol: "AAPL", Side: side, Quantity: 10, Price: 300})
		assert.ErrorIs(t, err, errDisk)
		assert.False(t, ledger.IsClientError(err))
	}

	holdings, err := good.Portfolio(ctx, userID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, 10, holdings[0].Quantity)
	assert.Equal(t, 100.0, holdings[0].AvgPrice)
}

type recordingPublisher struct {
	mu     sync.Mutex
	trades []models.TradeRecord
	err    error
}

func (p *recordingPublisher) PublishTrade(ctx context.Context, t models.TradeRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades = append(p.trades, t)
	return p.err
}

func (p *recordingPublisher) published() []models.TradeRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.TradeRecord(nil), p.trades...)
}

// blockingPublisher holds every publish until release is closed
type blockingPublisher struct {
	started chan error
	release chan struct{}
	done    chan struct{}
}

func (p *blockingPublisher) PublishTrade(ctx context.Context, t models.TradeRecord) error {
	p.started <- ctx.Err()
	<-p.release
	close(p.done)
	return ctx.Err()
}

func TestLedger_PublishesCommittedTrades(t *testing.T) {
	_, store, userID := setup(t)
	pub := &recordingPublisher{}
	l := ledger.NewLedger(store, pub, zap.NewNop())

	trade(t, l, userID, "BUY", 3, 10)
	_, err := l.ApplyTrade(context.Background(), userID, ledger.TradeRequest{Symbol: "AAPL", Side: "SELL", Quantity: 4, Price: 10})
	require.ErrorIs(t, err, ledger.ErrInsufficientShares)
	l.Wait()

	published := pub.published()
	require.Len(t, published, 1)
	assert.Equal(t, models.SideBuy, published[0].Side)
	assert.NotZero(t, published[0].ID)

	pub.mu.Lock()
	pub.err = errors.New("broker down")
	pub.mu.Unlock()
	rec, err := l.ApplyTrade(context.Background(), userID, ledger.TradeRequest{Symbol: "AAPL", Side: "SELL", Quantity: 3, Price: 10})
	require.NoError(t, err)
	assert.Equal(t, models.SideSell, rec.Side)
	l.Wait()
	assert.Len(t, pub.published(), 2)
}

func TestLedger_SlowPublisherDoesNotDelayTrade(t *testing.T) {
	_, store, userID := setup(t)
	pub := &blockingPublisher{
		started: make(chan error, 1),
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
	l := ledger.NewLedger(store, pub, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan error, 1)
	go func() {
		_, err := l.ApplyTrade(ctx, userID, ledger.TradeRequest{Symbol: "AAPL", Side: "BUY", Quantity: 1, Price: 10})
		returned <- err
	}()

	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ApplyTrade waited for the publisher")
	}

	// the request going away does not cancel the pending publish
	cancel()
	select {
	case err := <-pub.started:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("trade was never handed to the publisher")
	}

	close(pub.release)
	l.Wait()
	select {
	case <-pub.done:
	default:
		t.Fatal("Wait returned before the publish finished")
	}
}
