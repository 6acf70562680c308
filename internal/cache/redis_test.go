package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/papertrade/internal/market"
	"github.com/xtrntr/papertrade/internal/models"
)

type mockPipeline struct {
	redis.Pipeliner // embedded to satisfy the rest of the interface

	mu       sync.Mutex
	cmds     []string
	payloads [][]byte
	ttl      time.Duration
	execErr  error
}

func (m *mockPipeline) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = append(m.cmds, "SET "+key)
	m.payloads = append(m.payloads, value.([]byte))
	m.ttl = expiration
	return redis.NewStatusCmd(ctx)
}

func (m *mockPipeline) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = append(m.cmds, "PUBLISH "+channel)
	return redis.NewIntCmd(ctx)
}

func (m *mockPipeline) Exec(ctx context.Context) ([]redis.Cmder, error) {
	return nil, m.execErr
}

type mockClient struct {
	pipe   *mockPipeline
	values map[string]string
	getErr error
	closed bool
}

func (m *mockClient) Ping(ctx context.Context) *redis.StatusCmd { return redis.NewStatusCmd(ctx) }

func (m *mockClient) Get(ctx context.Context, key string) *redis.StringCmd {
	if m.getErr != nil {
		return redis.NewStringResult("", m.getErr)
	}
	v, ok := m.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockClient) Pipeline() redis.Pipeliner { return m.pipe }

func (m *mockClient) Close() error {
	m.closed = true
	return nil
}

type staticQuotes struct {
	snap models.Snapshot
}

func (s staticQuotes) Quote(ctx context.Context, symbol string) (models.Snapshot, error) {
	out := s.snap
	out.Symbol = symbol
	return out, nil
}

func TestSnapshotCache_PublishSnapshot(t *testing.T) {
	client := &mockClient{pipe: &mockPipeline{}}
	c := NewSnapshotCache(client, nil, nil)

	snap := models.Snapshot{Symbol: "GEMINI", Price: 101.5, Volume: 12000, ChangePercent: 0.49, Seq: 7}
	require.NoError(t, c.PublishSnapshot(context.Background(), snap))

	assert.Equal(t, []string{"SET stock:GEMINI", "PUBLISH prices.GEMINI"}, client.pipe.cmds)
	assert.Equal(t, snapshotTTL, client.pipe.ttl)

	var stored models.Snapshot
	require.NoError(t, json.Unmarshal(client.pipe.payloads[0], &stored))
	assert.Equal(t, snap.Price, stored.Price)
	assert.Equal(t, snap.Seq, stored.Seq)
}

func TestSnapshotCache_PublishSnapshotError(t *testing.T) {
	client := &mockClient{pipe: &mockPipeline{execErr: errors.New("connection reset")}}
	c := NewSnapshotCache(client, nil, nil)

	err := c.PublishSnapshot(context.Background(), models.Snapshot{Symbol: "AAPL"})
	assert.ErrorContains(t, err, "AAPL")
}

func TestSnapshotCache_Quote(t *testing.T) {
	cached, err := json.Marshal(models.Snapshot{Symbol: "AAPL", Price: 190.25, Seq: 3})
	require.NoError(t, err)

	tests := []struct {
		name        string
		client      *mockClient
		fallback    QuoteSource
		symbol      string
		expectPrice float64
		expectError bool
		unknown     bool
	}{
		{
			name:        "Hit",
			client:      &mockClient{values: map[string]string{"stock:AAPL": string(cached)}},
			symbol:      "aapl",
			expectPrice: 190.25,
		},
		{
			name:        "MissUsesFallback",
			client:      &mockClient{values: map[string]string{}},
			fallback:    staticQuotes{snap: models.Snapshot{Price: 55}},
			symbol:      "MSFT",
			expectPrice: 55,
		},
		{
			name:        "MissWithoutFallback",
			client:      &mockClient{values: map[string]string{}},
			symbol:      "MSFT",
			expectError: true,
			unknown:     true,
		},
		{
			name:        "MissAndRegistryNeverSawSymbol",
			client:      &mockClient{values: map[string]string{}},
			fallback:    market.NewRegistry(market.NewSimulator(market.NewRand(1))),
			symbol:      "MSFT",
			expectError: true,
			unknown:     true,
		},
		{
			name:        "CorruptPayload",
			client:      &mockClient{values: map[string]string{"stock:AAPL": "{"}},
			symbol:      "AAPL",
			expectError: true,
		},
		{
			name:        "RedisDown",
			client:      &mockClient{getErr: errors.New("dial tcp: refused")},
			fallback:    staticQuotes{},
			symbol:      "AAPL",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewSnapshotCache(tt.client, tt.fallback, nil)
			got, err := c.Quote(context.Background(), tt.symbol)
			if tt.expectError {
				assert.Error(t, err)
				assert.Equal(t, tt.unknown, errors.Is(err, market.ErrUnknownSymbol))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectPrice, got.Price)
			assert.Equal(t, models.NormalizeSymbol(tt.symbol), got.Symbol)
		})
	}
}

func TestSnapshotCache_Close(t *testing.T) {
	client := &mockClient{}
	require.NoError(t, NewSnapshotCache(client, nil, nil).Close())
	assert.True(t, client.closed)
}

func TestSnapshotCache_Miniredis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rdb, err := Dial(ctx, mr.Addr(), "", 0)
	require.NoError(t, err)
	c := NewSnapshotCache(rdb, nil, nil)
	defer c.Close()

	ps := rdb.Subscribe(ctx, "prices.AAPL")
	defer ps.Close()
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	snap := models.Snapshot{Symbol: "AAPL", Price: 188.4, Volume: 20000, Seq: 12}
	require.NoError(t, c.PublishSnapshot(ctx, snap))

	msg, err := ps.ReceiveMessage(ctx)
	require.NoError(t, err)
	var pushed models.Snapshot
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &pushed))
	assert.Equal(t, int64(12), pushed.Seq)

	got, err := c.Quote(ctx, "aapl")
	require.NoError(t, err)
	assert.Equal(t, 188.4, got.Price)
	assert.Equal(t, snapshotTTL, mr.TTL("stock:AAPL"))
}

func TestDial_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, addr, "", 0)
	assert.Error(t, err)
}
