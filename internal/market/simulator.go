package market

import (
	"math/rand"
	"sync"
	"time"

	"github.com/xtrntr/papertrade/internal/models"

	"github.com/shopspring/decimal"
)

const (
	// MinPrice is the floor a walk is clamped to; a price is never zero.
	MinPrice = 0.01

	initialPriceLow   = 50.0
	initialPriceHigh  = 500.0
	initialVolumeLow  = 10000
	initialVolumeHigh = 50000

	maxPriceStep   = 1.0
	volumeStepLow  = -200
	volumeStepHigh = 300
)

// Rand is the source of randomness for the walk
type Rand interface {
	Float64() float64
	Intn(n int) int
}

// lockedRand makes a *rand.Rand safe for concurrent feeds
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRand returns a goroutine-safe Rand seeded with seed
func NewRand(seed int64) Rand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

// round2 rounds half away from zero to two decimal places
func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// SymbolState is the shared price/volume walk of one symbol
type SymbolState struct {
	mu            sync.Mutex
	symbol        string
	price         float64
	volume        int64
	changePercent float64
	seq           int64
	updatedAt     time.Time
}

// Snapshot returns the current state without advancing it
func (s *SymbolState) Snapshot() models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *SymbolState) snapshotLocked() models.Snapshot {
	return models.Snapshot{
		Symbol:        s.symbol,
		Price:         s.price,
		Volume:        s.volume,
		ChangePercent: s.changePercent,
		Seq:           s.seq,
		Timestamp:     s.updatedAt,
	}
}

// Simulator draws random steps for symbol states
type Simulator struct {
	rand Rand
	now  func() time.Time
}

// NewSimulator creates a simulator; rnd must be safe for concurrent use.
func NewSimulator(rnd Rand) *Simulator {
	return &Simulator{rand: rnd, now: time.Now}
}

// NewState creates the initial state of a symbol: a price in [50, 500] and a
// volume in [10000, 50000].
func (sim *Simulator) NewState(symbol string) *SymbolState {
	price := round2(initialPriceLow + sim.rand.Float64()*(initialPriceHigh-initialPriceLow))
	if price < MinPrice {
		price = MinPrice
	}
	volume := int64(initialVolumeLow + sim.rand.Intn(initialVolumeHigh-initialVolumeLow+1))
	return &SymbolState{
		symbol:    models.NormalizeSymbol(symbol),
		price:     price,
		volume:    volume,
		updatedAt: sim.now().UTC(),
	}
}

// Advance moves s one tick and returns the resulting snapshot. Concurrent
// calls on the same state are serialized.
func (sim *Simulator) Advance(s *SymbolState) models.Snapshot {
	priceDelta := -maxPriceStep + sim.rand.Float64()*2*maxPriceStep
	volumeDelta := int64(volumeStepLow + sim.rand.Intn(volumeStepHigh-volumeStepLow+1))

	s.mu.Lock()
	defer s.mu.Unlock()

	s.price, s.volume, s.changePercent = Step(s.price, s.volume, priceDelta, volumeDelta)
	s.seq++
	s.updatedAt = sim.now().UTC()
	return s.snapshotLocked()
}

// Step applies one price and volume delta. The price delta and the new price
// are rounded to cents; a non-positive price is clamped to MinPrice and the
// volume is clamped at zero. changePercent is the delta relative to the new
// price.
func Step(price float64, volume int64, priceDelta float64, volumeDelta int64) (float64, int64, float64) {
	delta := round2(priceDelta)
	newPrice := round2(price + delta)
	if newPrice <= 0 {
		newPrice = MinPrice
	}
	// TODO: switch to delta/price once clients no longer compare against the
	// legacy feed; the conventional formula divides by the previous price.
	changePercent := round2(delta / newPrice * 100)

	newVolume := volume + volumeDelta
	if newVolume < 0 {
		newVolume = 0
	}
	return newPrice, newVolume, changePercent
}
