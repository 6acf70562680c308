package models

import (
	"strings"
	"time"
)

// User represents a registered user
type User struct {
	ID           int       `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// TradeSide is the direction of a trade
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// ParseTradeSide accepts "buy"/"sell" in any case
func ParseTradeSide(s string) (TradeSide, bool) {
	switch TradeSide(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	}
	return "", false
}

// Holding is a user's position in one symbol
type Holding struct {
	ID       int     `json:"id"`
	UserID   int     `json:"user_id"`
	Symbol   string  `json:"symbol"`
	Quantity int     `json:"quantity"`
	AvgPrice float64 `json:"avg_price"` // weighted average cost of the shares still held
}

// TradeRecord is an immutable entry in a user's trade history
type TradeRecord struct {
	ID        int       `json:"id"`
	UserID    int       `json:"user_id"`
	Symbol    string    `json:"symbol"`
	Side      TradeSide `json:"trade_type"`
	Quantity  int       `json:"quantity"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is one tick of a simulated symbol as pushed to subscribers
type Snapshot struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Volume        int64     `json:"volume"`
	ChangePercent float64   `json:"change_percent"`
	Seq           int64     `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
}

// NormalizeSymbol upper-cases and trims a ticker symbol
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// MaxSymbolLength bounds ticker symbols accepted from clients
const MaxSymbolLength = 16

// ValidSymbol reports whether s, already normalized, is a usable ticker:
// 1 to MaxSymbolLength characters of A-Z, 0-9, '.', '-' or '_'.
func ValidSymbol(s string) bool {
	if s == "" || len(s) > MaxSymbolLength {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
