package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xtrntr/papertrade/internal/models"
)

// KafkaWriter abstracts *kafka.Writer for tests
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ KafkaWriter = (*kafka.Writer)(nil)

// TradeEvent is the message value written for every committed trade
type TradeEvent struct {
	TradeID   int       `json:"trade_id"`
	UserID    int       `json:"user_id"`
	Symbol    string    `json:"symbol"`
	TradeType string    `json:"trade_type"`
	Quantity  int       `json:"quantity"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// TradePublisher writes trades to a kafka topic keyed by user id, so the
// trades of one user stay ordered within their partition.
type TradePublisher struct {
	writer KafkaWriter
	logger *zap.Logger
}

// NewWriter builds the production writer for brokers and topic
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// NewTradePublisher wraps writer
func NewTradePublisher(writer KafkaWriter, logger *zap.Logger) *TradePublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TradePublisher{writer: writer, logger: logger}
}

// PublishTrade writes one trade event
func (p *TradePublisher) PublishTrade(ctx context.Context, t models.TradeRecord) error {
	payload, err := json.Marshal(TradeEvent{
		TradeID:   t.ID,
		UserID:    t.UserID,
		Symbol:    t.Symbol,
		TradeType: string(t.Side),
		Quantity:  t.Quantity,
		Price:     t.Price,
		Timestamp: t.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal trade event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.Itoa(t.UserID)),
		Value: payload,
		Time:  t.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write trade event %d: %w", t.ID, err)
	}
	p.logger.Debug("Published trade event", zap.Int("trade_id", t.ID), zap.String("symbol", t.Symbol))
	return nil
}

// Close flushes pending messages and closes the writer
func (p *TradePublisher) Close() error {
	return p.writer.Close()
}
