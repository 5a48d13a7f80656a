// Package notify publishes an event for every evaluated call to an AMQP
// topic exchange, so downstream reviewers can react to flagged calls
// without polling the report store.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/MrWong99/callwatch/internal/evaluation"
	"github.com/MrWong99/callwatch/internal/metrics"
)

// DefaultExchange is used when no exchange name is configured.
const DefaultExchange = "callwatch.calls"

// Routing keys.
const (
	KeyEvaluated = "call.evaluated"
	KeyFlagged   = "call.flagged"
)

// ErrClosed is returned by [Publisher.Publish] after [Publisher.Close].
var ErrClosed = errors.New("notify: publisher closed")

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// CallEvaluated is the message body.
type CallEvaluated struct {
	CallID             string               `json:"call_id"`
	Room               string               `json:"room"`
	EndedAt            time.Time            `json:"ended_at"`
	TerminationReason  string               `json:"termination_reason"`
	DurationSeconds    float64              `json:"duration_seconds"`
	TotalCost          float64              `json:"total_cost"`
	Sentiment          evaluation.Sentiment `json:"user_sentiment"`
	Category           evaluation.Category  `json:"query_category"`
	Resolved           bool                 `json:"query_resolved"`
	EscalationRequired bool                 `json:"escalation_required"`
	Method             evaluation.Method    `json:"evaluation_method"`
	Flags              []string             `json:"flags"`
}

// Publisher sends [CallEvaluated] messages. Calls with compliance flags use
// [KeyFlagged], all others [KeyEvaluated]. It is safe for concurrent use.
type Publisher struct {
	mu       sync.Mutex
	ch       Channel
	conn     io.Closer
	exchange string
	closed   bool
}

// Dial connects to the broker at url and declares exchange as a durable
// topic exchange.
func Dial(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}
	p, err := NewPublisher(ch, exchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisher declares exchange on ch and returns a publisher using it.
func NewPublisher(ch Channel, exchange string) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("notify: declare exchange %s: %w", exchange, err)
	}
	return &Publisher{ch: ch, exchange: exchange}, nil
}

// Publish sends the event for one evaluated call.
func (p *Publisher) Publish(ctx context.Context, s *metrics.Session, r *evaluation.Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	ev := CallEvaluated{
		CallID:             r.CallID,
		Room:               s.Room,
		EndedAt:            s.EndedAt,
		TerminationReason:  s.TerminationReason,
		DurationSeconds:    s.DurationSeconds,
		TotalCost:          s.Totals.TotalCost,
		Sentiment:          r.Core.Sentiment,
		Category:           r.Domain.Category,
		Resolved:           r.Core.Resolved,
		EscalationRequired: r.Core.EscalationRequired,
		Method:             r.Info.Method,
		Flags:              r.Flags,
	}
	if ev.Flags == nil {
		ev.Flags = []string{}
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	key := KeyEvaluated
	if len(ev.Flags) > 0 {
		key = KeyFlagged
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	err = p.ch.Publish(p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    r.CallID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("notify: publish %s: %w", r.CallID, err)
	}
	return nil
}

// Close closes the channel and, for dialed publishers, the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.ch.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}
