package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/streadway/amqp"

	"github.com/MrWong99/callwatch/internal/evaluation"
	"github.com/MrWong99/callwatch/internal/metrics"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type mockChannel struct {
	declared   []string
	declareErr error
	publishErr error
	published  []published
	closed     int
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	m.declared = append(m.declared, name+":"+kind)
	return m.declareErr
}

func (m *mockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.published = append(m.published, published{exchange, key, msg})
	return m.publishErr
}

func (m *mockChannel) Close() error {
	m.closed++
	return nil
}

func fixtures(flags ...string) (*metrics.Session, *evaluation.Record) {
	s := &metrics.Session{CallID: "room_20250301_090000_abcd1234", Room: "room", TerminationReason: "inactivity"}
	r := &evaluation.Record{
		CallID: s.CallID,
		Core:   evaluation.CoreMetrics{Sentiment: evaluation.SentimentFrustrated, EscalationRequired: true},
		Domain: evaluation.DomainMetrics{Category: evaluation.CategoryBillingRefund},
		Info:   evaluation.AdditionalInfo{Method: evaluation.MethodHeuristic},
		Flags:  flags,
	}
	return s, r
}

func TestPublisher_Publish(t *testing.T) {
	t.Parallel()
	ch := &mockChannel{}
	p, err := NewPublisher(ch, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ch.declared) != 1 || ch.declared[0] != DefaultExchange+":topic" {
		t.Errorf("declared = %v", ch.declared)
	}

	s, r := fixtures()
	if err := p.Publish(context.Background(), s, r); err != nil {
		t.Fatal(err)
	}
	s, r = fixtures(evaluation.FlagBoundaryViolated)
	if err := p.Publish(context.Background(), s, r); err != nil {
		t.Fatal(err)
	}

	if len(ch.published) != 2 {
		t.Fatalf("published %d messages", len(ch.published))
	}
	if ch.published[0].key != KeyEvaluated || ch.published[1].key != KeyFlagged {
		t.Errorf("keys = %s, %s", ch.published[0].key, ch.published[1].key)
	}
	msg := ch.published[0].msg
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent || msg.MessageId != r.CallID {
		t.Errorf("publishing = %+v", msg)
	}
	var ev CallEvaluated
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Room != "room" || ev.Category != evaluation.CategoryBillingRefund || ev.Flags == nil || !ev.EscalationRequired {
		t.Errorf("event = %+v", ev)
	}
}

func TestPublisher_Errors(t *testing.T) {
	t.Parallel()
	if _, err := NewPublisher(&mockChannel{declareErr: errors.New("access refused")}, "x"); err == nil {
		t.Error("declare failure ignored")
	}

	boom := errors.New("channel closed")
	p, _ := NewPublisher(&mockChannel{publishErr: boom}, "x")
	s, r := fixtures()
	if err := p.Publish(context.Background(), s, r); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Publish(ctx, s, r); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled publish: %v", err)
	}
}

func TestPublisher_Close(t *testing.T) {
	t.Parallel()
	ch := &mockChannel{}
	p, _ := NewPublisher(ch, "x")
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	p.Close()
	if ch.closed != 1 {
		t.Errorf("channel closed %d times", ch.closed)
	}
	s, r := fixtures()
	if err := p.Publish(context.Background(), s, r); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
