package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"pdks/pkg/models"
)

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" ", ""}}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" 127.0.0.1:9092 "}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Topic() != DefaultTopic {
		t.Fatalf("expected default topic, got %q", p.Topic())
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestParseBrokers(t *testing.T) {
	t.Parallel()

	got := ParseBrokers(" a:9092, ,b:9092 ")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", got)
	}
}

func TestPublish(t *testing.T) {
	t.Parallel()

	w := &fakeKafkaWriter{}
	p := &KafkaPublisher{writer: w, topic: "t"}
	ev := models.NewEvent("acme", "u1", "term-7", models.DirectionOut, time.Now())
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "acme" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var decoded models.Event
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil || decoded.ID != ev.ID {
		t.Fatalf("unexpected payload %s err=%v", w.msgs[0].Value, err)
	}
	if string(w.msgs[0].Headers[0].Value) != ev.ID {
		t.Fatalf("expected event id header, got %+v", w.msgs[0].Headers)
	}

	w.err = errors.New("broker down")
	if err := p.Publish(context.Background(), ev); err == nil {
		t.Fatal("expected publish error")
	}
	_ = p.Close()
	if !w.closed {
		t.Fatal("expected writer close")
	}
}

func TestNilPublisherGuards(t *testing.T) {
	t.Parallel()

	var p *KafkaPublisher
	if err := p.Close(); err != nil {
		t.Fatalf("nil close must be a no-op, got %v", err)
	}
	if err := p.Publish(context.Background(), models.Event{}); err == nil {
		t.Fatal("expected error publishing on nil publisher")
	}
}
