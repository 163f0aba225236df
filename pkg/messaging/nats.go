package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "gridshare.events."

// NATSBus is a Bus backed by a NATS connection, for deployments where more
// than one process needs to observe domain events. Subjects are the event
// type under a fixed prefix; the payload is the JSON envelope.
type NATSBus struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NATSConfig holds connection options.
type NATSConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// ConnectNATS dials the broker and returns a bus.
func ConnectNATS(cfg NATSConfig) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSBus{conn: conn}, nil
}

func (b *NATSBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Envelope())
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.conn.Publish(subjectPrefix+event.Type, payload); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(eventType string, handler Handler) error {
	sub, err := b.conn.Subscribe(subjectPrefix+eventType, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		handler(Event{Type: env.Type, Data: env.Data, Timestamp: time.Now()})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", eventType, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()
	b.conn.Close()
	return nil
}
