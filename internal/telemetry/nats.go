package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink forwards every record's wire line to a NATS subject so that other
// analysis tools can follow a session without a WebSocket client.
type NATSSink struct {
	pub     Publisher
	subject string
	conn    *nats.Conn
}

// ConnectNATS dials url and returns a sink publishing to subject.
func ConnectNATS(url, subject string) (*NATSSink, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats subject is required")
	}
	conn, err := nats.Connect(url,
		nats.Name("readingtracker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				opsf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			diagf("nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	s := NewNATSSink(conn, subject)
	s.conn = conn
	return s, nil
}

// NewNATSSink wraps an existing publisher.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

// Run publishes records from hub until ctx is cancelled or the hub closes.
func (s *NATSSink) Run(ctx context.Context, hub *Hub) error {
	id, ch := hub.Subscribe()
	defer hub.Unsubscribe(id)
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.pub.Publish(s.subject, []byte(r.Line())); err != nil {
				failures++
				if failures == 1 || failures%1000 == 0 {
					opsf("nats publish to %s failed (%d so far): %v", s.subject, failures, err)
				}
			}
		}
	}
}

// Close drains the underlying connection if the sink dialled it.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
