package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

type natsConn interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSPublisher publishes analytics events on a NATS subject.
type NATSPublisher struct {
	conn    natsConn
	subject string
}

// NewNATSPublisher constructs a NATS backed publisher. Events are published on
// <subject>.<event name>.
func NewNATSPublisher(conn *nats.Conn, subject string) (*NATSPublisher, error) {
	if conn == nil {
		return nil, errors.New("nats publisher: connection is required")
	}
	return newNATSPublisher(conn, subject)
}

func newNATSPublisher(conn natsConn, subject string) (*NATSPublisher, error) {
	subject = strings.Trim(strings.TrimSpace(subject), ".")
	if subject == "" {
		return nil, errors.New("nats publisher: subject is required")
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// Publish sends the event. The event id doubles as the JetStream dedupe id.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(p.subject + "." + strings.ReplaceAll(event.Name, " ", "_"))
	msg.Data = data
	if event.ID != "" {
		msg.Header.Set(nats.MsgIdHdr, event.ID)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
