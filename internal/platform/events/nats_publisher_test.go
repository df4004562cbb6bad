package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
)

type fakeNATSConn struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakeNATSConn) PublishMsg(msg *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func TestNATSPublisherPublishesOnEventSubject(t *testing.T) {
	conn := &fakeNATSConn{}
	publisher, err := newNATSPublisher(conn, " checkout.analytics. ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := publisher.Publish(context.Background(), Event{ID: "evt_1", Name: "order_submitted", OrderID: "ord-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(conn.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(conn.msgs))
	}
	msg := conn.msgs[0]
	if msg.Subject != "checkout.analytics.order_submitted" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if got := msg.Header.Get(nats.MsgIdHdr); got != "evt_1" {
		t.Fatalf("expected dedupe header, got %q", got)
	}
	var payload Event
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.OrderID != "ord-1" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestNATSPublisherWrapsErrors(t *testing.T) {
	conn := &fakeNATSConn{err: nats.ErrConnectionClosed}
	publisher, _ := newNATSPublisher(conn, "analytics")

	err := publisher.Publish(context.Background(), Event{Name: "x"})
	if !errors.Is(err, nats.ErrConnectionClosed) {
		t.Fatalf("expected connection closed, got %v", err)
	}
}
