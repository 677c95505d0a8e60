package ingestion

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

type fakeInvalidator struct {
	marked    map[string]int
	refreshes int
}

func (f *fakeInvalidator) InvalidatePortfolios(did string) int {
	if f.marked == nil {
		f.marked = make(map[string]int)
	}
	f.marked[did]++
	return f.marked[did]
}

func (f *fakeInvalidator) RefreshStale(ctx context.Context) {
	f.refreshes++
}

type fakeMsg struct {
	subject string
	data    []byte
	acked   bool
	naked   bool
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) { return &jetstream.MsgMetadata{}, nil }
func (m *fakeMsg) Data() []byte                              { return m.data }
func (m *fakeMsg) Headers() nats.Header                      { return nil }
func (m *fakeMsg) Subject() string                           { return m.subject }
func (m *fakeMsg) Reply() string                             { return "" }
func (m *fakeMsg) Ack() error                                { m.acked = true; return nil }
func (m *fakeMsg) DoubleAck(ctx context.Context) error       { m.acked = true; return nil }
func (m *fakeMsg) Nak() error                                { m.naked = true; return nil }
func (m *fakeMsg) NakWithDelay(d time.Duration) error        { m.naked = true; return nil }
func (m *fakeMsg) InProgress() error                         { return nil }
func (m *fakeMsg) Term() error                               { return nil }
func (m *fakeMsg) TermWithReason(reason string) error        { return nil }

func newTestSubscriber(inv *fakeInvalidator) *MovementSubscriber {
	return NewMovementSubscriber(nil, inv, zerolog.Nop(), nil)
}

func TestHandle_InvalidatesAndRefreshes(t *testing.T) {
	inv := &fakeInvalidator{}
	ms := newTestSubscriber(inv)
	did := "0x" + strings.Repeat("a", 64)

	msg := &fakeMsg{
		subject: "portal.portfolio.movements." + did,
		data:    []byte(`{"did":"` + did + `","asset_id":"0xusd"}`),
	}
	ms.handle(context.Background(), msg)

	if !msg.acked {
		t.Error("handled message must be acked")
	}
	if inv.marked[did] != 1 {
		t.Errorf("expected 1 invalidation, got %d", inv.marked[did])
	}
	if inv.refreshes != 1 {
		t.Errorf("expected a refresh pass, got %d", inv.refreshes)
	}
}

func TestHandle_MalformedPayloadAcked(t *testing.T) {
	inv := &fakeInvalidator{}
	ms := newTestSubscriber(inv)

	msg := &fakeMsg{subject: "portal.portfolio.movements.x", data: []byte("{not json")}
	ms.handle(context.Background(), msg)

	if !msg.acked {
		t.Error("malformed message must be acked, not redelivered")
	}
	if len(inv.marked) != 0 {
		t.Error("malformed message must not invalidate anything")
	}
}

func TestHandle_InvalidDIDAcked(t *testing.T) {
	inv := &fakeInvalidator{}
	ms := newTestSubscriber(inv)

	msg := &fakeMsg{
		subject: "portal.portfolio.movements.bad",
		data:    []byte(`{"did":"0x123"}`),
	}
	ms.handle(context.Background(), msg)

	if !msg.acked {
		t.Error("invalid-DID message must be acked")
	}
	if len(inv.marked) != 0 {
		t.Error("invalid DID must not invalidate anything")
	}
}
