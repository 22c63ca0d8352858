package control

import (
	"context"
	"strings"
	"testing"
	"time"

	bine "github.com/cretz/bine/control"
	"github.com/nao1215/onionhost/internal/control/controltest"
)

// circEvent stands in for any event other than HS_DESC.
type circEvent struct{}

func (circEvent) Code() bine.EventCode { return bine.EventCode("CIRC") }

func TestConvertEvent(t *testing.T) {
	t.Parallel()

	id := "pg6mmjiyjmcrsslvykfwnntlaru7p5svn6y2ymmju6nubxndf4pscryd"
	tests := []struct {
		name string
		in   bine.Event
		want Event
	}{
		{
			name: "uploaded",
			in:   &bine.HSDescEvent{Action: "UPLOADED", Address: id, AuthType: "UNKNOWN", HSDir: "$AAAA~relay"},
			want: DescriptorUploaded{ServiceID: id, HSDir: "$AAAA~relay"},
		},
		{
			name: "failed with reason",
			in: &bine.HSDescEvent{
				Action: "FAILED", Address: id, AuthType: "UNKNOWN", HSDir: "$BBBB",
				DescID: "descid", Reason: "UPLOAD_REJECTED",
			},
			want: DescriptorUploadFailed{ServiceID: id, HSDir: "$BBBB", Reason: "UPLOAD_REJECTED"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := convertEvent(tt.in); got != tt.want {
				t.Errorf("convertEvent() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestConvertEventUnrecognized(t *testing.T) {
	t.Parallel()

	tests := map[string]bine.Event{
		"CIRC":           circEvent{},
		"HS_DESC UPLOAD": &bine.HSDescEvent{Action: "UPLOAD", Address: "abc", HSDir: "$A"},
		"HS_DESC short":  &bine.HSDescEvent{Action: "UPLOADED"},
	}
	for name, in := range tests {
		got := convertEvent(in)
		u, ok := got.(Unrecognized)
		if !ok {
			t.Errorf("%s: convertEvent() = %T, want Unrecognized", name, got)
			continue
		}
		if u.Event != in {
			t.Errorf("%s: Unrecognized.Event = %v, want the original event", name, u.Event)
		}
		if u.Name != strings.Fields(name)[0] {
			t.Errorf("%s: Unrecognized.Name = %q", name, u.Name)
		}
	}
}

func TestSubscribeReceivesDescriptorEvents(t *testing.T) {
	t.Parallel()

	srv := controltest.NewServer(t,
		controltest.WithPassword(testPassword),
		controltest.WithDescriptorUploads(2),
	)
	s := authenticated(t, srv)
	ctx := context.Background()

	if err := s.Subscribe(ctx, EventHSDesc); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if s.State() != StateEventSubscribed {
		t.Errorf("State() = %v, want %v", s.State(), StateEventSubscribed)
	}

	key := mustKey(t)
	if _, err := s.AddOnion(ctx, AddOnionRequest{
		Key:   key,
		Ports: []PortMapping{{VirtualPort: 80, Target: mustAddrPort(t, "127.0.0.1:8000")}},
	}); err != nil {
		t.Fatalf("AddOnion() error = %v", err)
	}

	// Commands still work while events are pending.
	if _, err := s.GetInfo(ctx, "version"); err != nil {
		t.Fatalf("GetInfo() with pending events error = %v", err)
	}

	for i := range 2 {
		select {
		case ev := <-s.Events():
			up, ok := ev.(DescriptorUploaded)
			if !ok {
				t.Fatalf("event %d = %T, want DescriptorUploaded", i, ev)
			}
			if up.ServiceID != key.ServiceID() {
				t.Errorf("ServiceID = %q, want %q", up.ServiceID, key.ServiceID())
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestEventOverflowIsCounted(t *testing.T) {
	t.Parallel()

	srv := controltest.NewServer(t, controltest.WithPassword(testPassword))
	s := authenticated(t, srv, WithEventBuffer(1))
	ctx := context.Background()

	if err := s.Subscribe(ctx, EventHSDesc); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	srv.Emit(
		"650 HS_DESC UPLOADED a UNKNOWN $1",
		"650 HS_DESC UPLOADED b UNKNOWN $2",
		"650 HS_DESC UPLOADED c UNKNOWN $3",
	)

	// The events are read no later than the reply to this command.
	if _, err := s.GetInfo(ctx, "version"); err != nil {
		t.Fatalf("GetInfo() error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for s.DroppedEvents() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.DroppedEvents(); got != 2 {
		t.Errorf("DroppedEvents() = %d, want 2", got)
	}
	if got := len(s.Events()); got != 1 {
		t.Errorf("queued events = %d, want 1", got)
	}
}
