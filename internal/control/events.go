package control

import (
	"context"
	"fmt"
	"strings"

	bine "github.com/cretz/bine/control"
)

// EventHSDesc is the event that reports onion service descriptor activity.
const EventHSDesc = "HS_DESC"

// Event is an asynchronous notification from the daemon.
//
// The set of implementations is closed: DescriptorUploaded,
// DescriptorUploadFailed, Disconnected and Unrecognized. Consumers switch
// on the concrete type.
type Event interface {
	// EventName returns the control protocol event keyword.
	EventName() string

	isEvent()
}

// DescriptorUploaded reports that a service descriptor reached a directory.
// Once the first one arrives the service is reachable by clients.
type DescriptorUploaded struct {
	// ServiceID is the address without ".onion".
	ServiceID string
	// HSDir is the fingerprint of the directory that accepted it.
	HSDir string
}

// DescriptorUploadFailed reports a rejected or failed descriptor upload.
type DescriptorUploadFailed struct {
	ServiceID string
	HSDir     string
	// Reason is the REASON= value, e.g. UPLOAD_REJECTED, if present.
	Reason string
}

// Disconnected is the last event of a session whose connection ended
// without Close being called.
type Disconnected struct {
	Err error
}

// Unrecognized carries any other event as parsed by the control library.
type Unrecognized struct {
	Name  string
	Event bine.Event
}

func (DescriptorUploaded) EventName() string     { return EventHSDesc }
func (DescriptorUploadFailed) EventName() string { return EventHSDesc }
func (Disconnected) EventName() string           { return "DISCONNECTED" }
func (e Unrecognized) EventName() string         { return e.Name }

func (DescriptorUploaded) isEvent()     {}
func (DescriptorUploadFailed) isEvent() {}
func (Disconnected) isEvent()           {}
func (Unrecognized) isEvent()           {}

// convertEvent maps a parsed event onto the session's event types.
//
//	650 HS_DESC UPLOADED <address> <auth> <hsdir> [<descid>]
//	650 HS_DESC FAILED <address> <auth> <hsdir> [<descid>] REASON=<reason>
func convertEvent(ev bine.Event) Event {
	desc, ok := ev.(*bine.HSDescEvent)
	if !ok {
		return Unrecognized{Name: string(ev.Code()), Event: ev}
	}
	if desc.Address == "" || desc.HSDir == "" {
		return Unrecognized{Name: EventHSDesc, Event: ev}
	}

	switch desc.Action {
	case "UPLOADED":
		return DescriptorUploaded{ServiceID: desc.Address, HSDir: desc.HSDir}
	case "FAILED":
		return DescriptorUploadFailed{ServiceID: desc.Address, HSDir: desc.HSDir, Reason: desc.Reason}
	default:
		return Unrecognized{Name: EventHSDesc, Event: ev}
	}
}

// Subscribe asks the daemon to report the given events (SETEVENTS),
// replacing any earlier subscription. Passing no names clears it.
// Requires authentication.
func (s *Session) Subscribe(ctx context.Context, names ...string) error {
	codes := make([]bine.EventCode, 0, len(names))
	for _, name := range names {
		if name == "" || strings.ContainsAny(name, " \t\r\n") {
			return fmt.Errorf("%w: bad event name %q", ErrInvalidCommand, name)
		}
		codes = append(codes, bine.EventCode(strings.ToUpper(name)))
	}
	if s.State() == StateUnauthenticated {
		return fmt.Errorf("%w: SETEVENTS", ErrNotAuthenticated)
	}

	err := s.exchange(ctx, "SETEVENTS", func(c *bine.Conn) error {
		if len(s.subscribed) > 0 {
			if err := c.RemoveEventListener(s.incoming, s.subscribed...); err != nil {
				return err
			}
			s.subscribed = nil
		} else if len(codes) == 0 {
			_, err := c.SendRequest("SETEVENTS")
			return err
		}
		if len(codes) == 0 {
			return nil
		}
		if err := c.AddEventListener(s.incoming, codes...); err != nil {
			return err
		}
		s.subscribed = codes
		return nil
	})
	if err != nil {
		if isConnectionError(err) {
			return err
		}
		return fmt.Errorf("%w: SETEVENTS: %w", ErrQuery, err)
	}

	if len(names) > 0 {
		s.state.CompareAndSwap(int32(StateAuthenticated), int32(StateEventSubscribed))
	}
	s.logger.Debug("subscribed to control events", "events", names)
	return nil
}
