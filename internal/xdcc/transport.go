package xdcc

import (
	"context"
	"net/netip"
)

// EventType identifies an event delivered by the transport.
type EventType int

const (
	// EventWelcome fires when the server accepts the registration.
	EventWelcome EventType = iota
	// EventJoined fires when the client's own channel join completes.
	EventJoined
	// EventCTCP carries the payload of a CTCP message addressed to us.
	EventCTCP
	// EventDCCData carries a block of bytes read from the DCC connection.
	EventDCCData
	// EventDCCClosed fires when the DCC connection closes, whether by the
	// peer or by us.
	EventDCCClosed
)

// Event is one typed occurrence on the transport's event stream.
type Event struct {
	Type    EventType
	Payload string // EventCTCP
	Data    []byte // EventDCCData
}

// Transport is the underlying chat-protocol connection. Implementations
// deliver events on a single channel consumed by one Client goroutine; the
// channel is closed when the connection dies.
type Transport interface {
	// Connect opens the control connection and registers. Events start
	// flowing once it returns.
	Connect(ctx context.Context) error

	// Join requests a channel join; completion arrives as EventJoined.
	Join(channel string) error

	// SendCTCP sends a CTCP request to the named target.
	SendCTCP(target, text string) error

	// OpenDCC dials the peer's binary stream. Received bytes arrive as
	// EventDCCData, termination as EventDCCClosed.
	OpenDCC(addr netip.Addr, port uint16) error

	// CloseDCC tears down the binary stream, if open. Idempotent.
	CloseDCC()

	// Events returns the event stream.
	Events() <-chan Event

	// Close tears down the whole connection. Idempotent.
	Close() error
}
