package xdcc

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("xdcc: client closed")

// ConnectionError is returned when the control connection cannot be
// established or dies before the client becomes available.
type ConnectionError struct {
	Bot string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("xdcc: connect to %s: %v", e.Bot, e.Err)
	}
	return fmt.Sprintf("xdcc: connect to %s failed", e.Bot)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AsConnection checks if an error is a ConnectionError and returns it.
func AsConnection(err error) (*ConnectionError, bool) {
	var ce *ConnectionError
	ok := errors.As(err, &ce)
	return ce, ok
}

// RequestTimeoutError is returned when a pack request does not resolve
// within its deadline. The client is back in the available state when a
// caller sees this error; retrying is safe.
type RequestTimeoutError struct {
	Bot  string
	Pack string
	Wait time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("xdcc: request %q to %s timed out after %s", e.Pack, e.Bot, e.Wait)
}

// AsTimeout checks if an error is a RequestTimeoutError and returns it.
func AsTimeout(err error) (*RequestTimeoutError, bool) {
	var te *RequestTimeoutError
	ok := errors.As(err, &te)
	return te, ok
}

// ProtocolError is returned when the peer sends a handshake the client
// cannot act on. It aborts only the current request.
type ProtocolError struct {
	Bot    string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("xdcc: %s: %s: %v", e.Bot, e.Reason, e.Err)
	}
	return fmt.Sprintf("xdcc: %s: %s", e.Bot, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AsProtocol checks if an error is a ProtocolError and returns it.
func AsProtocol(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	ok := errors.As(err, &pe)
	return pe, ok
}

// TransferInterruptedError is returned when the binary connection closed
// before the declared size was reached. Received reports how many bytes
// made it to the destination; the caller decides what to do with the
// partial file.
type TransferInterruptedError struct {
	Filename string
	Received int64
	Expected int64
}

func (e *TransferInterruptedError) Error() string {
	return fmt.Sprintf("xdcc: transfer of %q interrupted at %d/%d bytes",
		e.Filename, e.Received, e.Expected)
}

// AsInterrupted checks if an error is a TransferInterruptedError and returns it.
func AsInterrupted(err error) (*TransferInterruptedError, bool) {
	var ie *TransferInterruptedError
	ok := errors.As(err, &ie)
	return ie, ok
}
