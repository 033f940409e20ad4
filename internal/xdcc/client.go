// Package xdcc implements the XDCC protocol on top of a chat transport.
//
// A Client owns one connection to one bot. Pack requests are serialized:
// RequestPack blocks until the transfer resolves, and every resolution path
// (success, interruption, timeout, protocol error) returns the client to the
// available state, so a failed request can never wedge the connection.
package xdcc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/thesadru/subsplease-dl/internal/metrics"
)

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateConnected
	stateJoining
	stateAvailable
	stateAwaitingSend
	stateTransferring
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateJoining:
		return "joining"
	case stateAvailable:
		return "available"
	case stateAwaitingSend:
		return "awaiting-send"
	case stateTransferring:
		return "transferring"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	defaultAvailableWait = 60 * time.Second
	defaultConnectWait   = 30 * time.Second
)

var errWaitTimeout = errors.New("wait timed out")

// File describes one transfer as declared by the bot's handshake.
type File struct {
	Filename string
	Size     int64
	Received int64
}

// Complete reports whether all declared bytes arrived.
func (f *File) Complete() bool { return f.Received >= f.Size }

// transfer is the single in-flight pack request. Resolved exactly once,
// always under the client mutex.
type transfer struct {
	pack     string
	dest     io.Writer
	destFile *os.File // set only when the client opened the destination itself
	file     *File
	bar      *progressbar.ProgressBar
	resolved bool
	err      error
}

// Config holds client construction parameters.
type Config struct {
	Bot     string
	Channel string // optional; joined before the client becomes available

	// AvailableWait bounds how long RequestPack waits for the client to
	// become available before giving up. Default 60s.
	AvailableWait time.Duration

	// ShowProgress draws a progress bar on stderr for each transfer.
	ShowProgress bool
}

// Client is a thread-safe XDCC client for a single bot.
type Client struct {
	bot       string
	channel   string
	availWait time.Duration
	progress  bool
	tr        Transport
	log       *zap.SugaredLogger

	mu      sync.Mutex
	cond    *sync.Cond
	state   state
	pending *transfer
}

// New creates a client over the given transport. The transport must not be
// shared between clients.
func New(tr Transport, cfg Config, log *zap.SugaredLogger) *Client {
	if cfg.AvailableWait <= 0 {
		cfg.AvailableWait = defaultAvailableWait
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Client{
		bot:       cfg.Bot,
		channel:   cfg.Channel,
		availWait: cfg.AvailableWait,
		progress:  cfg.ShowProgress,
		tr:        tr,
		log:       log,
		state:     stateIdle,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Connect opens the transport and blocks until the client is available
// (welcome received and, if a channel is configured, the join confirmed).
// The deadline comes from ctx if set, otherwise a 30s default applies.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateIdle {
		s := c.state
		c.mu.Unlock()
		return fmt.Errorf("xdcc: connect in state %s", s)
	}
	c.state = stateConnecting
	c.mu.Unlock()

	if err := c.tr.Connect(ctx); err != nil {
		c.mu.Lock()
		c.state = stateClosed
		c.cond.Broadcast()
		c.mu.Unlock()
		return &ConnectionError{Bot: c.bot, Err: err}
	}

	go c.run()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultConnectWait)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.waitAvailable(deadline); err != nil {
		return &ConnectionError{Bot: c.bot, Err: err}
	}
	return nil
}

// waitAvailable blocks until the state is available, the client closes, or
// the deadline passes. Caller holds the mutex.
func (c *Client) waitAvailable(deadline time.Time) error {
	timer := time.AfterFunc(time.Until(deadline), c.cond.Broadcast)
	defer timer.Stop()

	for c.state != stateAvailable {
		if c.state == stateClosed {
			return ErrClosed
		}
		if !time.Now().Before(deadline) {
			return errWaitTimeout
		}
		c.cond.Wait()
	}
	return nil
}

// RequestPack asks the bot for the given pack and blocks until the transfer
// resolves. The reserved pack "list" requests the bot's file directory.
//
// If dest is nil the client creates a file in the working directory named by
// the bot's handshake and closes it when the transfer resolves; a
// caller-supplied dest stays open and is never closed by the client.
// timeout bounds the whole request once sent; timeout <= 0 waits forever.
func (c *Client) RequestPack(pack string, dest io.Writer, timeout time.Duration) (*File, error) {
	c.mu.Lock()
	if err := c.waitAvailable(time.Now().Add(c.availWait)); err != nil {
		c.mu.Unlock()
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		return nil, &RequestTimeoutError{Bot: c.bot, Pack: pack, Wait: c.availWait}
	}
	t := &transfer{pack: pack, dest: dest}
	c.pending = t
	c.state = stateAwaitingSend
	c.mu.Unlock()

	c.log.Debugw("requesting pack", "bot", c.bot, "pack", pack)
	if err := c.tr.SendCTCP(c.bot, "xdcc send "+pack); err != nil {
		c.mu.Lock()
		c.resolveLocked(t, fmt.Errorf("send request: %w", err))
		c.mu.Unlock()
		return nil, t.err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, c.cond.Broadcast)
		defer timer.Stop()
	}

	for !t.resolved {
		if timeout > 0 && !time.Now().Before(deadline) {
			// Nothing resolved us in time. Tear down whatever is half
			// open and re-arm the client before returning, so the next
			// request cannot deadlock behind this one.
			c.tr.CloseDCC()
			c.resolveLocked(t, &RequestTimeoutError{Bot: c.bot, Pack: pack, Wait: timeout})
			break
		}
		c.cond.Wait()
	}

	if t.err != nil {
		return nil, t.err
	}
	return t.file, nil
}

// resolveLocked finishes the pending transfer exactly once and returns the
// client to available (unless closed). Caller holds the mutex.
func (c *Client) resolveLocked(t *transfer, err error) {
	if t.resolved {
		return
	}
	t.resolved = true
	t.err = err

	if t.destFile != nil {
		t.destFile.Close()
		t.destFile = nil
	}
	if t.bar != nil {
		if err == nil {
			t.bar.Finish()
		} else {
			t.bar.Exit()
		}
		t.bar = nil
	}

	metrics.RecordTransfer(transferOutcome(err))
	c.pending = nil
	if c.state != stateClosed {
		c.state = stateAvailable
	}
	c.cond.Broadcast()
}

func transferOutcome(err error) string {
	var (
		te *RequestTimeoutError
		ie *TransferInterruptedError
		pe *ProtocolError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &ie):
		return "interrupted"
	case errors.As(err, &pe):
		return "protocol_error"
	default:
		return "error"
	}
}

// run consumes transport events until the connection dies.
func (c *Client) run() {
	for ev := range c.tr.Events() {
		switch ev.Type {
		case EventWelcome:
			c.onWelcome()
		case EventJoined:
			c.onJoined()
		case EventCTCP:
			c.onCTCP(ev.Payload)
		case EventDCCData:
			c.onData(ev.Data)
		case EventDCCClosed:
			c.onDCCClosed()
		}
	}

	c.mu.Lock()
	if c.state != stateClosed {
		c.state = stateClosed
		if c.pending != nil {
			c.resolveLocked(c.pending, &ConnectionError{Bot: c.bot, Err: errors.New("connection lost")})
		}
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

func (c *Client) onWelcome() {
	c.log.Debugw("welcome", "bot", c.bot)

	c.mu.Lock()
	if c.state != stateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = stateConnected
	if c.channel == "" {
		c.state = stateAvailable
		c.cond.Broadcast()
		c.mu.Unlock()
		return
	}
	c.state = stateJoining
	c.mu.Unlock()

	if err := c.tr.Join(c.channel); err != nil {
		c.log.Warnw("channel join failed", "bot", c.bot, "channel", c.channel, "error", err)
		c.mu.Lock()
		c.state = stateClosed
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

func (c *Client) onJoined() {
	c.log.Debugw("joined", "bot", c.bot, "channel", c.channel)

	c.mu.Lock()
	if c.state == stateJoining {
		c.state = stateAvailable
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// onCTCP handles an incoming CTCP payload, the only interesting one being
// the DCC SEND handshake that answers our pack request.
func (c *Client) onCTCP(payload string) {
	fields, err := shlex.Split(payload)
	if err != nil || len(fields) < 6 || fields[0] != "DCC" || fields[1] != "SEND" {
		return
	}
	filename, addrStr, portStr, sizeStr := fields[2], fields[3], fields[4], fields[5]

	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.pending
	if c.state != stateAwaitingSend || t == nil {
		// Unsolicited or duplicate offer; a bot cannot push us into a
		// transfer we did not ask for.
		c.log.Debugw("ignoring DCC SEND", "bot", c.bot, "state", c.state.String())
		return
	}

	addr, aerr := parsePeerAddr(addrStr)
	port, perr := strconv.ParseUint(portStr, 10, 16)
	size, serr := strconv.ParseInt(sizeStr, 10, 64)
	if aerr != nil || perr != nil || serr != nil || size < 0 {
		c.resolveLocked(t, &ProtocolError{Bot: c.bot, Reason: fmt.Sprintf("malformed DCC SEND %q", payload), Err: aerr})
		return
	}

	if t.dest == nil {
		f, err := os.Create(filepath.Base(filename))
		if err != nil {
			c.resolveLocked(t, &ProtocolError{Bot: c.bot, Reason: "open destination", Err: err})
			return
		}
		t.dest = f
		t.destFile = f
	}

	t.file = &File{Filename: filename, Size: size}
	if c.progress {
		t.bar = progressbar.NewOptions64(size,
			progressbar.OptionSetDescription(filename),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
	}

	if err := c.tr.OpenDCC(addr, uint16(port)); err != nil {
		c.resolveLocked(t, &ProtocolError{Bot: c.bot, Reason: "dial peer", Err: err})
		return
	}
	c.state = stateTransferring
	c.log.Debugw("transfer started", "bot", c.bot, "file", filename, "size", size)
}

func (c *Client) onData(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.pending
	if c.state != stateTransferring || t == nil || t.file == nil {
		return
	}

	n, err := t.dest.Write(data)
	t.file.Received += int64(n)
	metrics.AddBytesReceived(n)
	if t.bar != nil {
		t.bar.Add(n)
	}
	if err != nil {
		c.tr.CloseDCC()
		c.resolveLocked(t, fmt.Errorf("write destination: %w", err))
		return
	}

	if t.file.Received >= t.file.Size {
		// All declared bytes arrived; close from our side rather than
		// waiting for the bot. Resolution happens on EventDCCClosed.
		c.tr.CloseDCC()
	}
}

func (c *Client) onDCCClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.pending
	if c.state != stateTransferring || t == nil || t.file == nil {
		return
	}

	if t.file.Complete() {
		c.log.Debugw("transfer complete", "bot", c.bot, "file", t.file.Filename, "bytes", t.file.Received)
		c.resolveLocked(t, nil)
		return
	}
	c.resolveLocked(t, &TransferInterruptedError{
		Filename: t.file.Filename,
		Received: t.file.Received,
		Expected: t.file.Size,
	})
}

// Close permanently closes the client, failing any in-flight request.
// Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	if c.pending != nil {
		c.resolveLocked(c.pending, ErrClosed)
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	return c.tr.Close()
}

// parsePeerAddr accepts the classic 32-bit integer address form of DCC SEND
// as well as a plain dotted quad.
func parsePeerAddr(s string) (netip.Addr, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("peer address %q: %w", s, err)
	}
	return addr, nil
}
