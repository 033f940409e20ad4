// Package irc implements the chat transport for the XDCC client: a plain
// TCP connection to an IRC server plus, during a transfer, one raw DCC
// connection to the sending bot. Wire parsing and formatting use
// gopkg.in/irc.v4; the connection loop and event fan-out are ours.
package irc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	irc "gopkg.in/irc.v4"

	"github.com/thesadru/subsplease-dl/internal/xdcc"
)

// Config holds transport construction parameters.
type Config struct {
	Server      string
	Port        int
	Nick        string        // random if empty
	DialTimeout time.Duration // default 10s
}

// Conn is a Transport over TCP. One Conn serves one xdcc.Client.
type Conn struct {
	cfg    Config
	log    *zap.SugaredLogger
	events chan xdcc.Event
	done   chan struct{}
	once   sync.Once
	dccWG  sync.WaitGroup

	wmu sync.Mutex // serializes writes to the control connection
	w   *irc.Writer

	mu   sync.Mutex
	conn net.Conn
	dcc  net.Conn
	nick string
}

var _ xdcc.Transport = (*Conn)(nil)

// New creates an unconnected transport.
func New(cfg Config, log *zap.SugaredLogger) *Conn {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Nick == "" {
		cfg.Nick = randomNick()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Conn{
		cfg:    cfg,
		log:    log,
		events: make(chan xdcc.Event, 64),
		done:   make(chan struct{}),
		nick:   cfg.Nick,
	}
}

// Connect dials the server and registers. The welcome arrives later as an
// event.
func (c *Conn) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.cfg.Server, strconv.Itoa(c.cfg.Port))
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.wmu.Lock()
	c.w = irc.NewWriter(conn)
	c.wmu.Unlock()

	if err := c.writef("NICK %s", c.nick); err != nil {
		conn.Close()
		return fmt.Errorf("register: %w", err)
	}
	if err := c.writef("USER %s 0 * :%s", c.nick, c.nick); err != nil {
		conn.Close()
		return fmt.Errorf("register: %w", err)
	}

	go c.readLoop(conn)
	return nil
}

// Join requests a channel join.
func (c *Conn) Join(channel string) error {
	return c.writef("JOIN %s", channel)
}

// SendCTCP sends a CTCP request to the named target.
func (c *Conn) SendCTCP(target, text string) error {
	return c.writef("PRIVMSG %s :\x01%s\x01", target, text)
}

// Events returns the event stream. The channel closes when the control
// connection dies.
func (c *Conn) Events() <-chan xdcc.Event {
	return c.events
}

// OpenDCC dials the bot's binary stream and starts pumping its bytes into
// the event stream.
func (c *Conn) OpenDCC(addr netip.Addr, port uint16) error {
	target := net.JoinHostPort(addr.String(), strconv.Itoa(int(port)))
	conn, err := net.DialTimeout("tcp", target, c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial dcc %s: %w", target, err)
	}

	c.mu.Lock()
	if c.dcc != nil {
		c.mu.Unlock()
		conn.Close()
		return errors.New("irc: dcc connection already open")
	}
	c.dcc = conn
	c.mu.Unlock()

	c.dccWG.Add(1)
	go c.dccLoop(conn)
	return nil
}

// CloseDCC tears down the binary stream, if open. Idempotent.
func (c *Conn) CloseDCC() {
	c.mu.Lock()
	dcc := c.dcc
	c.dcc = nil
	c.mu.Unlock()
	if dcc != nil {
		dcc.Close()
	}
}

// Close tears down everything. Idempotent.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	c.CloseDCC()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		c.writef("QUIT :done")
		return conn.Close()
	}
	return nil
}

func (c *Conn) readLoop(conn net.Conn) {
	defer func() {
		c.once.Do(func() { close(c.done) })
		c.CloseDCC()
		c.dccWG.Wait()
		close(c.events)
	}()

	r := irc.NewReader(conn)
	for {
		msg, err := r.ReadMessage()
		if err != nil {
			c.log.Debugw("control connection closed", "server", c.cfg.Server, "error", err)
			return
		}
		c.handle(msg)
	}
}

func (c *Conn) handle(msg *irc.Message) {
	switch msg.Command {
	case "PING":
		c.writef("PONG :%s", msg.Trailing())
	case "001":
		c.emit(xdcc.Event{Type: xdcc.EventWelcome})
	case "433":
		// Nickname collision; roll a fresh one.
		c.mu.Lock()
		c.nick = randomNick()
		nick := c.nick
		c.mu.Unlock()
		c.writef("NICK %s", nick)
	case "JOIN":
		c.mu.Lock()
		nick := c.nick
		c.mu.Unlock()
		if msg.Prefix != nil && msg.Name == nick {
			c.emit(xdcc.Event{Type: xdcc.EventJoined})
		}
	case "PRIVMSG":
		text := msg.Trailing()
		if len(text) >= 2 && text[0] == 0x01 && text[len(text)-1] == 0x01 {
			c.emit(xdcc.Event{Type: xdcc.EventCTCP, Payload: text[1 : len(text)-1]})
		}
	}
}

func (c *Conn) dccLoop(conn net.Conn) {
	defer c.dccWG.Done()

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.emit(xdcc.Event{Type: xdcc.EventDCCData, Data: data})
		}
		if err != nil {
			break
		}
	}
	conn.Close()

	c.mu.Lock()
	if c.dcc == conn {
		c.dcc = nil
	}
	c.mu.Unlock()

	c.emit(xdcc.Event{Type: xdcc.EventDCCClosed})
}

// emit delivers an event unless the transport is shutting down.
func (c *Conn) emit(ev xdcc.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Conn) writef(format string, args ...interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.w == nil {
		return errors.New("irc: not connected")
	}
	return c.w.Writef(format, args...)
}

// randomNick builds a throwaway nickname out of the letters of "anonymous".
func randomNick() string {
	const letters = "anonymous"
	b := make([]byte, 9)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}
