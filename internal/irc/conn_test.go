package irc

import (
	"bufio"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	ircv4 "gopkg.in/irc.v4"

	"github.com/thesadru/subsplease-dl/internal/xdcc"
)

// newPipedConn wires a Conn to an in-memory pipe, standing in for the IRC
// server.
func newPipedConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	c := New(Config{Server: "test", Port: 6667, Nick: "tester"}, zaptest.NewLogger(t).Sugar())
	client, server := net.Pipe()

	c.mu.Lock()
	c.conn = client
	c.mu.Unlock()
	c.wmu.Lock()
	c.w = ircv4.NewWriter(client)
	c.wmu.Unlock()

	go c.readLoop(client)
	t.Cleanup(func() {
		server.Close()
		c.Close()
	})
	return c, server
}

func expectEvent(t *testing.T, c *Conn, want xdcc.EventType) xdcc.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatalf("event stream closed while waiting for %v", want)
		}
		if ev.Type != want {
			t.Fatalf("event = %v, want %v", ev.Type, want)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event within deadline, want %v", want)
	}
	return xdcc.Event{}
}

func TestConn_WelcomeEvent(t *testing.T) {
	c, server := newPipedConn(t)
	go server.Write([]byte(":server 001 tester :Welcome to the network\r\n"))
	expectEvent(t, c, xdcc.EventWelcome)
}

func TestConn_PingPong(t *testing.T) {
	_, server := newPipedConn(t)
	go server.Write([]byte("PING :token123\r\n"))

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(server).ReadString('\n')
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if got := strings.TrimRight(line, "\r\n"); got != "PONG :token123" {
		t.Errorf("reply = %q, want PONG :token123", got)
	}
}

func TestConn_CTCPEvent(t *testing.T) {
	c, server := newPipedConn(t)
	go server.Write([]byte(":bot!x@h PRIVMSG tester :\x01DCC SEND file.bin 2130706433 5000 11\x01\r\n"))

	ev := expectEvent(t, c, xdcc.EventCTCP)
	if ev.Payload != "DCC SEND file.bin 2130706433 5000 11" {
		t.Errorf("payload = %q", ev.Payload)
	}
}

func TestConn_PlainPrivmsgIgnored(t *testing.T) {
	c, server := newPipedConn(t)
	go server.Write([]byte(
		":bot!x@h PRIVMSG tester :just chatting\r\n" +
			":server 001 tester :Welcome\r\n"))

	// The chat line produces nothing; the next event is the welcome.
	expectEvent(t, c, xdcc.EventWelcome)
}

func TestConn_SelfJoinEvent(t *testing.T) {
	c, server := newPipedConn(t)
	go server.Write([]byte(
		":someoneelse!x@h JOIN :#subsplease\r\n" +
			":tester!x@h JOIN :#subsplease\r\n"))

	// Another user's join is not ours; only the second line counts.
	expectEvent(t, c, xdcc.EventJoined)

	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected extra event %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConn_EventStreamClosesOnDisconnect(t *testing.T) {
	c, server := newPipedConn(t)
	server.Close()

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatal("got an event, want closed stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event stream still open after disconnect")
	}
}

func TestConn_DCCStream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	payload := []byte("hello from the bot")
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write(payload)
		conn.Close()
	}()

	c := New(Config{Server: "test", Port: 6667}, zaptest.NewLogger(t).Sugar())
	defer c.Close()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	if err := c.OpenDCC(netip.MustParseAddr("127.0.0.1"), port); err != nil {
		t.Fatalf("OpenDCC: %v", err)
	}

	var got []byte
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			switch ev.Type {
			case xdcc.EventDCCData:
				got = append(got, ev.Data...)
			case xdcc.EventDCCClosed:
				if string(got) != string(payload) {
					t.Errorf("received %q, want %q", got, payload)
				}
				return
			default:
				t.Fatalf("unexpected event %v", ev.Type)
			}
		case <-deadline:
			t.Fatal("no DCC close within deadline")
		}
	}
}

func TestConn_CloseDCCIdempotent(t *testing.T) {
	c := New(Config{Server: "test", Port: 6667}, zaptest.NewLogger(t).Sugar())
	c.CloseDCC()
	c.CloseDCC()
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRandomNick(t *testing.T) {
	for i := 0; i < 20; i++ {
		nick := randomNick()
		if len(nick) != 9 {
			t.Fatalf("len(%q) = %d, want 9", nick, len(nick))
		}
		for _, r := range nick {
			if !strings.ContainsRune("anonymous", r) {
				t.Fatalf("nick %q contains %q", nick, r)
			}
		}
	}
}
