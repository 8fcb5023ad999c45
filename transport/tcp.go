package transport

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hn-88/sgct/log"
)

var logger = log.New("transport")

// TCP implements Transport over plain sockets with a per-peer writer and one
// reader goroutine per connection. The master listens; clients dial the
// master. Each connection starts with a Connected handshake message carrying
// the sender's node name and endpoint ID, and the reader synthesizes a
// Disconnected message into the inbox when a link drops.
type TCP struct {
	name string

	// id identifies this endpoint instance across reconnects of the same
	// node name; it rides in the handshake payload.
	id string

	ln     net.Listener
	inbox  chan Message
	done   chan struct{}
	closed sync.Once

	mu    sync.RWMutex
	peers map[string]net.Conn
}

const dialRetryInterval = 500 * time.Millisecond

// Listen creates a TCP transport accepting peer connections on addr. Used by
// the master node.
func Listen(name, addr string) (*TCP, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	t := newTCP(name)
	t.ln = ln
	logger.Infof("listening on %s", addr)
	go t.acceptLoop()
	return t, nil
}

// Dial creates a TCP transport connected to the master at addr, retrying
// until the startup timeout elapses. Used by client nodes.
func Dial(name, addr string, timeout time.Duration) (*TCP, error) {
	deadline := time.Now().Add(timeout)
	var conn net.Conn
	var err error
	for {
		conn, err = net.DialTimeout("tcp", addr, timeout)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
		}
		time.Sleep(dialRetryInterval)
	}

	t := newTCP(name)
	if err := t.handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func newTCP(name string) *TCP {
	return &TCP{
		name:  name,
		id:    uuid.NewString(),
		inbox: make(chan Message, 256),
		done:  make(chan struct{}),
		peers: make(map[string]net.Conn),
	}
}

func (t *TCP) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			logger.Warningf("accept error: %v", err)
			continue
		}
		go func() {
			if err := t.handshake(conn); err != nil {
				logger.Warningf("handshake failed: %v", err)
				conn.Close()
			}
		}()
	}
}

// handshake exchanges Connected messages so both ends learn peer names, then
// starts the read loop for the connection.
func (t *TCP) handshake(conn net.Conn) error {
	if tc, ok := conn.(*net.TCPConn); ok {
		// A frame barrier trades throughput for latency.
		_ = tc.SetNoDelay(true)
	}

	hello, err := Encode(Message{Type: Connected, From: t.name, Payload: []byte(t.id)})
	if err != nil {
		return err
	}
	if _, err := conn.Write(hello); err != nil {
		return fmt.Errorf("transport: handshake write: %w", err)
	}

	r := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	peer, err := Decode(r)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("transport: handshake read: %w", err)
	}
	if peer.Type != Connected || peer.From == "" {
		return fmt.Errorf("transport: unexpected handshake message %s", peer.Type)
	}

	t.mu.Lock()
	if old, ok := t.peers[peer.From]; ok {
		_ = old.Close()
	}
	t.peers[peer.From] = conn
	t.mu.Unlock()
	logger.Noticef("peer connected: %s", peer.From)

	t.deliver(Message{Type: Connected, From: peer.From, Payload: peer.Payload})
	go t.readLoop(peer.From, conn, r)
	return nil
}

func (t *TCP) readLoop(peer string, conn net.Conn, r *bufio.Reader) {
	defer func() {
		_ = conn.Close()
		t.mu.Lock()
		// A reconnect may already have replaced the entry. Only the reader of
		// the current connection reports the peer as gone; a superseded link
		// dying must not shadow the fresh Connected event in the inbox.
		current := t.peers[peer] == conn
		if current {
			delete(t.peers, peer)
		}
		t.mu.Unlock()
		if !current {
			logger.Debugf("stale connection for %s closed", peer)
			return
		}
		logger.Noticef("peer disconnected: %s", peer)
		t.deliver(Message{Type: Disconnected, From: peer})
	}()

	for {
		msg, err := Decode(r)
		if err != nil {
			if err != io.EOF {
				select {
				case <-t.done:
				default:
					logger.Warningf("read error from %s: %v", peer, err)
				}
			}
			return
		}
		t.deliver(msg)
	}
}

func (t *TCP) deliver(msg Message) {
	select {
	case t.inbox <- msg:
	case <-t.done:
	}
}

// Broadcast sends the message to every connected peer.
func (t *TCP) Broadcast(msg Message) error {
	msg.From = t.name
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	// Snapshot so slow writes do not hold the lock.
	t.mu.RLock()
	conns := make([]net.Conn, 0, len(t.peers))
	for _, c := range t.peers {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	for _, c := range conns {
		if _, err := c.Write(frame); err != nil {
			logger.Warningf("write error to %s: %v", c.RemoteAddr(), err)
		}
	}
	return nil
}

// Send delivers the message to one peer.
func (t *TCP) Send(to string, msg Message) error {
	msg.From = t.name
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	t.mu.RLock()
	conn, ok := t.peers[to]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %q", to)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("transport: write to %s: %w", to, err)
	}
	return nil
}

// Receive blocks for the next inbound message.
func (t *TCP) Receive(timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-timer.C:
		return Message{}, ErrTimeout
	case <-t.done:
		return Message{}, ErrClosed
	}
}

// Addr returns the listen address, or "" for a dialing transport.
func (t *TCP) Addr() string {
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

// Peers returns the names of the currently connected peers.
func (t *TCP) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.peers))
	for name := range t.peers {
		names = append(names, name)
	}
	return names
}

// Close shuts the transport down and closes all peer connections.
func (t *TCP) Close() error {
	t.closed.Do(func() {
		close(t.done)
		if t.ln != nil {
			_ = t.ln.Close()
		}
		t.mu.Lock()
		for _, c := range t.peers {
			_ = c.Close()
		}
		t.peers = map[string]net.Conn{}
		t.mu.Unlock()
	})
	return nil
}
