package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/1ureka/vlessrelay/internal/protocol"
	"github.com/1ureka/vlessrelay/internal/util"
)

const tcpBufferSize = 32 * 1024

// tcpRelay owns the single outbound TCP connection of a session.
//
// If the destination closes before sending a single byte and a fallback
// address is configured, the connection is retried once through the
// fallback with the same port and the same first payload. A destination
// that legitimately never answers looks the same and is retried too.
type tcpRelay struct {
	s       *Session
	dest    string
	port    uint16
	payload []byte // header-stripped first payload, replayed on retry
	header  *responseHeader
	retried bool // set before the pump starts, then pump-local

	mu     sync.Mutex
	remote net.Conn
	closed bool
}

// startTCP connects, writes the first payload and starts the pump. A failed
// first connect goes straight to the fallback.
func (s *Session) startTCP(req *protocol.ConnectionRequest, payload []byte) error {
	s.phase.Store(int32(PhaseTCP))
	util.Stats.AddTCP()

	t := &tcpRelay{
		s:       s,
		dest:    req.Destination(),
		port:    req.Port,
		payload: append([]byte(nil), payload...),
		header:  &responseHeader{bytes: req.ResponseHeader()},
	}
	s.setTCP(t)
	util.LogInfo("[%08x] tcp -> %s", s.id, t.dest)

	conn, err := t.connect(t.dest)
	if errors.Is(err, ErrSessionClosed) {
		// The client left while connecting; Run sees the end next.
		return nil
	}
	if err != nil {
		fb, ok := t.fallback()
		if !ok {
			return fmt.Errorf("%w: %v", ErrOutboundConnectFailed, err)
		}
		util.LogDebug("[%08x] connect to %s failed (%v), trying fallback %s", s.id, t.dest, err, fb)
		t.retried = true
		if conn, err = t.connect(fb); err != nil {
			return fmt.Errorf("%w: %v", ErrOutboundConnectFailed, err)
		}
	}

	s.wg.Add(1)
	go t.pump(conn)
	return nil
}

// connect dials address, installs the connection as the session's remote
// and writes the first payload. The remote is installed first so close can
// interrupt a blocked write.
func (t *tcpRelay) connect(address string) (net.Conn, error) {
	conn, err := t.s.relay.dial(t.s.ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return nil, ErrSessionClosed
	}
	t.remote = conn
	t.mu.Unlock()

	if len(t.payload) > 0 {
		if _, err := conn.Write(t.payload); err != nil {
			conn.Close()
			if t.isClosed() {
				return nil, ErrSessionClosed
			}
			return nil, err
		}
	}
	return conn, nil
}

func (t *tcpRelay) fallback() (string, bool) {
	host := t.s.relay.cfg.FallbackAddress
	if host == "" {
		return "", false
	}
	return net.JoinHostPort(host, strconv.Itoa(int(t.port))), true
}

// write forwards one client chunk as-is. Chunks arriving while a fallback
// retry is in progress hit the closed connection and are dropped. A write
// blocked on a destination that stopped reading returns once close runs.
func (t *tcpRelay) write(chunk []byte) {
	t.mu.Lock()
	conn, closed := t.remote, t.closed
	t.mu.Unlock()

	if conn == nil || closed || len(chunk) == 0 {
		return
	}
	if _, err := conn.Write(chunk); err != nil {
		util.LogDebug("[%08x] TCP write error, dropped %d bytes: %v", t.s.id, len(chunk), err)
	}
}

// pump forwards the remote's bytes to the WebSocket. The WebSocket is
// closed when the pump ends, whatever the outcome.
func (t *tcpRelay) pump(conn net.Conn) {
	defer t.s.wg.Done()
	defer t.s.tr.Close()

	for {
		n, wsOK := t.forward(conn)
		conn.Close()

		if n > 0 || !wsOK || t.retried || t.isClosed() || !t.s.tr.IsOpen() || t.s.ctx.Err() != nil {
			return
		}
		fb, ok := t.fallback()
		if !ok {
			util.LogDebug("[%08x] %s closed without data, no fallback configured", t.s.id, t.dest)
			return
		}

		t.retried = true
		util.LogDebug("[%08x] %s closed without data, retrying via %s", t.s.id, t.dest, fb)
		next, err := t.connect(fb)
		if err != nil {
			util.LogDebug("[%08x] fallback %s failed: %v", t.s.id, fb, err)
			return
		}
		conn = next
	}
}

// forward copies conn to the WebSocket until either side fails. wsOK is
// false when the WebSocket side stopped the copy.
func (t *tcpRelay) forward(conn net.Conn) (total int64, wsOK bool) {
	priority := t.s.relay.cfg.Priorities.Default
	buf := make([]byte, tcpBufferSize)

	for {
		n, err := conn.Read(buf)

		if n > 0 {
			if !t.s.tr.IsOpen() {
				return total, false
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			if sendErr := t.s.send(data, t.header, priority); sendErr != nil {
				util.LogDebug("[%08x] WebSocket send failed: %v", t.s.id, sendErr)
				return total, false
			}
			total += int64(n)
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && t.s.ctx.Err() == nil {
				util.LogDebug("[%08x] TCP read error: %v", t.s.id, err)
			}
			return total, true
		}
	}
}

func (t *tcpRelay) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// close releases the remote and prevents a pending retry from installing a
// new one.
func (t *tcpRelay) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.remote != nil {
		t.remote.Close()
	}
}
