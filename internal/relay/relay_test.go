package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1ureka/vlessrelay/internal/config"
	"github.com/1ureka/vlessrelay/internal/doh"
	"github.com/1ureka/vlessrelay/internal/protocol"
	"github.com/google/uuid"
)

var testID = uuid.MustParse("a7be0aad-fd73-4b9a-aa65-e8fcffc67852")

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// Compile-time interface checks.
var (
	_ Transport = (*fakeTransport)(nil)
	_ Resolver  = (*fakeResolver)(nil)
	_ Dialer    = (*fakeDialer)(nil)
)

// fakeTransport stands in for the WebSocket. Tests push client chunks into
// in and read relayed frames from sent.
type fakeTransport struct {
	in   chan []byte
	sent chan []byte
	done chan struct{}
	once sync.Once
	open atomic.Bool
}

func newFakeTransport() *fakeTransport {
	ft := &fakeTransport{
		in:   make(chan []byte, 16),
		sent: make(chan []byte, 256),
		done: make(chan struct{}),
	}
	ft.open.Store(true)
	return ft
}

func (f *fakeTransport) Next(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-f.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Send(_ context.Context, data []byte) error {
	if !f.open.Load() {
		return errors.New("fake transport closed")
	}
	select {
	case f.sent <- append([]byte(nil), data...):
		return nil
	case <-f.done:
		return errors.New("fake transport closed")
	}
}

func (f *fakeTransport) IsOpen() bool { return f.open.Load() }

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) Close() error {
	f.once.Do(func() {
		f.open.Store(false)
		close(f.done)
	})
	return nil
}

// drain returns every frame sent so far.
func (f *fakeTransport) drain() [][]byte {
	var out [][]byte
	for {
		select {
		case b := <-f.sent:
			out = append(out, b)
		default:
			return out
		}
	}
}

// fakeDialer maps requested addresses onto loopback listeners and records
// every attempt.
type fakeDialer struct {
	mu     sync.Mutex
	routes map[string]string
	dialed []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{routes: make(map[string]string)}
}

func (f *fakeDialer) route(requested, real string) {
	f.mu.Lock()
	f.routes[requested] = real
	f.mu.Unlock()
}

func (f *fakeDialer) attempts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dialed...)
}

func (f *fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	f.mu.Lock()
	f.dialed = append(f.dialed, network+" "+address)
	real, ok := f.routes[address]
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("dial %s %s: no route to host", network, address)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, real)
}

// fakeResolver answers "reply:"+query and fails the calls selected by fail.
// A non-nil gate holds every exchange until it is closed.
type fakeResolver struct {
	calls atomic.Int32
	fail  func(call int32) bool
	gate  chan struct{}
}

func (f *fakeResolver) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil && f.fail(n) {
		return nil, doh.ErrUpstreamUnavailable
	}
	return append([]byte("reply:"), query...), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.IdentifierText = testID.String()
	cfg.Identifier = testID
	cfg.DialTimeout = 2 * time.Second
	return cfg
}

func encode(t *testing.T, cmd uint8, addrType uint8, addr string, port uint16, payload []byte) []byte {
	t.Helper()
	buf, err := protocol.EncodeHeader(&protocol.ConnectionRequest{
		Version:  0,
		ID:       testID,
		Command:  cmd,
		Port:     port,
		AddrType: addrType,
		Address:  addr,
	}, payload)
	if err != nil {
		t.Fatal(err)
	}
	return buf
}

func frames(t *testing.T, payloads ...[]byte) []byte {
	t.Helper()
	var out []byte
	for _, p := range payloads {
		var err error
		if out, err = protocol.AppendFrame(out, p); err != nil {
			t.Fatal(err)
		}
	}
	return out
}

func startSession(r *Relay, ft *fakeTransport) (*Session, <-chan error) {
	s := NewSession(context.Background(), r, 0xC0FFEE, ft)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()
	return s, errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func waitFrame(t *testing.T, ft *fakeTransport) []byte {
	t.Helper()
	select {
	case b := <-ft.sent:
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("no frame sent")
		return nil
	}
}

func waitPhase(t *testing.T, s *Session, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Phase() != want {
		if time.Now().After(deadline) {
			t.Fatalf("phase = %s, want %s", s.Phase(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// serveTCP accepts one connection on a loopback listener and hands it to
// handle. It returns the listener address.
func serveTCP(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return ln.Addr().String()
}

func silentClose(conn net.Conn) {}

// ---------------------------------------------------------------------------
// TCP
// ---------------------------------------------------------------------------

// TestTCPEndToEnd sends a request with a payload, then a second chunk, and
// checks that only the first forwarded chunk carries the response header.
func TestTCPEndToEnd(t *testing.T) {
	request := []byte("GET / HTTP/1.0\r\n\r\n")
	received := make(chan []byte, 1)

	dest := serveTCP(t, func(conn net.Conn) {
		buf := make([]byte, len(request)+4)
		if _, err := io.ReadFull(conn, buf[:len(request)]); err != nil {
			return
		}
		conn.Write([]byte("hello"))
		if _, err := io.ReadFull(conn, buf[len(request):]); err != nil {
			return
		}
		received <- buf
		conn.Write([]byte("world"))
	})

	dialer := newFakeDialer()
	dialer.route("93.184.216.34:80", dest)
	ft := newFakeTransport()
	s, errCh := startSession(New(testConfig(), &fakeResolver{}, dialer), ft)

	ft.in <- encode(t, protocol.CommandTCP, protocol.AddrTypeIPv4, "93.184.216.34", 80, request)
	ft.in <- []byte("more")

	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s.Phase() != PhaseClosed {
		t.Errorf("phase after Run = %s", s.Phase())
	}

	select {
	case got := <-received:
		if want := append(append([]byte(nil), request...), "more"...); !bytes.Equal(got, want) {
			t.Fatalf("destination received %q, want %q", got, want)
		}
	default:
		t.Fatal("destination never received both chunks")
	}

	sent := ft.drain()
	if len(sent) == 0 || !bytes.HasPrefix(sent[0], []byte{0, 0}) {
		t.Fatalf("first frame lacks response header: %q", sent)
	}
	if got := bytes.Join(sent, nil); !bytes.Equal(got, []byte("\x00\x00helloworld")) {
		t.Fatalf("relayed stream = %q", got)
	}
	if ft.IsOpen() {
		t.Error("WebSocket left open after the destination closed")
	}
}

func TestTCPRetryViaFallback(t *testing.T) {
	payload := []byte("ping")
	replayed := make(chan []byte, 1)

	primary := serveTCP(t, silentClose)
	fallback := serveTCP(t, func(conn net.Conn) {
		buf := make([]byte, len(payload))
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		replayed <- buf
		conn.Write([]byte("pong"))
	})

	cfg := testConfig()
	cfg.FallbackAddress = "fallback.test"
	dialer := newFakeDialer()
	dialer.route("203.0.113.10:443", primary)
	dialer.route("fallback.test:443", fallback)
	ft := newFakeTransport()
	_, errCh := startSession(New(cfg, &fakeResolver{}, dialer), ft)

	ft.in <- encode(t, protocol.CommandTCP, protocol.AddrTypeIPv4, "203.0.113.10", 443, payload)

	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{"tcp 203.0.113.10:443", "tcp fallback.test:443"}
	if got := dialer.attempts(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("dial attempts = %v, want %v", got, want)
	}
	select {
	case got := <-replayed:
		if !bytes.Equal(got, payload) {
			t.Fatalf("fallback received %q, want %q", got, payload)
		}
	default:
		t.Fatal("fallback never received the original payload")
	}
	if got := bytes.Join(ft.drain(), nil); !bytes.Equal(got, []byte("\x00\x00pong")) {
		t.Fatalf("relayed stream = %q", got)
	}
}

func TestTCPRetryPolicy(t *testing.T) {
	testCases := []struct {
		name         string
		fallback     string
		routeFB      bool
		wantAttempts int
	}{
		{"no fallback configured", "", false, 1},
		{"fallback also silent", "fallback.test", true, 2},
		{"fallback unreachable", "fallback.test", false, 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.FallbackAddress = tc.fallback
			dialer := newFakeDialer()
			dialer.route("example.com:80", serveTCP(t, silentClose))
			if tc.routeFB {
				dialer.route("fallback.test:80", serveTCP(t, silentClose))
			}
			ft := newFakeTransport()
			_, errCh := startSession(New(cfg, &fakeResolver{}, dialer), ft)

			ft.in <- encode(t, protocol.CommandTCP, protocol.AddrTypeDomain, "example.com", 80, []byte("x"))

			if err := waitRun(t, errCh); err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if got := dialer.attempts(); len(got) != tc.wantAttempts {
				t.Fatalf("dial attempts = %v, want %d", got, tc.wantAttempts)
			}
			if sent := ft.drain(); len(sent) != 0 {
				t.Fatalf("unexpected frames: %q", sent)
			}
		})
	}
}

func TestTCPConnectFailureUsesFallback(t *testing.T) {
	fallback := serveTCP(t, func(conn net.Conn) {
		conn.Write([]byte("via fallback"))
	})

	cfg := testConfig()
	cfg.FallbackAddress = "fallback.test"
	dialer := newFakeDialer()
	dialer.route("fallback.test:8443", fallback)
	ft := newFakeTransport()
	_, errCh := startSession(New(cfg, &fakeResolver{}, dialer), ft)

	ft.in <- encode(t, protocol.CommandTCP, protocol.AddrTypeDomain, "unreachable.test", 8443, nil)

	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := dialer.attempts(); len(got) != 2 {
		t.Fatalf("dial attempts = %v, want 2", got)
	}
	if got := bytes.Join(ft.drain(), nil); !bytes.Equal(got, []byte("\x00\x00via fallback")) {
		t.Fatalf("relayed stream = %q", got)
	}
}

func TestTCPConnectFailureWithoutFallback(t *testing.T) {
	dialer := newFakeDialer()
	ft := newFakeTransport()
	_, errCh := startSession(New(testConfig(), &fakeResolver{}, dialer), ft)

	ft.in <- encode(t, protocol.CommandTCP, protocol.AddrTypeDomain, "unreachable.test", 80, nil)

	if err := waitRun(t, errCh); !errors.Is(err, ErrOutboundConnectFailed) {
		t.Fatalf("expected ErrOutboundConnectFailed, got %v", err)
	}
	if ft.IsOpen() {
		t.Error("WebSocket left open")
	}
	if sent := ft.drain(); len(sent) != 0 {
		t.Fatalf("unexpected frames: %q", sent)
	}
}

// TestClientCloseReleasesTCP verifies that closing the WebSocket closes the
// outbound connection.
func TestClientCloseReleasesTCP(t *testing.T) {
	destClosed := make(chan struct{})
	dest := serveTCP(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
		close(destClosed)
	})

	dialer := newFakeDialer()
	dialer.route("192.0.2.5:22", dest)
	ft := newFakeTransport()
	s, errCh := startSession(New(testConfig(), &fakeResolver{}, dialer), ft)

	ft.in <- encode(t, protocol.CommandTCP, protocol.AddrTypeIPv4, "192.0.2.5", 22, []byte("SSH-2.0\r\n"))
	waitPhase(t, s, PhaseTCP)
	ft.Close()

	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	select {
	case <-destClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("outbound connection not closed after client close")
	}
}

// TestClientCloseReleasesStalledTCP fills the window of a destination that
// never reads, so Run is stuck writing, then closes the client side.
func TestClientCloseReleasesStalledTCP(t *testing.T) {
	accepted := make(chan net.Conn, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	dialer := newFakeDialer()
	dialer.route("192.0.2.9:9000", ln.Addr().String())
	ft := newFakeTransport()
	s, errCh := startSession(New(testConfig(), &fakeResolver{}, dialer), ft)

	ft.in <- encode(t, protocol.CommandTCP, protocol.AddrTypeIPv4, "192.0.2.9", 9000, nil)
	waitPhase(t, s, PhaseTCP)

	var dest net.Conn
	select {
	case dest = <-accepted:
		defer dest.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("destination never accepted")
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		chunk := make([]byte, 1<<20)
		for i := 0; i < 64; i++ {
			select {
			case ft.in <- chunk:
			case <-stop:
				return
			}
		}
	}()

	time.Sleep(500 * time.Millisecond)
	ft.Close()

	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The relay side is gone, so draining the destination reaches the end.
	drained := make(chan struct{})
	go func() {
		io.Copy(io.Discard, dest)
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(3 * time.Second):
		t.Fatal("outbound connection not released after client close")
	}
}

// ---------------------------------------------------------------------------
// Header rejection
// ---------------------------------------------------------------------------

func TestRejectedRequestsCloseSilently(t *testing.T) {
	wrongID := encode(t, protocol.CommandTCP, protocol.AddrTypeIPv4, "192.0.2.1", 80, nil)
	wrongID[5] ^= 0x10

	testCases := []struct {
		name  string
		chunk func(*testing.T) []byte
		want  error
	}{
		{"unauthorized", func(*testing.T) []byte { return wrongID }, protocol.ErrUnauthorizedUser},
		{"short", func(*testing.T) []byte { return make([]byte, 10) }, protocol.ErrMalformedHeader},
		{"udp port not allowed", func(t *testing.T) []byte {
			return encode(t, protocol.CommandUDP, protocol.AddrTypeIPv4, "192.0.2.1", 8080, nil)
		}, ErrUnsupportedUDPTarget},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dialer := newFakeDialer()
			resolver := &fakeResolver{}
			ft := newFakeTransport()
			_, errCh := startSession(New(testConfig(), resolver, dialer), ft)

			ft.in <- tc.chunk(t)

			if err := waitRun(t, errCh); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if ft.IsOpen() {
				t.Error("WebSocket left open")
			}
			if sent := ft.drain(); len(sent) != 0 {
				t.Errorf("rejected session sent frames: %q", sent)
			}
			if got := dialer.attempts(); len(got) != 0 {
				t.Errorf("rejected session dialed %v", got)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// UDP: DNS
// ---------------------------------------------------------------------------

func TestDNSOneReplyPerQueryHeaderOnce(t *testing.T) {
	resolver := &fakeResolver{}
	ft := newFakeTransport()
	s, errCh := startSession(New(testConfig(), resolver, newFakeDialer()), ft)

	q1, q2 := []byte("query-one"), []byte("query-two")
	ft.in <- encode(t, protocol.CommandUDP, protocol.AddrTypeIPv4, "8.8.8.8", 53, frames(t, q1))

	first := waitFrame(t, ft)
	want := append([]byte{0, 0}, frames(t, []byte("reply:query-one"))...)
	if !bytes.Equal(first, want) {
		t.Fatalf("first reply = %q, want %q", first, want)
	}
	if s.Phase() != PhaseDNS {
		t.Fatalf("phase = %s, want %s", s.Phase(), PhaseDNS)
	}

	// Second query split across two chunks.
	framed := frames(t, q2)
	ft.in <- framed[:3]
	ft.in <- framed[3:]

	second := waitFrame(t, ft)
	if want := frames(t, []byte("reply:query-two")); !bytes.Equal(second, want) {
		t.Fatalf("second reply = %q, want %q", second, want)
	}
	if n := resolver.calls.Load(); n != 2 {
		t.Fatalf("resolver called %d times, want 2", n)
	}

	ft.Close()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestDNSUpstreamFailureKeepsSubSession(t *testing.T) {
	resolver := &fakeResolver{fail: func(call int32) bool { return call == 1 }}
	ft := newFakeTransport()
	_, errCh := startSession(New(testConfig(), resolver, newFakeDialer()), ft)

	ft.in <- encode(t, protocol.CommandUDP, protocol.AddrTypeDomain, "dns.example", 53, frames(t, []byte("lost")))

	deadline := time.Now().Add(2 * time.Second)
	for resolver.calls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	ft.in <- frames(t, []byte("kept"))

	got := waitFrame(t, ft)
	want := append([]byte{0, 0}, frames(t, []byte("reply:kept"))...)
	if !bytes.Equal(got, want) {
		t.Fatalf("reply = %q, want %q", got, want)
	}

	ft.Close()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

// TestDNSInFlightLimit sends many queries in one chunk while the resolver
// is held, and checks that only the configured number reach it.
func TestDNSInFlightLimit(t *testing.T) {
	cfg := testConfig()
	cfg.DNSConcurrency = 4
	resolver := &fakeResolver{gate: make(chan struct{})}
	ft := newFakeTransport()
	_, errCh := startSession(New(cfg, resolver, newFakeDialer()), ft)

	queries := make([][]byte, 200)
	for i := range queries {
		queries[i] = []byte{byte(i)}
	}
	ft.in <- encode(t, protocol.CommandUDP, protocol.AddrTypeIPv4, "8.8.8.8", 53, frames(t, queries...))

	deadline := time.Now().Add(2 * time.Second)
	for resolver.calls.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := resolver.calls.Load(); n != 4 {
		t.Fatalf("resolver saw %d concurrent queries, want 4", n)
	}

	close(resolver.gate)
	var stream []byte
	for i := 0; i < 4; i++ {
		stream = append(stream, waitFrame(t, ft)...)
	}
	var splitter protocol.FrameSplitter
	if replies := splitter.Feed(stream[2:]); len(replies) != 4 {
		t.Fatalf("expected 4 replies, got %d", len(replies))
	}

	// Slots are released once the exchanges finish.
	ft.in <- frames(t, []byte("later"))
	if got := waitFrame(t, ft); !bytes.Equal(got, frames(t, []byte("reply:later"))) {
		t.Fatalf("reply after release = %q", got)
	}

	ft.Close()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// UDP: VoIP
// ---------------------------------------------------------------------------

func rtp(seq uint16) []byte {
	pkt := make([]byte, 16)
	pkt[0] = 0x80
	pkt[2], pkt[3] = byte(seq>>8), byte(seq)
	pkt[11] = 0x42
	return pkt
}

func TestVoIPRelay(t *testing.T) {
	upstream, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upstream.Close()
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := upstream.ReadFrom(buf)
			if err != nil {
				return
			}
			upstream.WriteTo(append([]byte("ack:"), buf[:n]...), addr)
		}
	}()

	dialer := newFakeDialer()
	dialer.route("198.51.100.7:5062", upstream.LocalAddr().String())
	ft := newFakeTransport()
	s, errCh := startSession(New(testConfig(), &fakeResolver{}, dialer), ft)

	ft.in <- encode(t, protocol.CommandUDP, protocol.AddrTypeIPv4, "198.51.100.7", 5062, frames(t, rtp(1), rtp(2)))
	ft.in <- frames(t, rtp(3), rtp(5))

	var stream []byte
	for i := 0; i < 4; i++ {
		stream = append(stream, waitFrame(t, ft)...)
	}
	if s.Phase() != PhaseVoIP {
		t.Fatalf("phase = %s, want %s", s.Phase(), PhaseVoIP)
	}

	if !bytes.HasPrefix(stream, []byte{0, 0}) {
		t.Fatalf("reply stream lacks response header: %x", stream[:4])
	}
	var splitter protocol.FrameSplitter
	replies := splitter.Feed(stream[2:])
	if len(replies) != 4 || splitter.Pending() != 0 {
		t.Fatalf("expected 4 whole replies after one header, got %d (+%d pending)", len(replies), splitter.Pending())
	}
	seen := map[uint16]bool{}
	for _, r := range replies {
		if !bytes.HasPrefix(r, []byte("ack:")) || len(r) != 4+16 {
			t.Fatalf("unexpected reply %x", r)
		}
		seen[uint16(r[6])<<8|uint16(r[7])] = true
	}
	for _, seq := range []uint16{1, 2, 3, 5} {
		if !seen[seq] {
			t.Errorf("no reply for seq %d", seq)
		}
	}

	ft.Close()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := dialer.attempts(); len(got) != 1 || got[0] != "udp 198.51.100.7:5062" {
		t.Fatalf("dial attempts = %v", got)
	}
}

func TestVoIPDialFailureAborts(t *testing.T) {
	ft := newFakeTransport()
	_, errCh := startSession(New(testConfig(), &fakeResolver{}, newFakeDialer()), ft)

	ft.in <- encode(t, protocol.CommandUDP, protocol.AddrTypeIPv4, "198.51.100.7", 5060, nil)

	if err := waitRun(t, errCh); !errors.Is(err, ErrOutboundConnectFailed) {
		t.Fatalf("expected ErrOutboundConnectFailed, got %v", err)
	}
}

// errConn is a net.Conn whose reads always fail with a non-fatal error.
type errConn struct {
	net.Conn
	reads atomic.Int32
}

func (c *errConn) Read([]byte) (int, error) {
	c.reads.Add(1)
	return 0, errors.New("connection refused")
}

func (c *errConn) Close() error { return nil }

func TestUpstreamReadErrorsBackOff(t *testing.T) {
	ft := newFakeTransport()
	s := NewSession(context.Background(), New(testConfig(), &fakeResolver{}, newFakeDialer()), 1, ft)
	conn := &errConn{}
	u := &udpSubSession{s: s, key: "198.51.100.7:5060", kind: PhaseVoIP, conn: conn}

	s.wg.Add(1)
	go u.pumpUpstream()

	time.Sleep(300 * time.Millisecond)
	if n := conn.reads.Load(); n > 20 {
		t.Fatalf("%d reads in 300ms, expected backoff", n)
	}

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop after cancel")
	}
}

func TestReadBackoff(t *testing.T) {
	for failures, want := range map[int]time.Duration{
		0:  readBackoffMin,
		1:  2 * readBackoffMin,
		3:  8 * readBackoffMin,
		40: readBackoffMax,
	} {
		if got := readBackoff(failures); got != want {
			t.Errorf("readBackoff(%d) = %s, want %s", failures, got, want)
		}
	}
}

func TestPhaseString(t *testing.T) {
	for p, want := range map[Phase]string{
		PhaseAwaitingHeader: "awaiting-header",
		PhaseTCP:            "tcp",
		PhaseDNS:            "dns-udp",
		PhaseVoIP:           "voip-udp",
		PhaseClosed:         "closed",
		Phase(42):           "unknown",
	} {
		if got := p.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", p, got, want)
		}
	}
}
