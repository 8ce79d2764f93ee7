package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/1ureka/vlessrelay/internal/protocol"
	"github.com/1ureka/vlessrelay/internal/scheduler"
	"github.com/1ureka/vlessrelay/internal/util"
)

// outbound is one scheduled write to the WebSocket.
type outbound struct {
	data   []byte
	header *responseHeader // prepended once per destination
	done   chan error      // nil for fire-and-forget UDP replies
}

// responseHeader is owned by the drain loop; nothing else reads sent.
type responseHeader struct {
	bytes []byte
	sent  bool
}

// Session holds the complete lifecycle state for one WebSocket.
//
// Inbound chunks are handled strictly one at a time by Run. Outbound pumps
// run on their own goroutines but every WebSocket write they make goes
// through the session's scheduler.
type Session struct {
	// Identity
	id    uint32
	relay *Relay

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // outbound pumps and DoH exchanges
	phase  atomic.Int32

	// Communication
	tr    Transport
	sched *scheduler.Scheduler[outbound]

	// Destinations, touched only by the Run goroutine. tcp is also read
	// by the watcher, so it is assigned under mu.
	mu     sync.Mutex
	tcp    *tcpRelay
	udp    map[string]*udpSubSession
	active *udpSubSession
}

// NewSession creates a session in PhaseAwaitingHeader.
func NewSession(parentCtx context.Context, r *Relay, id uint32, tr Transport) *Session {
	ctx, cancel := context.WithCancel(parentCtx)
	s := &Session{
		id:     id,
		relay:  r,
		ctx:    ctx,
		cancel: cancel,
		tr:     tr,
		udp:    make(map[string]*udpSubSession),
	}
	s.sched = scheduler.New(s.write)
	return s
}

// Phase returns the current state.
func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

// Run consumes the transport until it ends, then releases every outbound
// resource. Header, authorization and outbound setup failures abort the
// session and close the WebSocket without any response.
func (s *Session) Run() error {
	defer s.cleanup()

	s.wg.Add(1)
	go s.watch()

	for {
		chunk, err := s.tr.Next(s.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := s.handle(chunk); err != nil {
			return err
		}
	}
}

// watch releases the outbound TCP connection as soon as the client goes
// away, so a Run blocked on a destination that stopped reading is woken up
// and then sees the end of the transport.
func (s *Session) watch() {
	defer s.wg.Done()

	select {
	case <-s.tr.Done():
		s.closeTCP()
	case <-s.ctx.Done():
	}
}

func (s *Session) setTCP(t *tcpRelay) {
	s.mu.Lock()
	s.tcp = t
	s.mu.Unlock()
}

func (s *Session) closeTCP() {
	s.mu.Lock()
	t := s.tcp
	s.mu.Unlock()
	if t != nil {
		t.close()
	}
}

// handle processes one inbound chunk to completion.
func (s *Session) handle(chunk []byte) error {
	switch s.Phase() {
	case PhaseDNS, PhaseVoIP:
		return s.active.handle(chunk)
	case PhaseTCP:
		s.tcp.write(chunk)
		return nil
	case PhaseClosed:
		return ErrSessionClosed
	}

	req, err := protocol.ParseHeader(chunk, [protocol.IDSize]byte(s.relay.cfg.Identifier))
	if err != nil {
		return err
	}
	payload := chunk[req.PayloadOffset:]

	if req.IsUDP() {
		return s.startUDP(req, payload)
	}
	return s.startTCP(req, payload)
}

// startUDP classifies the destination and routes the first payload.
func (s *Session) startUDP(req *protocol.ConnectionRequest, payload []byte) error {
	var kind Phase
	switch {
	case req.Port == 53:
		kind = PhaseDNS
	case s.relay.cfg.VoIPPorts.Contains(req.Port):
		kind = PhaseVoIP
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedUDPTarget, req.Destination())
	}

	key := req.Destination()
	sub, ok := s.udp[key]
	if !ok {
		var err error
		if sub, err = s.newUDPSubSession(kind, req); err != nil {
			return err
		}
		s.udp[key] = sub
	}
	s.active = sub
	s.phase.Store(int32(kind))
	util.LogInfo("[%08x] %s -> %s", s.id, kind, key)

	if len(payload) > 0 {
		return sub.handle(payload)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Outbound path
// ---------------------------------------------------------------------------

// write is the scheduler's handler; it is never run concurrently with itself.
func (s *Session) write(item outbound, priority int) {
	data := item.data
	if h := item.header; h != nil && !h.sent {
		h.sent = true
		data = make([]byte, 0, len(h.bytes)+len(item.data))
		data = append(data, h.bytes...)
		data = append(data, item.data...)
	}

	err := ErrSessionClosed
	if s.tr.IsOpen() {
		err = s.tr.Send(s.ctx, data)
	}
	util.Stats.AddProcessed(priority >= s.relay.cfg.Priorities.VoIP)

	if item.done != nil {
		item.done <- err
		return
	}
	if err != nil {
		util.LogDebug("[%08x] dropped %d-byte reply: %v", s.id, len(data), err)
	}
}

// post schedules a fire-and-forget write.
func (s *Session) post(data []byte, header *responseHeader, priority int) {
	s.sched.Enqueue(outbound{data: data, header: header}, priority)
}

// send schedules a write and waits until it has been attempted.
func (s *Session) send(data []byte, header *responseHeader, priority int) error {
	done := make(chan error, 1)
	if !s.sched.Enqueue(outbound{data: data, header: header, done: done}, priority) {
		return ErrSessionClosed
	}
	select {
	case err := <-done:
		return err
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// ---------------------------------------------------------------------------
// Cleanup
// ---------------------------------------------------------------------------

// cleanup closes every owned outbound handle and the WebSocket, then waits
// for the pumps to exit.
func (s *Session) cleanup() {
	s.phase.Store(int32(PhaseClosed))
	s.cancel()
	s.sched.Close()

	s.closeTCP()
	for key, sub := range s.udp {
		sub.close()
		delete(s.udp, key)
	}
	s.active = nil

	s.tr.Close()
	s.sched.Wait()
	s.wg.Wait()
	util.LogDebug("[%08x] session cleanup complete", s.id)
}
