package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/1ureka/vlessrelay/internal/doh"
	"github.com/1ureka/vlessrelay/internal/protocol"
	"github.com/1ureka/vlessrelay/internal/quality"
	"github.com/1ureka/vlessrelay/internal/util"
	"golang.org/x/sync/semaphore"
)

// Backoff bounds for repeated UDP read errors.
const (
	readBackoffMin = 5 * time.Millisecond
	readBackoffMax = time.Second
)

// udpSubSession is one UDP flow, keyed by address:port. Inbound chunks are
// split into length-prefixed datagrams; replies are framed the same way and
// scheduled at the flow's priority, the first one carrying the response
// header.
type udpSubSession struct {
	s        *Session
	key      string
	kind     Phase
	priority int
	header   *responseHeader
	splitter protocol.FrameSplitter // Run goroutine only

	// DNS only
	inflight *semaphore.Weighted

	// VoIP only
	monitor *quality.Monitor
	conn    net.Conn
}

func (s *Session) newUDPSubSession(kind Phase, req *protocol.ConnectionRequest) (*udpSubSession, error) {
	u := &udpSubSession{
		s:      s,
		key:    req.Destination(),
		kind:   kind,
		header: &responseHeader{bytes: req.ResponseHeader()},
	}

	switch kind {
	case PhaseDNS:
		u.priority = s.relay.cfg.Priorities.DNS
		u.inflight = semaphore.NewWeighted(int64(s.relay.cfg.DNSConcurrency))
		util.Stats.AddDNS()

	case PhaseVoIP:
		conn, err := s.relay.dial(s.ctx, "udp", u.key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOutboundConnectFailed, err)
		}
		u.priority = s.relay.cfg.Priorities.VoIP
		u.conn = conn
		u.monitor = quality.NewMonitor()
		util.Stats.AddVoIP()

		s.wg.Add(1)
		go u.pumpUpstream()
	}

	return u, nil
}

// handle consumes one inbound chunk. Partial frames wait for the next chunk.
func (u *udpSubSession) handle(chunk []byte) error {
	for _, payload := range u.splitter.Feed(chunk) {
		switch u.kind {
		case PhaseDNS:
			// Queries past the in-flight limit are dropped like any
			// datagram the path cannot carry.
			if !u.inflight.TryAcquire(1) {
				util.LogDebug("[%08x] DoH query to %s dropped: too many in flight", u.s.id, u.key)
				continue
			}
			u.s.wg.Add(1)
			go u.resolve(payload)

		case PhaseVoIP:
			u.monitor.AnalyzePacket(payload)
			if _, err := u.conn.Write(payload); err != nil {
				util.LogDebug("[%08x] UDP write to %s failed: %v", u.s.id, u.key, err)
			}
		}
	}
	return nil
}

// resolve runs one DoH exchange. Failures drop the reply only.
func (u *udpSubSession) resolve(query []byte) {
	defer u.s.wg.Done()

	util.LogDebug("[%08x] DoH query %s", u.s.id, doh.Describe(query))
	reply, err := u.s.relay.resolver.Exchange(u.s.ctx, query)
	u.inflight.Release(1)
	if err != nil {
		if u.s.ctx.Err() == nil {
			util.LogWarning("[%08x] DoH query dropped: %v", u.s.id, err)
		}
		return
	}
	util.LogDebug("[%08x] DoH reply %s", u.s.id, doh.Describe(reply))
	u.reply(reply)
}

// pumpUpstream forwards datagrams from the VoIP destination.
func (u *udpSubSession) pumpUpstream() {
	defer u.s.wg.Done()

	buf := make([]byte, protocol.MaxFramePayload)
	failures := 0
	for {
		n, err := u.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			u.reply(data)
		}
		if err == nil {
			failures = 0
			continue
		}
		if errors.Is(err, net.ErrClosed) || u.s.ctx.Err() != nil {
			return
		}
		// ICMP errors on a connected UDP socket do not end the flow, but
		// repeated errors slow the loop down.
		util.LogDebug("[%08x] UDP read from %s: %v", u.s.id, u.key, err)
		if !sleepCtx(u.s.ctx, readBackoff(failures)) {
			return
		}
		failures++
	}
}

// readBackoff doubles from readBackoffMin per consecutive failure up to
// readBackoffMax.
func readBackoff(failures int) time.Duration {
	d := readBackoffMin
	for i := 0; i < failures && d < readBackoffMax; i++ {
		d *= 2
	}
	if d > readBackoffMax {
		d = readBackoffMax
	}
	return d
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// reply frames payload and schedules it. Replies are dropped once the
// WebSocket is gone.
func (u *udpSubSession) reply(payload []byte) {
	if !u.s.tr.IsOpen() {
		return
	}
	framed, err := protocol.AppendFrame(nil, payload)
	if err != nil {
		util.LogDebug("[%08x] reply from %s dropped: %v", u.s.id, u.key, err)
		return
	}
	u.s.post(framed, u.header, u.priority)
}

func (u *udpSubSession) close() {
	if u.conn != nil {
		u.conn.Close()
	}
	if u.monitor != nil {
		util.LogInfo("[%08x] call quality %s: %s", u.s.id, u.key, u.monitor.Report())
	}
}
