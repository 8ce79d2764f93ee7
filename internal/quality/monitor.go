// Package quality estimates voice-call quality for one UDP flow.
package quality

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
)

const (
	minPacketSize = 12   // fixed RTP header size
	smoothing     = 0.9  // weight kept from the previous estimate
	maxForwardGap = 3000 // larger forward jumps are a new stream, not loss
)

// Monitor is a running estimator of loss, jitter and latency for one
// sub-session. It is safe for concurrent use.
type Monitor struct {
	now func() time.Time

	mu          sync.Mutex
	sent        uint64
	lost        uint64
	jitter      float64 // ms
	latency     float64 // ms
	lastArrival time.Time
	lastSeq     uint16
	haveSeq     bool
	ssrc        uint32
	haveSSRC    bool
}

// NewMonitor creates a Monitor that timestamps packets with the wall clock.
func NewMonitor() *Monitor {
	return &Monitor{now: time.Now}
}

// AnalyzePacket records one packet.
//
// Packets of at least 12 bytes carry a 16-bit sequence number at offset 2.
// Forward gaps add gap-1 to the loss count; the distance is taken modulo
// 2^16 so a wrap from 65535 to 0 is consecutive. Duplicates and late
// packets count nothing and keep the current baseline. A forward jump larger
// than maxForwardGap, or a new SSRC on a well-formed RTP packet, starts a
// new baseline without counting loss.
//
// Jitter and latency come from wall-clock inter-arrival time only.
func (m *Monitor) AnalyzePacket(pkt []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent++
	now := m.now()

	if len(pkt) >= minPacketSize {
		var hdr rtp.Header
		if _, err := hdr.Unmarshal(pkt); err == nil && hdr.Version == 2 {
			if m.haveSSRC && hdr.SSRC != m.ssrc {
				m.haveSeq = false
			}
			m.ssrc, m.haveSSRC = hdr.SSRC, true
		}

		seq := binary.BigEndian.Uint16(pkt[2:4])
		m.trackSequence(seq)
	}

	if !m.lastArrival.IsZero() {
		delay := float64(now.Sub(m.lastArrival)) / float64(time.Millisecond)
		diff := delay - m.latency
		if diff < 0 {
			diff = -diff
		}
		m.jitter = smoothing*m.jitter + (1-smoothing)*diff
		m.latency = smoothing*m.latency + (1-smoothing)*delay
	}
	m.lastArrival = now
}

func (m *Monitor) trackSequence(seq uint16) {
	if !m.haveSeq {
		m.lastSeq, m.haveSeq = seq, true
		return
	}

	gap := int16(seq - m.lastSeq)
	switch {
	case gap <= 0:
		return
	case gap > maxForwardGap:
		// stream reset
	case gap > 1:
		m.lost += uint64(gap - 1)
	}
	m.lastSeq = seq
}

// Report is a snapshot of a Monitor.
type Report struct {
	PacketsSent uint64
	PacketsLost uint64
	LossRate    float64 // percent of packets sent
	Jitter      float64 // ms
	Latency     float64 // ms
	MOS         float64
}

func (r Report) String() string {
	return fmt.Sprintf("loss %.2f%% (%d/%d), jitter %.2fms, latency %.2fms, MOS %.2f",
		r.LossRate, r.PacketsLost, r.PacketsSent, r.Jitter, r.Latency, r.MOS)
}

// Report returns the current estimates.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lossRate float64
	if m.sent > 0 {
		lossRate = float64(m.lost) / float64(m.sent) * 100
	}
	return Report{
		PacketsSent: m.sent,
		PacketsLost: m.lost,
		LossRate:    lossRate,
		Jitter:      m.jitter,
		Latency:     m.latency,
		MOS:         MOS(lossRate, m.jitter),
	}
}

// MOS maps loss (percent) and jitter (ms) to a Mean Opinion Score through a
// simplified E-model R-factor.
func MOS(lossRate, jitter float64) float64 {
	r := 93.2 - 0.25*lossRate - 0.1*jitter
	return 1 + 0.035*r + 0.000007*r*(r-60)*(100-r)
}
