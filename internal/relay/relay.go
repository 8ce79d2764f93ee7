// Package relay runs one VLESS session per upgraded WebSocket: it parses the
// connection request carried in the first chunk, opens the requested TCP or
// UDP destination and shuttles bytes in both directions until either side
// closes.
package relay

import (
	"context"
	"errors"
	"net"

	"github.com/1ureka/vlessrelay/internal/config"
)

var (
	ErrUnsupportedUDPTarget  = errors.New("UDP destination is neither DNS nor in the VoIP port range")
	ErrOutboundConnectFailed = errors.New("outbound connect failed")
	ErrSessionClosed         = errors.New("session closed")
)

// Transport is the client-facing side of a session. Next yields inbound
// chunks in order and io.EOF on a normal close; Send must be safe for
// concurrent use. Done is closed once the client side has gone away.
type Transport interface {
	Next(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, data []byte) error
	IsOpen() bool
	Done() <-chan struct{}
	Close() error
}

// Resolver turns one DNS query into one DNS reply.
type Resolver interface {
	Exchange(ctx context.Context, query []byte) ([]byte, error)
}

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Relay holds what every session shares: the read-only configuration and
// the outbound capabilities.
type Relay struct {
	cfg      *config.Config
	resolver Resolver
	dialer   Dialer
}

// New creates a Relay. cfg must already be resolved and is never modified.
func New(cfg *config.Config, resolver Resolver, dialer Dialer) *Relay {
	return &Relay{cfg: cfg, resolver: resolver, dialer: dialer}
}

// Serve runs one session over tr until it ends. A nil error means the
// client or the destination closed normally; any other error has already
// closed tr.
func (r *Relay) Serve(ctx context.Context, id uint32, tr Transport) error {
	return NewSession(ctx, r, id, tr).Run()
}

// dial opens address with the configured timeout.
func (r *Relay) dial(ctx context.Context, network, address string) (net.Conn, error) {
	if r.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.DialTimeout)
		defer cancel()
	}
	return r.dialer.DialContext(ctx, network, address)
}

// Phase is the state of a session.
type Phase int32

const (
	PhaseAwaitingHeader Phase = iota
	PhaseTCP
	PhaseDNS
	PhaseVoIP
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingHeader:
		return "awaiting-header"
	case PhaseTCP:
		return "tcp"
	case PhaseDNS:
		return "dns-udp"
	case PhaseVoIP:
		return "voip-udp"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}
