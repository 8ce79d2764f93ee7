// Package server accepts WebSocket upgrades and hands each one to a relay
// session. Requests that are not upgrades on the configured path go to a
// fallback handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/1ureka/vlessrelay/internal/config"
	"github.com/1ureka/vlessrelay/internal/protocol"
	"github.com/1ureka/vlessrelay/internal/relay"
	"github.com/1ureka/vlessrelay/internal/transport"
	"github.com/1ureka/vlessrelay/internal/util"
	"github.com/gorilla/websocket"
	"github.com/pires/go-proxyproto"
)

// Compile-time interface check.
var _ relay.Transport = (*transport.Transport)(nil)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server is the HTTP front of the relay.
type Server struct {
	cfg      *config.Config
	relay    *relay.Relay
	upgrader websocket.Upgrader
	fallback http.Handler
}

// New creates a Server. A nil fallback answers non-upgrade requests with
// 404.
func New(cfg *config.Config, r *relay.Relay, fallback http.Handler) *Server {
	if fallback == nil {
		fallback = http.NotFoundHandler()
	}
	return &Server{
		cfg:   cfg,
		relay: r,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		fallback: fallback,
	}
}

// ServeHTTP routes upgrades on the configured path to a relay session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.cfg.Path || !websocket.IsWebSocketUpgrade(r) {
		s.fallback.ServeHTTP(w, r)
		return
	}
	s.handleWS(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	early := r.Header.Get(s.cfg.EarlyDataHeader)
	if s.cfg.MaxEarlyData > 0 && len(early) > s.cfg.MaxEarlyData {
		util.LogDebug("early data from %s too long: %d characters", r.RemoteAddr, len(early))
		http.Error(w, http.StatusText(http.StatusRequestHeaderFieldsTooLarge), http.StatusRequestHeaderFieldsTooLarge)
		return
	}

	// Clients that smuggle early data in Sec-WebSocket-Protocol expect it
	// echoed back as the selected subprotocol.
	var respHeader http.Header
	if early != "" && http.CanonicalHeaderKey(s.cfg.EarlyDataHeader) == "Sec-Websocket-Protocol" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {early}}
	}

	conn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		util.LogDebug("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	id := util.SessionID(r.RemoteAddr, time.Now())
	util.Stats.AddConn()
	defer util.Stats.RemoveConn()
	util.LogDebug("[%08x] WebSocket accepted from %s", id, r.RemoteAddr)

	tr := transport.New(r.Context(), conn, early)
	err = s.relay.Serve(r.Context(), id, tr)

	switch {
	case err == nil:
		util.LogDebug("[%08x] session closed", id)
	case routineDisconnect(err):
		util.LogDebug("[%08x] client dropped: %v", id, err)
	case errors.Is(err, protocol.ErrUnauthorizedUser):
		util.LogWarning("[%08x] rejected %s: %v", id, r.RemoteAddr, err)
	default:
		util.LogWarning("[%08x] session aborted: %v", id, err)
	}
}

// routineDisconnect reports whether err is the client going away without a
// clean close, which proxies see all the time.
func routineDisconnect(err error) bool {
	return errors.Is(err, transport.ErrConnectionLost)
}

// Listen opens the configured TCP listener, wrapped to accept PROXY protocol
// headers when the relay sits behind a TLS terminator that sends them.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	if s.cfg.AcceptProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled. Sessions inherit
// ctx, so cancelling it also tears down every live WebSocket.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
