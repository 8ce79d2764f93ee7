package transport

import (
	"context"
	"time"

	"github.com/1ureka/vlessrelay/internal/util"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second // per-frame write deadline
	sendBufferSize = 64               // outgoing frame channel capacity
)

type writeRequest struct {
	data []byte
	done chan error
}

// sender is a goroutine-based frame writer that serializes all writes to a
// single WebSocket connection. Each request carries its own completion
// channel so callers can await the write acknowledgment.
type sender struct {
	inbox chan writeRequest
	ctx   context.Context
}

// newSender creates a sender and starts the background loop. The loop exits
// when ctx is cancelled.
func newSender(ctx context.Context, conn *websocket.Conn) *sender {
	s := &sender{
		inbox: make(chan writeRequest, sendBufferSize),
		ctx:   ctx,
	}
	go s.loop(conn)
	return s
}

// loop is the single-writer goroutine.
func (s *sender) loop(conn *websocket.Conn) {
	for {
		select {
		case req := <-s.inbox:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.BinaryMessage, req.data)
			if err != nil {
				util.LogDebug("websocket write failed (%d bytes): %v", len(req.data), err)
			} else {
				util.Stats.AddSent(len(req.data))
			}
			req.done <- err
		case <-s.ctx.Done():
			return
		}
	}
}

// send enqueues data and blocks until it has been written, the transport
// shuts down, or ctx is cancelled.
func (s *sender) send(ctx context.Context, data []byte) error {
	req := writeRequest{data: data, done: make(chan error, 1)}

	select {
	case s.inbox <- req:
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
