// Package transport adapts an upgraded WebSocket into a byte-chunk source
// and a serialized writer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/vlessrelay/internal/protocol"
	"github.com/1ureka/vlessrelay/internal/util"
	"github.com/gorilla/websocket"
)

const (
	chunkBufferSize = 64 // inbound chunk channel capacity
	closeWait       = time.Second
)

var (
	// ErrClosed is returned by Send once the transport has been closed.
	ErrClosed = errors.New("websocket transport closed")
	// ErrConnectionLost wraps read errors other than a clean close.
	ErrConnectionLost = errors.New("websocket connection lost")
)

// Transport wraps one upgraded WebSocket connection and exposes it as an
// ordered sequence of inbound byte chunks plus a serialized writer.
//
// A producer goroutine turns the connection's messages into chunks. When the
// handshake carried early data it is decoded first and delivered as the very
// first chunk. The sequence ends with io.EOF on a normal close, or with the
// underlying error on an abnormal one, and is not restartable.
//
// All writes go through a single sender goroutine so no two frames are ever
// in flight on the connection at the same time.
type Transport struct {
	conn   *websocket.Conn
	sender *sender

	chunks  chan []byte
	readErr error // set by the producer before chunks is closed

	ctx    context.Context
	cancel context.CancelFunc

	open      atomic.Bool
	closeOnce sync.Once
}

// New starts the producer and sender goroutines for conn. earlyData is the
// raw handshake field (URL-safe base64, possibly empty). The transport lives
// until Close is called, the peer disconnects, or ctx is cancelled.
func New(ctx context.Context, conn *websocket.Conn, earlyData string) *Transport {
	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		conn:   conn,
		chunks: make(chan []byte, chunkBufferSize),
		ctx:    tCtx,
		cancel: tCancel,
	}
	t.open.Store(true)

	t.sender = newSender(tCtx, conn)
	go t.produce(earlyData)

	// Parent cancellation closes the socket so the blocked reader returns.
	go func() {
		<-tCtx.Done()
		t.Close()
	}()

	return t
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// IsOpen reports whether the connection can still be written to.
func (t *Transport) IsOpen() bool {
	return t.open.Load()
}

// Done returns a channel that is closed when the transport shuts down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close sends a normal close frame if the connection is still open and then
// releases the socket. It is safe to call more than once and from any
// goroutine.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		wasOpen := t.open.Swap(false)
		t.cancel()
		if wasOpen {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		}
		err = t.conn.Close()
	})
	return err
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// Next blocks until the next inbound chunk is available. It returns io.EOF
// once the peer has closed the connection normally.
func (t *Transport) Next(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-t.chunks:
		if !ok {
			if t.readErr != nil {
				return nil, t.readErr
			}
			return nil, io.EOF
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// produce is the only reader of conn.
func (t *Transport) produce(earlyData string) {
	defer close(t.chunks)

	data, err := protocol.DecodeEarlyData(earlyData)
	if err != nil {
		t.readErr = err
		t.Close()
		return
	}
	if len(data) > 0 {
		util.Stats.AddRecv(len(data))
		if !t.push(data) {
			return
		}
	}

	for {
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			t.readErr = t.classify(err)
			t.open.Store(false)
			t.cancel()
			return
		}
		util.Stats.AddRecv(len(msg))
		if !t.push(msg) {
			return
		}
	}
}

func (t *Transport) push(data []byte) bool {
	select {
	case t.chunks <- data:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// classify maps a read error to nil (end of sequence) or ErrConnectionLost.
func (t *Transport) classify(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return nil
	}
	// Our own Close tore down the socket under the reader.
	if !t.open.Load() && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Send writes data as one binary message and waits for the write to finish.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	if !t.IsOpen() {
		return ErrClosed
	}
	return t.sender.send(ctx, data)
}
