package fiber

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Largest frame accepted from a peer. Recording snapshots are large.
	maxMessageSize = 4 << 20
	// Frames queued per connection before Send reports back pressure.
	sendBuffer = 256
)

var (
	// ErrConnClosed is returned by Send after Close.
	ErrConnClosed = errors.New("websocket: connection closed")
	// ErrSendBufferFull is returned when the peer is not draining its queue.
	ErrSendBufferFull = errors.New("websocket: send buffer full")
)

// WSConn adapts a Fiber WebSocket to the live and registry connection
// interfaces. Writes go through a single pump goroutine; reads happen on the
// goroutine that called Run.
type WSConn struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	pumpDone chan struct{}
	once     sync.Once
}

// NewWSConn wraps conn. Call Run to start it.
func NewWSConn(conn *websocket.Conn) *WSConn {
	c := &WSConn{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c
}

// ID returns the connection id.
func (c *WSConn) ID() string { return c.id }

// Send queues msg for the write pump without blocking.
func (c *WSConn) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// ReadMessage blocks for the next data frame. Any frame from the peer
// extends the read deadline.
func (c *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	return data, nil
}

// Close flushes queued frames, sends a close frame and shuts the socket.
// It is safe to call more than once.
func (c *WSConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Run starts the write pump, calls serve and waits for the pump to finish.
// The socket is closed when serve returns or ctx is done. Fiber reuses the
// underlying connection once the handler returns, so Run must not return
// while the pump still writes.
func (c *WSConn) Run(ctx context.Context, serve func(*WSConn)) {
	go c.writePump()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()
	serve(c)
	_ = c.Close()
	<-c.pumpDone
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.pumpDone)
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *WSConn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *WSConn) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
