package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	deviceSendQueue = 64
	deviceReadLimit = 8 << 20 // screenshots travel inside command responses
	deviceWriteWait = 10 * time.Second
)

var (
	// ErrSendQueueFull is returned by Send when the device is not draining
	// frames fast enough.
	ErrSendQueueFull = errors.New("device send queue full")
	errConnClosed    = errors.New("device connection closed")
)

// deviceConn is the websocket transport of one device session. Send never
// blocks; frames are written by writePump.
type deviceConn struct {
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	reason  string
	done    chan struct{}
	stopped chan struct{}
}

func newDeviceConn(conn *websocket.Conn) *deviceConn {
	return &deviceConn{
		conn:    conn,
		send:    make(chan []byte, deviceSendQueue),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Send encodes msg as JSON and queues it.
func (c *deviceConn) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops the write pump after queued frames are flushed. Only the
// first reason is kept.
func (c *deviceConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		c.reason = reason
		close(c.done)
	}
}

func (c *deviceConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *deviceConn) writePump(ctx context.Context) {
	defer close(c.stopped)
	for {
		select {
		case data := <-c.send:
			if err := c.write(ctx, data); err != nil {
				c.Close("write failed")
				c.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-c.done:
			c.flush(ctx)
			c.conn.Close(websocket.StatusNormalClosure, closeText(c.closeReason()))
			return
		case <-ctx.Done():
			c.Close("server shutdown")
			c.conn.Close(websocket.StatusGoingAway, "server shutdown")
			return
		}
	}
}

func (c *deviceConn) flush(ctx context.Context) {
	for {
		select {
		case data := <-c.send:
			if err := c.write(ctx, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *deviceConn) write(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, deviceWriteWait)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// closeText fits a websocket close reason, which is limited to 123 bytes.
func closeText(reason string) string {
	if len(reason) > 123 {
		return reason[:123]
	}
	return reason
}
