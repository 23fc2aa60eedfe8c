package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Options 连接层参数
type Options struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

func DefaultOptions() Options {
	return Options{
		PingInterval:   15 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		SendBuffer:     64,
		MaxMessageSize: 1 << 20,
	}
}

// Conn wraps a websocket so the registry can write to it from any goroutine.
// Writes are queued and flushed by writePump, which is the only writer.
type Conn struct {
	ws   *websocket.Conn
	opts Options
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, opts Options) *Conn {
	return &Conn{
		ws:   ws,
		opts: opts,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

// WriteMessage queues data without blocking. A slow reader that fills its
// buffer gets an error and the caller drops the connection.
func (c *Conn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// prepareRead arms the read deadline, which every pong pushes forward.
func (c *Conn) prepareRead() {
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
}

func (c *Conn) read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	return data, nil
}
