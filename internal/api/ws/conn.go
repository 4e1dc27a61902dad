package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/runtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	sendQueue      = 64
)

// Recorder counts websocket traffic
type Recorder interface {
	RecordWSMessage(direction, msgType string)
}

// Conn adapts a websocket connection to runtime.Channel. Every text frame
// carries one protocol message. Frames that do not decode are dropped.
type Conn struct {
	ws       *websocket.Conn
	source   string
	in       chan runtime.Inbound
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	log      *zap.Logger
	recorder Recorder
}

// NewConn starts the read and write pumps of ws. Inbound messages are
// tagged with source.
func NewConn(ws *websocket.Conn, source string, recorder Recorder, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Conn{
		ws:       ws,
		source:   source,
		in:       make(chan runtime.Inbound, sendQueue),
		send:     make(chan []byte, sendQueue),
		done:     make(chan struct{}),
		log:      log,
		recorder: recorder,
	}
	go c.readPump()
	go c.writePump()
	return c
}

// Send queues msg for the write pump
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return runtime.ErrChannelClosed
	default:
	}
	select {
	case c.send <- data:
		c.record("out", msg.Type)
		return nil
	case <-c.done:
		return runtime.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Receive() <-chan runtime.Inbound { return c.in }

// Done is closed once the connection is closed
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close sends a close frame and tears the connection down
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) record(direction string, t protocol.MessageType) {
	if c.recorder != nil {
		c.recorder.RecordWSMessage(direction, string(t))
	}
}

// readPump owns in and closes it when the connection ends
func (c *Conn) readPump() {
	defer close(c.in)
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug("Dropped undecodable frame", zap.Error(err))
			continue
		}
		c.record("in", msg.Type)
		select {
		case c.in <- runtime.Inbound{Source: c.source, Message: msg}:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("WebSocket write error", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

var _ runtime.Channel = (*Conn)(nil)
