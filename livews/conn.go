// Package livews maintains one websocket connection to a room's event
// server. Frames on the wire are JSON envelopes; the byte-level binary
// protocol is terminated upstream, so this layer only joins, keeps the
// connection alive, and delivers decoded events through callbacks.
package livews

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialHandshakeTimeout  = 5 * time.Second
	keepaliveSendInterval = 30 * time.Second
	protocolVersion       = 3

	opJoin      = "join"
	opHeartbeat = "heartbeat"
	opEvent     = "event"
)

// Hello is the join payload sent as the first frame after dialing,
// authenticating the viewer against the handshake token.
type Hello struct {
	UID      int64  `json:"uid"`
	RoomID   int64  `json:"roomid"`
	DeviceID string `json:"buvid,omitempty"`
	Key      string `json:"key"`
	ProtoVer int    `json:"protover"`
	Platform string `json:"platform"`
}

// Callbacks receive decoded traffic. OnClose fires exactly once, for both
// remote closes and local Close calls, after the read loop has exited.
type Callbacks struct {
	// OnEvent delivers one event frame: the command plus the raw event body.
	OnEvent func(cmd string, body []byte)
	// OnHeartbeat delivers the numeric payload of a server heartbeat.
	OnHeartbeat func(popularity int64)
	OnClose     func(err error)
}

// frame is the JSON envelope every wire frame decodes into.
type frame struct {
	Op         string          `json:"op"`
	Popularity int64           `json:"popularity,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Conn is one live connection. Create with Dial; Close is safe to call
// multiple times and concurrently with the read loop.
type Conn struct {
	ws     *websocket.Conn
	cb     *Callbacks
	logger *slog.Logger

	writeLk   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to addr, sends the join frame, and starts the read and
// keepalive loops. The returned Conn is live until Close or a read error.
func Dial(ctx context.Context, addr string, hello *Hello, cb *Callbacks, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := websocket.Dialer{
		HandshakeTimeout: dialHandshakeTimeout,
	}
	ws, _, err := d.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	c := &Conn{
		ws:     ws,
		cb:     cb,
		logger: logger.With("system", "livews", "room", hello.RoomID),
		done:   make(chan struct{}),
	}

	h := *hello
	h.ProtoVer = protocolVersion
	if h.Platform == "" {
		h.Platform = "web"
	}
	if err := c.writeFrame(&joinFrame{Op: opJoin, Body: &h}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("sending join frame: %w", err)
	}

	go c.readLoop()
	go c.keepaliveLoop()
	return c, nil
}

type joinFrame struct {
	Op   string `json:"op"`
	Body *Hello `json:"body"`
}

func (c *Conn) writeFrame(v any) error {
	c.writeLk.Lock()
	defer c.writeLk.Unlock()
	return c.ws.WriteJSON(v)
}

// Close tears the connection down. OnClose still fires, via the read loop.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	var closeErr error
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// local close, not a transport failure
			default:
				closeErr = err
			}
			break
		}
		c.handleFrame(payload)
	}
	c.Close()
	if c.cb.OnClose != nil {
		c.cb.OnClose(closeErr)
	}
}

// handleFrame dispatches one wire frame. Malformed frames are dropped with
// a log line; they never tear down the connection.
func (c *Conn) handleFrame(payload []byte) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		c.logger.Warn("dropping malformed frame", "err", err)
		framesDropped.Inc()
		return
	}
	switch f.Op {
	case opHeartbeat:
		if c.cb.OnHeartbeat != nil {
			c.cb.OnHeartbeat(f.Popularity)
		}
	case opEvent:
		var body struct {
			Cmd string `json:"cmd"`
		}
		if err := json.Unmarshal(f.Body, &body); err != nil || body.Cmd == "" {
			c.logger.Warn("dropping event frame without command", "err", err)
			framesDropped.Inc()
			return
		}
		if c.cb.OnEvent != nil {
			c.cb.OnEvent(body.Cmd, f.Body)
		}
	default:
		c.logger.Debug("ignoring unknown frame op", "op", f.Op)
	}
}

func (c *Conn) keepaliveLoop() {
	t := time.NewTicker(keepaliveSendInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.writeFrame(&frame{Op: opHeartbeat}); err != nil {
				c.logger.Warn("keepalive send failed", "err", err)
				c.Close()
				return
			}
		}
	}
}
