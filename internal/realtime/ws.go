package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"booking/internal/observability"
	"booking/internal/util"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxInboundSize = 4 << 10
	maxStatusLen   = 32
)

// WSChannel adapts a websocket connection to Channel. Writes are serialized;
// a failed write closes the connection so Serve returns and unregisters it.
type WSChannel struct {
	id   string
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{id: util.NewID("conn"), conn: conn, done: make(chan struct{})}
}

func (c *WSChannel) ID() string { return c.id }

func (c *WSChannel) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// Serve reads client frames until the peer goes away or ctx ends. Typing and
// presence input is only accepted on booking request channels.
func (c *WSChannel) Serve(ctx context.Context, h *Hub, userID, requestID int64) {
	defer c.Close()

	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = c.Close()
				return
			case <-c.done:
				return
			case <-t.C:
				if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					_ = c.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if requestID == 0 {
			continue
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			observability.DroppedFrames.WithLabelValues("malformed").Inc()
			continue
		}
		switch in.Type {
		case FrameTyping:
			h.Typing(requestID, userID)
		case FramePresence:
			if in.Status == "" || len(in.Status) > maxStatusLen {
				observability.DroppedFrames.WithLabelValues("malformed").Inc()
				continue
			}
			h.Presence(requestID, userID, in.Status)
		default:
			observability.DroppedFrames.WithLabelValues("unknown_type").Inc()
		}
	}
}
