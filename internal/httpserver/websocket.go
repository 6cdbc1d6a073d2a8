package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/riclipi/dmca-deepagent-sub002/pkg/progress"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsFrame is the bidirectional message frame of spec §6's event channel
// protocol: {namespace, event, payload}. A client drives subscription with
// the control events "join" and "leave".
type wsFrame struct {
	Namespace string         `json:"namespace"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ProgressHandler upgrades the connection and pumps progress.Event frames
// in both directions, mirroring the teacher's hub/client split: one
// goroutine reads control frames (join/leave) off the socket, one per
// joined room forwards broker events onto it.
func ProgressHandler(hub *progress.Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		c := &wsClient{
			hub:    hub,
			conn:   conn,
			logger: logger,
			subs:   make(map[string]*progress.Subscriber),
			writeC: make(chan wsFrame, progress.DefaultBufferSize),
		}
		go c.writePump()
		c.readPump()
	}
}

type wsClient struct {
	hub    *progress.Hub
	conn   *websocket.Conn
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*progress.Subscriber

	writeC chan wsFrame
}

func roomKey(namespace, room string) string { return namespace + "\x00" + room }

func (c *wsClient) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.closeAll()
		close(c.writeC)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var f wsFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}

		switch f.Event {
		case "join":
			room, _ := f.Payload["room"].(string)
			token, _ := f.Payload["token"].(string)
			sub, err := c.hub.Subscribe(ctx, f.Namespace, room, token)
			if err != nil {
				c.send(wsFrame{Namespace: f.Namespace, Event: "join_rejected", Payload: map[string]any{"error": err.Error()}})
				continue
			}
			c.addSub(f.Namespace, room, sub)
			go c.forward(ctx, sub)
		case "leave":
			room, _ := f.Payload["room"].(string)
			c.removeSub(f.Namespace, room)
		}
	}
}

func (c *wsClient) addSub(namespace, room string, sub *progress.Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.subs[roomKey(namespace, room)]; ok {
		c.hub.Unsubscribe(old)
	}
	c.subs[roomKey(namespace, room)] = sub
}

func (c *wsClient) removeSub(namespace, room string) {
	c.mu.Lock()
	sub, ok := c.subs[roomKey(namespace, room)]
	if ok {
		delete(c.subs, roomKey(namespace, room))
	}
	c.mu.Unlock()
	if ok {
		c.hub.Unsubscribe(sub)
	}
}

func (c *wsClient) closeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*progress.Subscriber)
	c.mu.Unlock()
	for _, sub := range subs {
		c.hub.Unsubscribe(sub)
	}
}

// forward relays one subscriber's events onto the client's write channel
// until ctx is cancelled or the subscriber is unsubscribed.
func (c *wsClient) forward(ctx context.Context, sub *progress.Subscriber) {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		c.send(wsFrame{Namespace: ev.Namespace, Event: ev.Name, Payload: ev.Payload})
	}
}

func (c *wsClient) send(f wsFrame) {
	select {
	case c.writeC <- f:
	default:
		c.logger.Warn("websocket client write buffer full, dropping frame", "event", f.Event)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.writeC:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
