package router

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsUpgrader is shared across connections, matching the teacher's
// WebSocketServerTransport.upgrader (mcp/websocket.go) — one upgrader value
// reused for every incoming handshake.
var wsUpgrader = websocket.Upgrader{
	Subprotocols: []string{"connector-router"},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// wsChannel is a pushChannel backed by a gorilla/websocket connection,
// adapted directly from the teacher's websocketConn (mcp/websocket.go):
// same single-writer mutex around Write, same Close-once discipline.
type wsChannel struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn}
}

func (c *wsChannel) send(frame CommandFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	data, _ := json.Marshal(map[string]string{"type": "ping"})
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// readLoop pumps incoming frames (only {"type":"pong"} is meaningful on this
// transport; malformed frames are logged and dropped, other frame types are
// dropped silently) until the connection
// closes, recording pongs against the registry so heartbeat accounting stays
// current. This is the WebSocket analogue of the Connector-facing pong POST
// endpoint used by the SSE transport.
func (c *wsChannel) readLoop(nodeID string, registry *Registry, log *slog.Logger) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("malformed frame on push channel", "node_id", nodeID, "err", err)
			continue
		}
		if msg.Type == "pong" {
			registry.RecordPong(nodeID)
		}
	}
}
