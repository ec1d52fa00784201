package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawfleet/internal/bus"
	"github.com/nextlevelbuilder/clawfleet/pkg/protocol"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 45 * time.Second
	maxFrameSize     = 64 * 1024
)

// client is one WebSocket connection. It receives only events whose topic it
// subscribed to; a slow client drops events rather than blocking the bus.
type client struct {
	id      string
	conn    *websocket.Conn
	log     *slog.Logger
	metrics *Metrics

	send chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	topics map[string]bool
}

func newClient(conn *websocket.Conn, log *slog.Logger, m *Metrics) *client {
	return &client{
		id:      uuid.NewString(),
		conn:    conn,
		log:     log,
		metrics: m,
		send:    make(chan []byte, clientSendBuffer),
		done:    make(chan struct{}),
		topics:  make(map[string]bool),
	}
}

// deliver queues a bus event if the client subscribed to its topic.
func (c *client) deliver(ev bus.Event) {
	c.mu.Lock()
	subscribed := c.topics[ev.Topic]
	c.mu.Unlock()
	if !subscribed {
		return
	}

	data, err := json.Marshal(protocol.NewEvent(ev.Type, ev.Payload))
	if err != nil {
		return
	}
	select {
	case c.send <- data:
		c.metrics.Inc("clawfleet_ws_events_delivered_total")
	default:
		c.metrics.Inc("clawfleet_ws_events_dropped_total")
		c.log.Warn("gateway: client send buffer full, event dropped", "client", c.id, "type", ev.Type)
	}
}

// run pumps frames both ways and returns when the connection dies.
func (c *client) run() {
	go c.writePump()
	c.readLoop()
}

func (c *client) readLoop() {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendControl("error", map[string]any{"error": "malformed frame"})
			continue
		}
		switch frame.Action {
		case "subscribe":
			c.setTopic(frame.Topic, true)
			c.sendControl("subscribed", map[string]any{"topic": frame.Topic})
		case "unsubscribe":
			c.setTopic(frame.Topic, false)
			c.sendControl("unsubscribed", map[string]any{"topic": frame.Topic})
		default:
			c.sendControl("error", map[string]any{"error": "unknown action " + frame.Action})
		}
	}
}

func (c *client) setTopic(topic string, on bool) {
	if topic == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.topics[topic] = true
	} else {
		delete(c.topics, topic)
	}
}

func (c *client) sendControl(eventType string, payload map[string]any) {
	data, err := json.Marshal(protocol.NewEvent(eventType, payload))
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
