package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/caravel/internal/metrics"
)

// EventMessage is one frame on the event stream
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Seq       int64       `json:"seq"`
}

// subscriber is one connected event stream client
type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *subscriber) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Broadcaster fans telemetry events out to WebSocket subscribers
type Broadcaster struct {
	subscribers map[string]*subscriber
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	seq         uint64
	mu          sync.RWMutex
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster(m *metrics.Metrics, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		metrics:     m,
		logger:      logger,
	}
}

// Add registers a connection under an id
func (b *Broadcaster) Add(id string, conn *websocket.Conn) {
	b.mu.Lock()
	b.subscribers[id] = &subscriber{conn: conn}
	count := len(b.subscribers)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.EventSubscribers.Set(float64(count))
	}
	b.logger.Debug().Str("subscriber", id).Int("total", count).Msg("Event subscriber connected")
}

// Remove drops a connection
func (b *Broadcaster) Remove(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	count := len(b.subscribers)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.EventSubscribers.Set(float64(count))
	}
}

// Count returns the current subscriber count
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish sends an event to every subscriber. Failed writes drop the
// subscriber; the read loop notices the closed connection and cleans up.
func (b *Broadcaster) Publish(event string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       int64(atomic.AddUint64(&b.seq, 1)),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	b.mu.RLock()
	subs := make(map[string]*subscriber, len(b.subscribers))
	for id, sub := range b.subscribers {
		subs[id] = sub
	}
	b.mu.RUnlock()

	for id, sub := range subs {
		if err := sub.write(payload); err != nil {
			b.logger.Warn().Err(err).Str("subscriber", id).Str("event", event).Msg("Dropping event subscriber")
			sub.conn.Close()
			b.Remove(id)
		}
	}
}

// CloseAll closes every subscriber connection
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		sub.conn.Close()
		delete(b.subscribers, id)
	}
	if b.metrics != nil {
		b.metrics.EventSubscribers.Set(0)
	}
}
