// Package gateway streams outbox events to WebSocket clients. Every
// connection owns an outbox listener with its own cursor.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/backbone/go/internal/events"
	"github.com/mcdev12/backbone/go/internal/outbox"
	"github.com/rs/zerolog/log"
)

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration              `yaml:"write_timeout"`
	ReadTimeout     time.Duration              `yaml:"read_timeout"`
	PingInterval    time.Duration              `yaml:"ping_interval"`
	MaxMessageSize  int64                      `yaml:"max_message_size"`
	ReadBufferSize  int                        `yaml:"read_buffer_size"`
	WriteBufferSize int                        `yaml:"write_buffer_size"`
	CheckOrigin     func(r *http.Request) bool `yaml:"-"`
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Message is what a client receives for every event.
type Message struct {
	Sequence   uint64          `json:"sequence,omitempty"`
	Ephemeral  bool            `json:"ephemeral,omitempty"`
	Type       string          `json:"type"`
	FacilityID string          `json:"facility_id"`
	RecordedAt time.Time       `json:"recorded_at"`
	Data       json.RawMessage `json:"data"`
}

// ConnectionManager upgrades requests and tracks live connections.
type ConnectionManager struct {
	outbox   *outbox.Outbox[events.Payload]
	upgrader websocket.Upgrader
	config   ConnectionConfig

	mu          sync.RWMutex
	connections map[*Connection]struct{}
}

// Connection represents a WebSocket connection to a client
type Connection struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan []byte
	Manager     *ConnectionManager
	ConnectedAt time.Time

	facility uuid.UUID
	listener *outbox.Listener[events.Payload]
	cancel   context.CancelFunc
	lastSent atomic.Uint64
	closing  sync.Once
}

func NewConnectionManager(o *outbox.Outbox[events.Payload], config ConnectionConfig) *ConnectionManager {
	if config.CheckOrigin == nil {
		config.CheckOrigin = DefaultConnectionConfig().CheckOrigin
	}
	return &ConnectionManager{
		outbox: o,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		connections: make(map[*Connection]struct{}),
	}
}

// ServeEvents handles /ws/events?after=<sequence>&facility_id=<uuid>.
func (cm *ConnectionManager) ServeEvents(w http.ResponseWriter, r *http.Request) {
	after := outbox.BeginningOfTime
	if raw := r.URL.Query().Get("after"); raw != "" {
		seq, err := outbox.ParseEventSequence(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid after: %v", err), http.StatusBadRequest)
			return
		}
		after = seq
	}

	var facility uuid.UUID
	if raw := r.URL.Query().Get("facility_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid facility_id: %v", err), http.StatusBadRequest)
			return
		}
		facility = id
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		facility:    facility,
		listener:    cm.outbox.ListenAll(after),
		cancel:      cancel,
	}
	c.lastSent.Store(uint64(after))

	cm.register(c)

	go c.eventPump(ctx)
	go c.writePump(ctx)
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Uint64("after", uint64(after)).
		Msg("WebSocket connection established")
}

// ConnectionStats describes one live connection.
type ConnectionStats struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastSequence uint64    `json:"last_sequence"`
	FacilityID   string    `json:"facility_id,omitempty"`
}

type Stats struct {
	TotalConnections int               `json:"total_connections"`
	HighestSequence  uint64            `json:"highest_sequence"`
	Subscribers      int               `json:"subscribers"`
	Connections      []ConnectionStats `json:"connections"`
}

func (cm *ConnectionManager) Stats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := Stats{
		TotalConnections: len(cm.connections),
		HighestSequence:  uint64(cm.outbox.HighestKnownSequence()),
		Subscribers:      cm.outbox.Receivers(),
		Connections:      make([]ConnectionStats, 0, len(cm.connections)),
	}
	for c := range cm.connections {
		cs := ConnectionStats{
			ID:           c.ID,
			ConnectedAt:  c.ConnectedAt,
			LastSequence: c.lastSent.Load(),
		}
		if c.facility != uuid.Nil {
			cs.FacilityID = c.facility.String()
		}
		stats.Connections = append(stats.Connections, cs)
	}
	return stats
}

// ServeStats handles /ws/stats.
func (cm *ConnectionManager) ServeStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(cm.Stats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// Close disconnects every client.
func (cm *ConnectionManager) Close() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for c := range cm.connections {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

func (cm *ConnectionManager) register(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[c] = struct{}{}

	log.Debug().
		Str("connection_id", c.ID).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregister(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.connections[c]; ok {
		delete(cm.connections, c)
		log.Info().
			Str("connection_id", c.ID).
			Uint64("last_sequence", c.lastSent.Load()).
			Msg("connection unregistered")
	}
}

func (c *Connection) close() {
	c.closing.Do(func() {
		c.cancel()
		c.Conn.Close()
		c.Manager.unregister(c)
	})
}

// eventPump reads the connection's listener and queues matching events.
// A slow client only slows its own listener, which catches up from storage.
func (c *Connection) eventPump(ctx context.Context) {
	defer c.listener.Close()
	defer c.close()

	for {
		ev, err := c.listener.NextEvent(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Str("connection_id", c.ID).Msg("event stream ended")
			}
			return
		}

		msg, ok := c.toMessage(ev)
		if ev.Persistent != nil {
			c.lastSent.Store(uint64(ev.Persistent.Sequence))
		}
		if !ok {
			continue
		}
		data, err := json.Marshal(msg)
		if err != nil {
			log.Error().Err(err).Msg("failed to marshal event for client")
			continue
		}

		select {
		case c.Send <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connection) toMessage(ev outbox.Event[events.Payload]) (Message, bool) {
	var (
		payload    events.Payload
		msg        Message
		recordedAt time.Time
	)
	switch {
	case ev.Persistent != nil:
		payload = ev.Persistent.Payload
		recordedAt = ev.Persistent.RecordedAt
		msg.Sequence = uint64(ev.Persistent.Sequence)
	case ev.Ephemeral != nil:
		payload = ev.Ephemeral.Payload
		recordedAt = ev.Ephemeral.RecordedAt
		msg.Ephemeral = true
	default:
		return msg, false
	}

	facility := payload.FacilityID()
	if c.facility != uuid.Nil && facility != c.facility {
		return msg, false
	}

	data, err := json.Marshal(payload.Data)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event data")
		return msg, false
	}
	msg.Type = string(payload.Type)
	msg.FacilityID = facility.String()
	msg.RecordedAt = recordedAt
	msg.Data = data
	return msg, true
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func (c *Connection) readPump() {
	defer c.close()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}

		log.Debug().
			Str("connection_id", c.ID).
			Int("bytes", len(message)).
			Msg("received client message")
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// Routes registers the gateway endpoints on mux.
func (cm *ConnectionManager) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/events", cm.ServeEvents)
	mux.HandleFunc("/ws/stats", cm.ServeStats)
}
