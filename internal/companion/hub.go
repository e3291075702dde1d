// Package companion serves the websocket endpoint used by wearable and
// phone companions. It pushes status and refresh messages to every
// connected client and accepts execute requests from them.
package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/homectl/rfswitch/internal/engine"
)

// MessageType defines the type of websocket message
type MessageType string

const (
	// Outbound messages (to companions)
	MsgTypeStatus  MessageType = "status"
	MsgTypeRefresh MessageType = "refresh"
	MsgTypeAck     MessageType = "ack"
	MsgTypePong    MessageType = "pong"

	// Inbound messages (from companions)
	MsgTypeExecute MessageType = "execute"
	MsgTypePing    MessageType = "ping"
)

// Message represents a websocket message to/from a companion
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Execute targets
const (
	TargetReceiver = "receiver"
	TargetRoom     = "room"
	TargetScene    = "scene"
	TargetAction   = "action"
)

// ExecuteRequest is the payload of an execute message
type ExecuteRequest struct {
	Target     string `json:"target"`
	ReceiverID int64  `json:"receiver_id,omitempty"`
	RoomID     int64  `json:"room_id,omitempty"`
	ButtonID   int64  `json:"button_id,omitempty"`
	Button     string `json:"button,omitempty"`
	SceneID    int64  `json:"scene_id,omitempty"`
	ActionID   int64  `json:"action_id,omitempty"`
}

// Validate checks that the request names everything its target needs
func (r *ExecuteRequest) Validate() error {
	switch r.Target {
	case TargetReceiver:
		if r.ReceiverID == 0 || r.ButtonID == 0 {
			return errors.New("receiver_id and button_id are required")
		}
	case TargetRoom:
		if r.RoomID == 0 || (r.Button == "" && r.ButtonID == 0) {
			return errors.New("room_id and button or button_id are required")
		}
	case TargetScene:
		if r.SceneID == 0 {
			return errors.New("scene_id is required")
		}
	case TargetAction:
		if r.ActionID == 0 {
			return errors.New("action_id is required")
		}
	default:
		return fmt.Errorf("unknown target %q", r.Target)
	}
	return nil
}

// Executor runs the actions companions ask for
type Executor interface {
	ExecuteReceiverButton(ctx context.Context, receiverID, buttonID int64)
	ExecuteRoomButton(ctx context.Context, roomID int64, buttonName string)
	ExecuteRoomButtonID(ctx context.Context, roomID, buttonID int64)
	ExecuteScene(ctx context.Context, sceneID int64)
	ExecuteActionIDs(ctx context.Context, ids []int64)
}

// Config holds companion hub configuration
type Config struct {
	ListenAddr   string // e.g. ":8765"
	Path         string
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	SendBuffer   int

	// mDNS advertisement
	Advertise    bool
	InstanceName string
}

// DefaultConfig returns default hub configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8765",
		Path:         "/ws",
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
		SendBuffer:   32,
	}
}

// Hub tracks connected companions
type Hub struct {
	config   Config
	exec     Executor
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	ctx     context.Context
	server  *http.Server
	addr    net.Addr
	mdns    *zeroconf.Server
	wg      sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan *Message
	done chan struct{}
}

// NewHub creates a hub that dispatches execute requests to exec
func NewHub(config Config, exec Executor) *Hub {
	if config.Path == "" {
		config.Path = "/ws"
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 32
	}
	return &Hub{
		config:  config,
		exec:    exec,
		clients: make(map[*client]struct{}),
		ctx:     context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Companions connect from the local network without an Origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler serving the websocket path
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(h.config.Path, h.serveWS)
	return mux
}

// Start listens on the configured address and serves until Stop
func (h *Hub) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.config.ListenAddr, err)
	}

	srv := &http.Server{Handler: h.Handler(), ReadHeaderTimeout: 10 * time.Second}

	h.mu.Lock()
	h.ctx = ctx
	h.server = srv
	h.addr = ln.Addr()
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Companion server error: %v", err)
		}
	}()

	if h.config.Advertise {
		if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
			if err := h.startMDNS(tcp.Port); err != nil {
				log.Printf("Failed to start mDNS advertisement: %v", err)
			}
		}
	}

	log.Printf("Companion hub listening on %s%s", ln.Addr(), h.config.Path)
	return nil
}

// Stop closes every client and shuts the server down
func (h *Hub) Stop() error {
	h.stopMDNS()

	h.mu.Lock()
	srv := h.server
	h.server = nil
	for c := range h.clients {
		c.conn.Close()
	}
	h.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = srv.Shutdown(ctx)
		cancel()
	}
	h.wg.Wait()

	log.Println("Companion hub stopped")
	return err
}

// Addr returns the listening address once started
func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

// Clients returns the number of connected companions
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Refresh pushes changed receiver state to every companion
func (h *Hub) Refresh(u engine.Update) {
	h.broadcast(MsgTypeRefresh, u)
}

// Status pushes a status message to every companion
func (h *Hub) Status(s engine.Status) {
	h.broadcast(MsgTypeStatus, map[string]interface{}{
		"level":   s.Level.String(),
		"message": s.Message,
		"time":    s.Time.UTC().Format(time.RFC3339),
	})
}

func (h *Hub) broadcast(t MessageType, payload interface{}) {
	msg, err := newMessage(t, payload)
	if err != nil {
		log.Printf("Failed to marshal %s message: %v", t, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			log.Printf("Companion send queue full, dropping %s", t)
		}
	}
}

func newMessage(t MessageType, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      t,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   data,
	}, nil
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Companion upgrade failed: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan *Message, h.config.SendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Printf("Companion connected: %s", conn.RemoteAddr())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeLoop(c)
	}()

	h.readLoop(c)
	wg.Wait()

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	conn.Close()
	log.Printf("Companion disconnected: %s", conn.RemoteAddr())
}

// readLoop reads messages from a companion
func (h *Hub) readLoop(c *client) {
	defer close(c.done)

	for {
		if h.config.ReadTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Companion read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Failed to parse companion message: %v", err)
			continue
		}

		h.handleMessage(c, &msg)
	}
}

// writeLoop sends queued messages and keepalive pings to a companion
func (h *Hub) writeLoop(c *client) {
	interval := h.config.PingInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Failed to marshal message: %v", err)
				continue
			}

			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("Companion write error: %v", err)
				c.conn.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("Companion ping failed: %v", err)
				c.conn.Close()
				return
			}
		}
	}
}

// handleMessage processes an incoming companion message
func (h *Hub) handleMessage(c *client, msg *Message) {
	switch msg.Type {
	case MsgTypeExecute:
		var req ExecuteRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			h.sendAck(c, msg.ID, fmt.Errorf("invalid payload: %w", err))
			return
		}
		if err := req.Validate(); err != nil {
			h.sendAck(c, msg.ID, err)
			return
		}
		h.sendAck(c, msg.ID, nil)

		h.mu.Lock()
		ctx := h.ctx
		h.mu.Unlock()
		go h.execute(ctx, &req)

	case MsgTypePing:
		h.sendTo(c, MsgTypePong, map[string]interface{}{"ping_id": msg.ID})

	default:
		log.Printf("Unknown companion message type: %s", msg.Type)
	}
}

// execute runs a validated request; outcomes arrive as status messages
func (h *Hub) execute(ctx context.Context, req *ExecuteRequest) {
	switch req.Target {
	case TargetReceiver:
		h.exec.ExecuteReceiverButton(ctx, req.ReceiverID, req.ButtonID)
	case TargetRoom:
		if req.ButtonID != 0 {
			h.exec.ExecuteRoomButtonID(ctx, req.RoomID, req.ButtonID)
		} else {
			h.exec.ExecuteRoomButton(ctx, req.RoomID, req.Button)
		}
	case TargetScene:
		h.exec.ExecuteScene(ctx, req.SceneID)
	case TargetAction:
		h.exec.ExecuteActionIDs(ctx, []int64{req.ActionID})
	}
}

// sendAck acknowledges an execute request
func (h *Hub) sendAck(c *client, messageID string, err error) {
	payload := map[string]interface{}{
		"message_id": messageID,
		"success":    err == nil,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	h.sendTo(c, MsgTypeAck, payload)
}

func (h *Hub) sendTo(c *client, t MessageType, payload interface{}) {
	msg, err := newMessage(t, payload)
	if err != nil {
		log.Printf("Failed to marshal %s message: %v", t, err)
		return
	}
	select {
	case c.send <- msg:
	default:
		log.Printf("Companion send queue full, dropping %s", t)
	}
}
