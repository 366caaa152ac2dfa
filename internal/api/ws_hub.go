package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/poolbet/ledger-engine/internal/events"
	"github.com/poolbet/ledger-engine/internal/metrics"
	"github.com/poolbet/ledger-engine/internal/model"
)

// WSHub pushes committed ledger events to connected clients. It is one of
// the event sinks behind the fanout. Each connection carries the actor that
// opened it and only receives the events that actor may see.
type WSHub struct {
	clients    map[*websocket.Conn]model.Actor
	broadcast  chan events.Event
	register   chan wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
}

type wsClient struct {
	conn  *websocket.Conn
	actor model.Actor
}

// NewWSHub creates a hub accepting browser upgrades from allowedOrigins.
// "*" allows any origin; requests without an Origin header are always
// accepted.
func NewWSHub(allowedOrigins ...string) *WSHub {
	h := &WSHub{
		clients:    make(map[*websocket.Conn]model.Actor),
		broadcast:  make(chan events.Event, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// visibleTo reports whether actor may receive evt. Admins see everything.
// The payment collaborator sees the money movements it drives. Investors
// see events about themselves only; position events carry every investor's
// allocation and are withheld.
func visibleTo(actor model.Actor, evt events.Event) bool {
	switch actor.Role {
	case model.RoleAdmin:
		return true
	case model.RolePayments:
		return strings.HasPrefix(string(evt.Type), "contribution.") ||
			strings.HasPrefix(string(evt.Type), "withdrawal.")
	case model.RoleInvestor:
		return actor.ID != "" && evt.InvestorID == actor.ID
	}
	return false
}

// Run is the hub's event loop. It closes every client and returns when ctx
// is cancelled.
func (h *WSHub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.actor
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "role", c.actor.Role, "actor", c.actor.ID, "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case evt := <-h.broadcast:
			msg, err := json.Marshal(evt)
			if err != nil {
				slog.Error("ws marshal failed", "type", evt.Type, "err", err)
				continue
			}
			h.mu.Lock()
			for conn, actor := range h.clients {
				if !visibleTo(actor, evt) {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

func (h *WSHub) Name() string { return "websocket" }

// Publish queues evt for delivery. Events are dropped when the buffer is
// full so a slow client never blocks the ledger.
func (h *WSHub) Publish(_ context.Context, evt events.Event) error {
	select {
	case h.broadcast <- evt:
	default:
		slog.Warn("ws broadcast buffer full, event dropped", "type", evt.Type, "event_id", evt.ID)
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. It must be
// mounted behind Authenticate.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	if actor.Role == "" {
		writeError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- wsClient{conn: conn, actor: actor}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: detects disconnects and keeps the read deadline fresh.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
