package trade

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fintt/settlement-engine/internal/auth"
	"github.com/fintt/settlement-engine/internal/metrics"
	"github.com/fintt/settlement-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type  string            `json:"type"`
	Entry model.LedgerEntry `json:"entry"`
}

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
)

// WSHub fans committed ledger entries out to connected clients. A client may
// subscribe to a single account; an empty filter receives every entry.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan model.LedgerEntry
	register   chan *wsClient
	unregister chan *wsClient
	stopped    chan struct{}
	mu         sync.RWMutex
	logger     *zap.Logger
}

type wsClient struct {
	conn      *websocket.Conn
	accountID string
	writeMu   sync.Mutex
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data)
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *zap.Logger) *WSHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan model.LedgerEntry, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stopped:    make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main event loop until ctx is done. Must be called in
// a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.stopped)
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.logger.Info("ws client connected", zap.Int("total", total), zap.String("account_id", c.accountID))

		case c := <-h.unregister:
			h.remove(c)

		case entry := <-h.broadcast:
			data, err := json.Marshal(WSMessage{Type: "ledger_entry", Entry: entry})
			if err != nil {
				continue
			}
			h.mu.RLock()
			var dead []*wsClient
			for c := range h.clients {
				if c.accountID != "" && c.accountID != entry.AccountID {
					continue
				}
				if err := c.write(websocket.TextMessage, data); err != nil {
					dead = append(dead, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range dead {
				h.remove(c)
			}
		}
	}
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
}

// Broadcast queues a committed entry for delivery. It never blocks: when
// the buffer is full the entry is dropped from the feed (the ledger itself
// is unaffected).
func (h *WSHub) Broadcast(entry model.LedgerEntry) {
	select {
	case h.broadcast <- entry:
	default:
		h.logger.Warn("ws broadcast buffer full, dropping entry", zap.Int64("entry_id", entry.ID))
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. The
// optional account_id query parameter narrows the feed; authenticated
// callers are always narrowed to their own account.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if sub, ok := auth.AccountFromContext(r.Context()); ok {
		if accountID != "" && accountID != sub {
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "token does not grant access to this account", Kind: "Forbidden"})
			return
		}
		accountID = sub
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{conn: conn, accountID: accountID}
	select {
	case h.register <- c:
	case <-h.stopped:
		conn.Close()
		return
	}

	done := make(chan struct{})

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			close(done)
			select {
			case h.unregister <- c:
			case <-h.stopped:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}
