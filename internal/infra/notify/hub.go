// Package notify delivers balance updates to connected clients and email
// to account owners.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventCreditUpdate is the event name clients listen for.
const EventCreditUpdate = "creditUpdate"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

type creditUpdate struct {
	Event   string `json:"event"`
	Credits int64  `json:"credits"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub keeps the live websocket connections of each account.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{}), logger: logger}
}

// Serve registers conn under accountID and blocks until it closes.
func (h *Hub) Serve(accountID string, conn *websocket.Conn) {
	s := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.subs[accountID] == nil {
		h.subs[accountID] = make(map[*subscriber]struct{})
	}
	h.subs[accountID][s] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("websocket registered", zap.String("account_id", accountID))

	done := make(chan struct{})
	go h.writePump(s, done)
	h.readPump(s)

	h.mu.Lock()
	delete(h.subs[accountID], s)
	if len(h.subs[accountID]) == 0 {
		delete(h.subs, accountID)
	}
	h.mu.Unlock()
	close(done)

	h.logger.Debug("websocket unregistered", zap.String("account_id", accountID))
}

// readPump discards client frames and handles pongs. It returns when the
// connection fails.
func (h *Hub) readPump(s *subscriber) {
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(s *subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// PushBalanceUpdate sends the new balance to every connection of the
// account. Accounts without a connection are skipped silently, and a
// subscriber whose buffer is full misses the update.
func (h *Hub) PushBalanceUpdate(_ context.Context, accountID string, balance int64) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.subs[accountID]
	if len(subs) == 0 {
		return nil
	}

	msg, err := json.Marshal(creditUpdate{Event: EventCreditUpdate, Credits: balance})
	if err != nil {
		return err
	}
	for s := range subs {
		select {
		case s.send <- msg:
		default:
			h.logger.Warn("websocket buffer full, dropping update", zap.String("account_id", accountID))
		}
	}
	return nil
}

// Connections returns the number of live connections for accountID.
func (h *Hub) Connections(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}
