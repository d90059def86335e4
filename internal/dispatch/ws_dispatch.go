package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/carpool/internal/observability"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// WSSession is one connected user.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(ev)
}

// WSRegistry holds the latest session of every connected user.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[uuid.UUID]*WSSession)} }

// Add registers conn for userID, closing any session it replaces.
func (r *WSRegistry) Add(userID uuid.UUID, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old, ok := r.sessions[userID]
	r.sessions[userID] = s
	r.mu.Unlock()
	if ok {
		_ = old.conn.Close()
	} else {
		observability.WSSessions.Inc()
	}
	return s
}

// Remove drops s if it is still userID's current session.
func (r *WSRegistry) Remove(userID uuid.UUID, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[userID]; ok && cur == s {
		delete(r.sessions, userID)
		observability.WSSessions.Dec()
	}
}

func (r *WSRegistry) Online(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

func (r *WSRegistry) Notify(_ context.Context, userID uuid.UUID, ev Event) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(ev); err != nil {
		r.Remove(userID, s)
		_ = s.conn.Close()
		return err
	}
	return nil
}
