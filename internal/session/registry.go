// Package session tracks which connections are viewing each document, emits
// join/leave presence events, and fans committed frames out to subscribers in
// commit order.
package session

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabsync/internal/message"
)

// Conn is a subscriber connection. Send must not block: it either queues the
// payload or reports the connection dead.
type Conn interface {
	Send(payload []byte) error
	Close()
}

// Publisher carries presence frames onto the broadcast path.
type Publisher interface {
	Publish(documentID string, payload []byte)
}

// Session is one connection viewing one document. A user with several tabs
// holds several sessions.
type Session struct {
	ID         string
	DocumentID string
	UserID     string
	Conn       Conn
	LastSeen   time.Time
}

// docGroup is the per-document subscriber set plus its ordered dispatch
// queue. A single pump goroutine drains the queue, so every subscriber sees
// frames in the order they were enqueued.
type docGroup struct {
	sessions map[string]*Session
	queue    chan []byte
	quit     chan struct{}
}

// Registry is the session/presence registry.
type Registry struct {
	mu       sync.Mutex
	docs     map[string]*docGroup
	sessions map[string]*Session

	pub       Publisher
	timeout   time.Duration
	sweepQuit chan struct{}
	sweepOnce sync.Once
	now       func() time.Time
}

const queueDepth = 256

func NewRegistry(pub Publisher, timeout time.Duration) *Registry {
	return &Registry{
		docs:      make(map[string]*docGroup),
		sessions:  make(map[string]*Session),
		pub:       pub,
		timeout:   timeout,
		sweepQuit: make(chan struct{}),
		now:       time.Now,
	}
}

// Subscribe registers a connection on a document and returns the session id.
// The first session for a (document, user) pair emits a JOIN presence event
// to every subscriber, the new one included.
func (r *Registry) Subscribe(documentID, userID string, conn Conn) string {
	s := &Session{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		UserID:     userID,
		Conn:       conn,
		LastSeen:   r.now(),
	}

	r.mu.Lock()
	g, ok := r.docs[documentID]
	if !ok {
		g = &docGroup{
			sessions: make(map[string]*Session),
			queue:    make(chan []byte, queueDepth),
			quit:     make(chan struct{}),
		}
		r.docs[documentID] = g
		go r.pump(documentID, g)
	}
	joined := !g.hasUser(userID)
	g.sessions[s.ID] = s
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if joined {
		r.publishPresence(documentID, userID, "JOIN")
	}
	log.Printf("session: subscribed doc=%s user=%s session=%s", documentID, userID, s.ID)
	return s.ID
}

// Unsubscribe removes a session. The last session for a (document, user)
// pair emits a LEAVE presence event.
func (r *Registry) Unsubscribe(sessionID string) {
	r.drop(sessionID, "unsubscribe")
}

// Touch refreshes a session's inactivity clock.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok {
		s.LastSeen = r.now()
	}
	r.mu.Unlock()
}

// Broadcast queues payload for every live subscriber of documentID, in call
// order. Delivery is best-effort: a subscriber that cannot keep up is
// dropped, never the broadcast.
func (r *Registry) Broadcast(documentID string, payload []byte) {
	r.mu.Lock()
	g, ok := r.docs[documentID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case g.queue <- payload:
	default:
		log.Printf("session: broadcast queue full for doc=%s, dropping frame", documentID)
	}
}

// Presence returns the distinct user ids with at least one live session on
// the document, sorted for stable output.
func (r *Registry) Presence(documentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.docs[documentID]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	for _, s := range g.sessions {
		seen[s.UserID] = true
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Sweep unsubscribes every session silent for longer than the timeout.
func (r *Registry) Sweep() {
	cutoff := r.now().Add(-r.timeout)
	var stale []string
	r.mu.Lock()
	for id, s := range r.sessions {
		if s.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()
	for _, id := range stale {
		r.drop(id, "timeout")
	}
}

// Run sweeps on the given interval until Close.
func (r *Registry) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.sweepQuit:
			return
		}
	}
}

// Close stops the sweeper and every document pump.
func (r *Registry) Close() {
	r.sweepOnce.Do(func() { close(r.sweepQuit) })
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, g := range r.docs {
		close(g.quit)
		delete(r.docs, id)
	}
}

func (g *docGroup) hasUser(userID string) bool {
	for _, s := range g.sessions {
		if s.UserID == userID {
			return true
		}
	}
	return false
}

// drop removes a session and emits LEAVE if it was the user's last one.
func (r *Registry) drop(sessionID, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	left := false
	if g, ok := r.docs[s.DocumentID]; ok {
		delete(g.sessions, sessionID)
		left = !g.hasUser(s.UserID)
		if len(g.sessions) == 0 {
			close(g.quit)
			delete(r.docs, s.DocumentID)
		}
	}
	r.mu.Unlock()

	s.Conn.Close()
	if left {
		r.publishPresence(s.DocumentID, s.UserID, "LEAVE")
	}
	log.Printf("session: removed doc=%s user=%s session=%s reason=%s", s.DocumentID, s.UserID, sessionID, reason)
}

func (r *Registry) publishPresence(documentID, userID, action string) {
	frame, err := json.Marshal(message.Presence{
		Type:      message.TypePresence,
		UserID:    userID,
		Action:    action,
		Timestamp: r.now(),
	})
	if err != nil {
		return
	}
	r.pub.Publish(documentID, frame)
}

// pump delivers queued frames to the document's subscribers one at a time.
// Subscribers whose connection rejects a frame are dropped as an implicit
// unsubscribe; the rest are unaffected.
func (r *Registry) pump(documentID string, g *docGroup) {
	for {
		select {
		case payload := <-g.queue:
			r.mu.Lock()
			targets := make([]*Session, 0, len(g.sessions))
			for _, s := range g.sessions {
				targets = append(targets, s)
			}
			r.mu.Unlock()

			for _, s := range targets {
				if err := s.Conn.Send(payload); err != nil {
					log.Printf("session: dropping doc=%s session=%s: %v", documentID, s.ID, err)
					r.drop(s.ID, "send failed")
				}
			}
		case <-g.quit:
			return
		}
	}
}
