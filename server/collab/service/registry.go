package service

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	commonlog "collab_server/server/common/log"
)

const connWriteDeadline = 5 * time.Second

// Transport is the subset of *websocket.Conn the registry needs.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live transport. Writes are serialized through a per-conn
// mutex since gorilla connections allow a single concurrent writer.
type Conn struct {
	ID         string
	UserID     string
	DocumentID string

	transport Transport
	mu        sync.Mutex
	closed    bool
}

func (c *Conn) WriteJSON(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	_ = c.transport.SetWriteDeadline(time.Now().Add(connWriteDeadline))
	if err := c.transport.WriteMessage(websocket.TextMessage, b); err != nil {
		c.closed = true
		return err
	}
	return nil
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	_ = c.transport.Close()
	c.mu.Unlock()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Registry owns every live connection and its user/document
// associations. All maps are guarded; no caller ever sees them.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	userConns map[string][]string
	docConns  map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:     map[string]*Conn{},
		userConns: map[string][]string{},
		docConns:  map[string]map[string]struct{}{},
	}
}

func (r *Registry) Register(connectionID string, transport Transport) *Conn {
	conn := &Conn{ID: connectionID, transport: transport}
	r.mu.Lock()
	r.conns[connectionID] = conn
	r.mu.Unlock()
	return conn
}

func (r *Registry) BindUser(userID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connectionID]
	if !ok {
		return
	}
	conn.UserID = userID
	r.userConns[userID] = append(r.userConns[userID], connectionID)
}

func (r *Registry) BindDocument(documentID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connectionID]
	if !ok {
		return
	}
	conn.DocumentID = documentID
	if _, ok := r.docConns[documentID]; !ok {
		r.docConns[documentID] = map[string]struct{}{}
	}
	r.docConns[documentID][connectionID] = struct{}{}
}

// Unregister removes the connection and every association. Safe to
// call more than once.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connectionID)
	r.dropAssociationsLocked(conn)
	r.mu.Unlock()

	conn.markClosed()
}

func (r *Registry) dropAssociationsLocked(conn *Conn) {
	if conn.UserID != "" {
		remaining := r.userConns[conn.UserID][:0]
		for _, id := range r.userConns[conn.UserID] {
			if id != conn.ID {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 0 {
			delete(r.userConns, conn.UserID)
		} else {
			r.userConns[conn.UserID] = remaining
		}
	}
	if conn.DocumentID != "" {
		if set, ok := r.docConns[conn.DocumentID]; ok {
			delete(set, conn.ID)
			if len(set) == 0 {
				delete(r.docConns, conn.DocumentID)
			}
		}
	}
}

func (r *Registry) Get(connectionID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	return conn, ok
}

// SendToUser writes to the user's most recently bound open connection.
// Absent or closed connections make this a no-op.
func (r *Registry) SendToUser(userID string, payload any) {
	r.mu.RLock()
	ids := r.userConns[userID]
	var target *Conn
	for i := len(ids) - 1; i >= 0; i-- {
		if conn, ok := r.conns[ids[i]]; ok && !conn.isClosed() {
			target = conn
			break
		}
	}
	r.mu.RUnlock()
	if target == nil {
		return
	}
	if err := target.WriteJSON(payload); err != nil {
		commonlog.Warnf("event=conn_registry action=send_to_user status=failed user_id=%s conn_id=%s error=%v", userID, target.ID, err)
	}
}

// SendToDocument fans out to every connection bound to the document.
// One failed connection never blocks delivery to the rest.
func (r *Registry) SendToDocument(documentID string, payload any) int {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.docConns[documentID]))
	for id := range r.docConns[documentID] {
		if conn, ok := r.conns[id]; ok {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if err := conn.WriteJSON(payload); err != nil {
			commonlog.Warnf("event=conn_registry action=send_to_document status=failed document_id=%s conn_id=%s error=%v", documentID, conn.ID, err)
			continue
		}
		sent++
	}
	return sent
}

func (r *Registry) Broadcast(payload any) int {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if err := conn.WriteJSON(payload); err != nil {
			commonlog.Warnf("event=conn_registry action=broadcast status=failed conn_id=%s error=%v", conn.ID, err)
			continue
		}
		sent++
	}
	return sent
}

// Sweep drops connections whose transport has reported closed and
// prunes their associations.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	var dead []*Conn
	for id, conn := range r.conns {
		if conn.isClosed() {
			delete(r.conns, id)
			r.dropAssociationsLocked(conn)
			dead = append(dead, conn)
		}
	}
	r.mu.Unlock()

	if len(dead) > 0 {
		commonlog.Infof("event=conn_registry action=sweep status=ok removed=%d", len(dead))
	}
	return len(dead)
}

func (r *Registry) DocumentConnCount(documentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docConns[documentID])
}
