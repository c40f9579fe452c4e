package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"collab_server/server/collab/domain"
	commonlog "collab_server/server/common/log"
)

const (
	readDeadline       = 60 * time.Second
	defaultWorkerSlots = 64
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type inboundEnvelope struct {
	Type string `json:"type"`
}

type outboundMessage struct {
	Type       string         `json:"type"`
	Event      string         `json:"event,omitempty"`
	DocumentID string         `json:"document_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	UserName   string         `json:"user_name,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// RealtimeService owns the WebSocket side of collaboration: the
// handshake, the per-connection read loop, dispatch of inbound
// messages to the coordinating services, and delivery of bus events
// back to the client. Dispatch work is bounded by a weighted
// semaphore shared across all connections so a burst on one document
// cannot starve the rest.
type RealtimeService struct {
	registry *Registry
	sessions *SessionService
	locks    *LockService
	comments *CommentService
	bus      *Bus
	workers  *semaphore.Weighted
}

func NewRealtimeService(registry *Registry, sessions *SessionService, locks *LockService, comments *CommentService, bus *Bus, workerSlots int) *RealtimeService {
	if workerSlots <= 0 {
		workerSlots = defaultWorkerSlots
	}
	return &RealtimeService{
		registry: registry,
		sessions: sessions,
		locks:    locks,
		comments: comments,
		bus:      bus,
		workers:  semaphore.NewWeighted(int64(workerSlots)),
	}
}

// HandleWS upgrades the connection and runs it until the client goes
// away. The api handler has already authenticated the token; user
// identity arrives through the gin context.
func (s *RealtimeService) HandleWS(c *gin.Context) {
	userID := c.GetString("auth_user_id")
	documentID := strings.TrimSpace(c.Query("document_id"))
	if userID == "" || documentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document_id required"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	connectionID := uuid.NewString()
	conn := s.registry.Register(connectionID, ws)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := s.sessions.Start(ctx, documentID, userID, connectionID)
	if err != nil {
		commonlog.Warnf("event=collab_ws action=handshake status=refused document_id=%s user_id=%s error=%v", documentID, userID, err)
		s.registry.Unregister(connectionID)
		return
	}
	s.registry.BindUser(userID, connectionID)
	s.registry.BindDocument(documentID, connectionID)

	sub := s.bus.Subscribe(documentID)
	go s.writeLoop(ctx, conn, sub)

	commonlog.Infof("event=collab_ws action=open status=ok conn_id=%s session_id=%s document_id=%s user_id=%s", connectionID, session.SessionID, documentID, userID)
	s.readLoop(ctx, ws, conn, session)

	// single teardown path for explicit close and abrupt disconnect
	cancel()
	sub.Close()
	if err := s.sessions.End(context.Background(), session.SessionID, userID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		commonlog.Warnf("event=collab_ws action=teardown status=failed session_id=%s error=%v", session.SessionID, err)
	}
	s.registry.Unregister(connectionID)
	commonlog.Infof("event=collab_ws action=close status=ok conn_id=%s session_id=%s document_id=%s", connectionID, session.SessionID, documentID)
}

func (s *RealtimeService) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn, session domain.CollaborationSession) {
	_ = ws.SetReadDeadline(time.Now().Add(readDeadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				commonlog.Warnf("event=collab_ws action=read status=failed conn_id=%s error=%v", conn.ID, err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readDeadline))

		// Slots bound concurrent dispatch work across all connections.
		// Messages from one connection stay sequential, which keeps
		// that connection's publish order on the bus.
		if err := s.workers.Acquire(ctx, 1); err != nil {
			return
		}
		s.dispatch(ctx, conn, session, raw)
		s.workers.Release(1)
	}
}

func (s *RealtimeService) dispatch(ctx context.Context, conn *Conn, session domain.CollaborationSession, raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.writeError(conn, "invalid message")
		return
	}

	if _, err := s.sessions.Validate(ctx, session.SessionID, session.UserID); err != nil {
		s.writeError(conn, "session not found")
		return
	}

	var err error
	switch env.Type {
	case domain.EventContentChange:
		err = s.handleContentChange(ctx, session, raw)
	case domain.EventCursorPosition:
		err = s.handleCursorPosition(ctx, session, raw)
	case domain.EventTextSelection:
		err = s.handleTextSelection(ctx, session, raw)
	case domain.EventTypingIndicator:
		err = s.handleTypingIndicator(ctx, session, raw)
	case "comment":
		err = s.handleComment(ctx, session, raw)
	case "lock_section":
		err = s.handleLockSection(ctx, conn, session, raw)
	case "unlock_section":
		err = s.handleUnlockSection(ctx, session, raw)
	default:
		s.writeError(conn, "unknown message type")
		return
	}
	if err != nil {
		commonlog.Warnf("event=collab_ws action=dispatch status=failed conn_id=%s message_type=%s error=%v", conn.ID, env.Type, err)
		s.writeError(conn, clientMessage(err))
	}
}

// clientMessage decides what an in-band error frame may carry. Domain
// sentinels and payload validation errors go to the client as-is;
// anything else stays in the log.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, ErrLockConflict), errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrSessionNotFound):
		return err.Error()
	}
	var invalid invalidInputError
	if errors.As(err, &invalid) {
		return invalid.Error()
	}
	return "internal error"
}

type invalidInputError string

func (e invalidInputError) Error() string { return string(e) }

func (s *RealtimeService) handleContentChange(ctx context.Context, session domain.CollaborationSession, raw []byte) error {
	var in domain.ContentChangeInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return invalidInputError("invalid content_change payload")
	}
	if strings.TrimSpace(in.Operation) == "" || strings.TrimSpace(in.ChangeID) == "" {
		return invalidInputError("operation and changeId are required")
	}

	// Edits inside a section locked by someone else are refused; the
	// client re-fetches lock state and retries.
	active, err := s.locks.activeLocks(ctx, session.DocumentID)
	if err != nil {
		return err
	}
	for _, held := range active {
		if held.OwnerID != session.UserID && held.Overlaps(in.Position, in.Position+1) {
			return ErrLockConflict
		}
	}

	s.sessions.Touch(ctx, session)
	s.publishFromSession(ctx, session, domain.EventContentChange, map[string]any{
		"operation": in.Operation,
		"position":  in.Position,
		"content":   in.Content,
		"change_id": in.ChangeID,
	})
	return nil
}

func (s *RealtimeService) handleCursorPosition(ctx context.Context, session domain.CollaborationSession, raw []byte) error {
	var in domain.CursorPositionInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return invalidInputError("invalid cursor_position payload")
	}
	cursor := &domain.CursorState{Position: in.Position, Selection: in.Selection, UpdatedAt: time.Now().UTC()}
	s.sessions.UpdatePresence(ctx, session, domain.PresenceActive, cursor)
	s.publishFromSession(ctx, session, domain.EventCursorPosition, map[string]any{
		"position":  in.Position,
		"selection": in.Selection,
	})
	return nil
}

func (s *RealtimeService) handleTextSelection(ctx context.Context, session domain.CollaborationSession, raw []byte) error {
	var in domain.TextSelectionInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return invalidInputError("invalid text_selection payload")
	}
	s.sessions.Touch(ctx, session)
	s.publishFromSession(ctx, session, domain.EventTextSelection, map[string]any{
		"start_position": in.StartPosition,
		"end_position":   in.EndPosition,
		"selected_text":  in.SelectedText,
	})
	return nil
}

func (s *RealtimeService) handleTypingIndicator(ctx context.Context, session domain.CollaborationSession, raw []byte) error {
	var in domain.TypingIndicatorInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return invalidInputError("invalid typing_indicator payload")
	}
	status := domain.PresenceActive
	if in.IsTyping {
		status = domain.PresenceTyping
	}
	s.sessions.UpdatePresence(ctx, session, status, nil)
	s.publishFromSession(ctx, session, domain.EventTypingIndicator, map[string]any{
		"is_typing": in.IsTyping,
		"position":  in.Position,
	})
	return nil
}

func (s *RealtimeService) handleComment(ctx context.Context, session domain.CollaborationSession, raw []byte) error {
	var in domain.CommentInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return invalidInputError("invalid comment payload")
	}
	anchor := domain.CommentAnchor{
		StartPosition: in.Position.StartPosition,
		EndPosition:   in.Position.EndPosition,
		ContextText:   in.Position.ContextText,
	}
	_, err := s.comments.Add(ctx, session.DocumentID, session.UserID, session.SessionID, in.Content, anchor)
	return err
}

type lockSectionInput struct {
	StartPosition int    `json:"startPosition"`
	EndPosition   int    `json:"endPosition"`
	Reason        string `json:"reason"`
}

func (s *RealtimeService) handleLockSection(ctx context.Context, conn *Conn, session domain.CollaborationSession, raw []byte) error {
	var in lockSectionInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return invalidInputError("invalid lock_section payload")
	}
	lock, err := s.locks.Lock(ctx, session.DocumentID, session.UserID, session.SessionID, in.StartPosition, in.EndPosition, in.Reason)
	if err != nil {
		return err
	}
	// the owner gets the descriptor directly, peers see the bus event
	return conn.WriteJSON(outboundMessage{
		Type:       domain.EventSectionLocked,
		DocumentID: session.DocumentID,
		UserID:     session.UserID,
		Payload: map[string]any{
			"lock_id":        lock.LockID,
			"start_position": lock.StartPosition,
			"end_position":   lock.EndPosition,
			"expires_at":     lock.ExpiresAt,
		},
		Timestamp: time.Now().UTC(),
	})
}

type unlockSectionInput struct {
	LockID string `json:"lockId"`
}

func (s *RealtimeService) handleUnlockSection(ctx context.Context, session domain.CollaborationSession, raw []byte) error {
	var in unlockSectionInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return invalidInputError("invalid unlock_section payload")
	}
	return s.locks.Unlock(ctx, in.LockID, session.UserID, session.SessionID)
}

func (s *RealtimeService) publishFromSession(ctx context.Context, session domain.CollaborationSession, eventType string, payload map[string]any) {
	userName := s.sessions.presenceName(ctx, session.DocumentID, session.UserID)
	s.sessions.events.Publish(ctx, NewEvent(eventType, session.DocumentID, session.SessionID, session.UserID, userName, payload))
}

// writeLoop drains the bus subscription to the client and keeps the
// link alive with heartbeats.
func (s *RealtimeService) writeLoop(ctx context.Context, conn *Conn, sub *Subscription) {
	ticker := time.NewTicker(HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(outboundFromEvent(event)); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteJSON(outboundMessage{Type: domain.EventHeartbeat, Timestamp: time.Now().UTC()}); err != nil {
				return
			}
			conn.mu.Lock()
			_ = conn.transport.SetWriteDeadline(time.Now().Add(connWriteDeadline))
			err := conn.transport.WriteMessage(websocket.PingMessage, nil)
			conn.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func outboundFromEvent(event domain.CollaborationEvent) outboundMessage {
	msg := outboundMessage{
		Type:       event.Type,
		DocumentID: event.DocumentID,
		UserID:     event.UserID,
		UserName:   event.UserName,
		Payload:    event.Payload,
		Timestamp:  event.Timestamp,
	}
	switch event.Type {
	case domain.EventContentChange, domain.EventCursorPosition, domain.EventTextSelection,
		domain.EventTypingIndicator, domain.EventCommentAdded, domain.EventUserLeft,
		domain.EventNotification, domain.EventHeartbeat:
	default:
		msg.Type = "collaboration_event"
		msg.Event = event.Type
	}
	return msg
}

func (s *RealtimeService) writeError(conn *Conn, message string) {
	if err := conn.WriteJSON(gin.H{"type": "error", "error": message}); err != nil {
		commonlog.Debugf("event=collab_ws action=write_error status=failed conn_id=%s error=%v", conn.ID, err)
	}
}
