package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"collab_server/server/collab/domain"
	"collab_server/server/collab/store"
	commonlog "collab_server/server/common/log"
)

func sessionKey(sessionID string) string {
	return "collab:session:" + sessionID
}

func presenceKey(documentID, userID string) string {
	return "collab:presence:" + documentID + ":" + userID
}

func presencePrefix(documentID string) string {
	return "collab:presence:" + documentID + ":"
}

// SessionService coordinates collaboration session lifecycle and
// presence. The shared store is the source of truth; session records
// carry a TTL as a safety net against orphans left by crashed peers.
type SessionService struct {
	store  *store.Store
	events *EventPublisher
	access AccessChecker
	users  UserDirectory
}

func NewSessionService(st *store.Store, events *EventPublisher, access AccessChecker, users UserDirectory) *SessionService {
	return &SessionService{store: st, events: events, access: access, users: users}
}

// Start opens a session for userID on documentID. The caller must
// hold read access; on success presence is registered as ACTIVE and a
// user_joined event is published to the document.
func (s *SessionService) Start(ctx context.Context, documentID, userID, connectionID string) (domain.CollaborationSession, error) {
	documentID = strings.TrimSpace(documentID)
	userID = strings.TrimSpace(userID)
	if documentID == "" || userID == "" {
		return domain.CollaborationSession{}, errors.New("document_id and user_id are required")
	}

	ok, err := s.access.CanRead(ctx, documentID, userID)
	if err != nil {
		return domain.CollaborationSession{}, fmt.Errorf("check read access: %w", err)
	}
	if !ok {
		return domain.CollaborationSession{}, ErrAccessDenied
	}

	userName := s.displayName(ctx, userID)
	session := domain.CollaborationSession{
		SessionID:    uuid.NewString(),
		DocumentID:   documentID,
		UserID:       userID,
		ConnectionID: connectionID,
		Status:       domain.SessionStatusActive,
		StartedAt:    time.Now().UTC(),
	}
	if err := s.store.SetJSON(ctx, sessionKey(session.SessionID), session, SessionTTL); err != nil {
		return domain.CollaborationSession{}, fmt.Errorf("persist session: %w", err)
	}

	presence := domain.Presence{
		DocumentID: documentID,
		UserID:     userID,
		UserName:   userName,
		Status:     domain.PresenceActive,
		LastSeenAt: session.StartedAt,
	}
	if err := s.store.SetJSON(ctx, presenceKey(documentID, userID), presence, PresenceTTL); err != nil {
		return domain.CollaborationSession{}, fmt.Errorf("persist presence: %w", err)
	}

	s.events.Publish(ctx, NewEvent(domain.EventUserJoined, documentID, session.SessionID, userID, userName, map[string]any{
		"connection_id": connectionID,
	}))
	commonlog.Infof("event=collab_session action=start status=ok session_id=%s document_id=%s user_id=%s", session.SessionID, documentID, userID)
	return session, nil
}

// Validate loads the session and confirms userID owns it. A missing
// or foreign session both surface as ErrSessionNotFound.
func (s *SessionService) Validate(ctx context.Context, sessionID, userID string) (domain.CollaborationSession, error) {
	var session domain.CollaborationSession
	err := s.store.GetJSON(ctx, sessionKey(sessionID), &session)
	if errors.Is(err, store.ErrKeyNotFound) {
		return domain.CollaborationSession{}, ErrSessionNotFound
	}
	if err != nil {
		return domain.CollaborationSession{}, fmt.Errorf("load session: %w", err)
	}
	if session.UserID != userID || session.Status != domain.SessionStatusActive {
		return domain.CollaborationSession{}, ErrSessionNotFound
	}
	return session, nil
}

// End terminates the session: presence removed, user_left published,
// session record deleted. Only the owning user may end it.
func (s *SessionService) End(ctx context.Context, sessionID, userID string) error {
	session, err := s.Validate(ctx, sessionID, userID)
	if err != nil {
		return err
	}

	userName := s.presenceName(ctx, session.DocumentID, session.UserID)
	if err := s.store.Delete(ctx, presenceKey(session.DocumentID, session.UserID), sessionKey(sessionID)); err != nil {
		return fmt.Errorf("delete session state: %w", err)
	}

	s.events.Publish(ctx, NewEvent(domain.EventUserLeft, session.DocumentID, sessionID, session.UserID, userName, nil))
	commonlog.Infof("event=collab_session action=end status=ok session_id=%s document_id=%s user_id=%s", sessionID, session.DocumentID, session.UserID)
	return nil
}

// Touch refreshes the session record's TTL and its presence. Called
// on every inbound message so idle users age out after PresenceTTL
// and active sessions outlive SessionTTL.
func (s *SessionService) Touch(ctx context.Context, session domain.CollaborationSession) {
	if err := s.store.Expire(ctx, sessionKey(session.SessionID), SessionTTL); err != nil {
		commonlog.Warnf("event=collab_session action=touch status=failed session_id=%s error=%v", session.SessionID, err)
	}
	s.refreshPresence(ctx, session, "", nil)
}

// UpdatePresence records a new status and optional cursor for the
// session's user, refreshing the TTL.
func (s *SessionService) UpdatePresence(ctx context.Context, session domain.CollaborationSession, status string, cursor *domain.CursorState) {
	s.refreshPresence(ctx, session, status, cursor)
}

func (s *SessionService) refreshPresence(ctx context.Context, session domain.CollaborationSession, status string, cursor *domain.CursorState) {
	key := presenceKey(session.DocumentID, session.UserID)
	var presence domain.Presence
	if err := s.store.GetJSON(ctx, key, &presence); err != nil {
		presence = domain.Presence{
			DocumentID: session.DocumentID,
			UserID:     session.UserID,
			UserName:   s.displayName(ctx, session.UserID),
			Status:     domain.PresenceActive,
		}
	}
	if status != "" {
		presence.Status = status
	}
	if cursor != nil {
		presence.Cursor = cursor
	}
	presence.LastSeenAt = time.Now().UTC()
	if err := s.store.SetJSON(ctx, key, presence, PresenceTTL); err != nil {
		commonlog.Warnf("event=collab_session action=refresh_presence status=failed document_id=%s user_id=%s error=%v", session.DocumentID, session.UserID, err)
	}
}

// ActiveCollaborators lists presence records the store has not yet
// TTL-evicted for the document.
func (s *SessionService) ActiveCollaborators(ctx context.Context, documentID string) ([]domain.Presence, error) {
	keys, err := s.store.ScanByPrefix(ctx, presencePrefix(documentID))
	if err != nil {
		return nil, fmt.Errorf("scan presence: %w", err)
	}
	collaborators := make([]domain.Presence, 0, len(keys))
	for _, key := range keys {
		var presence domain.Presence
		if err := s.store.GetJSON(ctx, key, &presence); err != nil {
			continue
		}
		// The prefix scan also matches colon-extended document ids;
		// keep only exact matches.
		if presence.DocumentID != documentID {
			continue
		}
		collaborators = append(collaborators, presence)
	}
	return collaborators, nil
}

// CanRead exposes the document read check for callers outside the
// session flow (the REST surface).
func (s *SessionService) CanRead(ctx context.Context, documentID, userID string) (bool, error) {
	return s.access.CanRead(ctx, documentID, userID)
}

func (s *SessionService) displayName(ctx context.Context, userID string) string {
	name, err := s.users.DisplayName(ctx, userID)
	if err != nil || strings.TrimSpace(name) == "" {
		return userID
	}
	return name
}

func (s *SessionService) presenceName(ctx context.Context, documentID, userID string) string {
	var presence domain.Presence
	if err := s.store.GetJSON(ctx, presenceKey(documentID, userID), &presence); err == nil && presence.UserName != "" {
		return presence.UserName
	}
	return s.displayName(ctx, userID)
}
