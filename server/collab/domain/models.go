package domain

import "time"

const (
	SessionStatusActive = "ACTIVE"
	SessionStatusEnded  = "ENDED"
)

const (
	PresenceActive  = "ACTIVE"
	PresenceIdle    = "IDLE"
	PresenceTyping  = "TYPING"
	PresenceAway    = "AWAY"
	PresenceOffline = "OFFLINE"
)

type CollaborationSession struct {
	SessionID    string    `json:"session_id"`
	DocumentID   string    `json:"document_id"`
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
}

type CursorState struct {
	Position  int       `json:"position"`
	Selection string    `json:"selection,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Presence struct {
	DocumentID string       `json:"document_id"`
	UserID     string       `json:"user_id"`
	UserName   string       `json:"user_name"`
	Status     string       `json:"status"`
	Cursor     *CursorState `json:"cursor,omitempty"`
	LastSeenAt time.Time    `json:"last_seen_at"`
}

// SectionLock claims the half-open range [StartPosition, EndPosition)
// of a document for a single owner until released or expired.
type SectionLock struct {
	LockID        string    `json:"lock_id"`
	DocumentID    string    `json:"document_id"`
	OwnerID       string    `json:"owner_id"`
	StartPosition int       `json:"start_position"`
	EndPosition   int       `json:"end_position"`
	Reason        string    `json:"reason"`
	LockedAt      time.Time `json:"locked_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (l SectionLock) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

func (l SectionLock) Overlaps(start, end int) bool {
	return l.StartPosition < end && start < l.EndPosition
}

// CommentAnchor pins a root comment to a document range. Replies carry
// no anchor of their own.
type CommentAnchor struct {
	StartPosition int    `json:"start_position"`
	EndPosition   int    `json:"end_position"`
	ContextText   string `json:"context_text"`
}

type Comment struct {
	CommentID       string         `json:"comment_id"`
	DocumentID      string         `json:"document_id"`
	AuthorID        string         `json:"author_id"`
	Content         string         `json:"content"`
	Anchor          *CommentAnchor `json:"anchor,omitempty"`
	ParentCommentID string         `json:"parent_comment_id,omitempty"`
	IsResolved      bool           `json:"is_resolved"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
