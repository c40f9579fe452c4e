package domain

import "time"

const (
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventContentChange   = "content_change"
	EventCursorPosition  = "cursor_position"
	EventTextSelection   = "text_selection"
	EventTypingIndicator = "typing_indicator"
	EventCommentAdded    = "comment_added"
	EventCommentResolved = "comment_resolved"
	EventSectionLocked   = "section_locked"
	EventSectionUnlocked = "section_unlocked"
	EventNotification    = "notification"
	EventHeartbeat       = "heartbeat"
)

// CollaborationEvent is produced once per user action and fanned out
// to every live subscriber of the document. Events are never replayed
// to late joiners.
type CollaborationEvent struct {
	EventID    string         `json:"event_id"`
	Type       string         `json:"type"`
	DocumentID string         `json:"document_id"`
	SessionID  string         `json:"session_id,omitempty"`
	UserID     string         `json:"user_id"`
	UserName   string         `json:"user_name"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Inbound message payloads, decoded from the client envelope by type.

type ContentChangeInput struct {
	Operation string `json:"operation"`
	Position  int    `json:"position"`
	Content   string `json:"content"`
	ChangeID  string `json:"changeId"`
}

type CursorPositionInput struct {
	Position  int    `json:"position"`
	Selection string `json:"selection,omitempty"`
}

type TextSelectionInput struct {
	StartPosition int    `json:"startPosition"`
	EndPosition   int    `json:"endPosition"`
	SelectedText  string `json:"selectedText"`
}

type TypingIndicatorInput struct {
	IsTyping bool `json:"isTyping"`
	Position int  `json:"position"`
}

type CommentInput struct {
	Content  string `json:"content"`
	Position struct {
		StartPosition int    `json:"startPosition"`
		EndPosition   int    `json:"endPosition"`
		ContextText   string `json:"contextText"`
	} `json:"position"`
}
