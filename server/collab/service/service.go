package service

import (
	"context"
	"errors"
	"time"

	"collab_server/server/collab/domain"
)

var (
	ErrAccessDenied    = errors.New("access denied")
	ErrSessionNotFound = errors.New("session not found")
	ErrLockConflict    = errors.New("section is locked by another user")
	ErrNotFound        = errors.New("not found")
)

// AccessChecker answers document permission questions. Backed by the
// external document service in production, by fakes in tests.
type AccessChecker interface {
	CanRead(ctx context.Context, documentID, userID string) (bool, error)
	CanWrite(ctx context.Context, documentID, userID string) (bool, error)
}

// UserDirectory resolves user ids to display names.
type UserDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// EventSink receives every collaboration event for cross-cutting
// audit/notification concerns. Delivery is best-effort.
type EventSink interface {
	Publish(ctx context.Context, event domain.CollaborationEvent) error
}

const (
	SessionTTL     = 24 * time.Hour
	PresenceTTL    = 30 * time.Minute
	LockTTL        = 30 * time.Minute
	HeartbeatEvery = 30 * time.Second
)
