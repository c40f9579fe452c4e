package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"collab_server/server/collab/domain"
	"collab_server/server/collab/store"
	commonlog "collab_server/server/common/log"
)

func lockKey(lockID string) string {
	return "collab:lock:" + lockID
}

func docLocksKey(documentID string) string {
	return "collab:locks:" + documentID
}

// LockService grants and releases mutually-exclusive section locks.
// Lock records live in the shared store under the lock TTL; the
// per-document index set is pruned lazily as evicted entries are
// discovered.
type LockService struct {
	store  *store.Store
	events *EventPublisher
	access AccessChecker
	users  UserDirectory
}

func NewLockService(st *store.Store, events *EventPublisher, access AccessChecker, users UserDirectory) *LockService {
	return &LockService{store: st, events: events, access: access, users: users}
}

// Lock acquires [start, end) on the document for ownerID. Overlap with
// an active lock held by a different user fails with ErrLockConflict;
// the caller retries after release or expiry. Overlapping one's own
// locks is allowed.
func (s *LockService) Lock(ctx context.Context, documentID, ownerID, sessionID string, start, end int, reason string) (domain.SectionLock, error) {
	if start < 0 || end <= start {
		return domain.SectionLock{}, errors.New("invalid lock range")
	}
	ok, err := s.access.CanWrite(ctx, documentID, ownerID)
	if err != nil {
		return domain.SectionLock{}, fmt.Errorf("check write access: %w", err)
	}
	if !ok {
		return domain.SectionLock{}, ErrAccessDenied
	}

	active, err := s.activeLocks(ctx, documentID)
	if err != nil {
		return domain.SectionLock{}, err
	}
	for _, held := range active {
		if held.OwnerID != ownerID && held.Overlaps(start, end) {
			commonlog.Infof("event=section_lock action=acquire status=conflict document_id=%s owner_id=%s held_by=%s range=[%d,%d)", documentID, ownerID, held.OwnerID, start, end)
			return domain.SectionLock{}, ErrLockConflict
		}
	}

	now := time.Now().UTC()
	lock := domain.SectionLock{
		LockID:        uuid.NewString(),
		DocumentID:    documentID,
		OwnerID:       ownerID,
		StartPosition: start,
		EndPosition:   end,
		Reason:        reason,
		LockedAt:      now,
		ExpiresAt:     now.Add(LockTTL),
	}
	if err := s.store.SetJSON(ctx, lockKey(lock.LockID), lock, LockTTL); err != nil {
		return domain.SectionLock{}, fmt.Errorf("persist lock: %w", err)
	}
	if err := s.store.SetAdd(ctx, docLocksKey(documentID), lock.LockID); err != nil {
		return domain.SectionLock{}, fmt.Errorf("index lock: %w", err)
	}

	s.events.Publish(ctx, NewEvent(domain.EventSectionLocked, documentID, sessionID, ownerID, s.displayName(ctx, ownerID), map[string]any{
		"lock_id":        lock.LockID,
		"start_position": lock.StartPosition,
		"end_position":   lock.EndPosition,
		"reason":         lock.Reason,
		"expires_at":     lock.ExpiresAt,
	}))
	commonlog.Infof("event=section_lock action=acquire status=ok document_id=%s owner_id=%s lock_id=%s range=[%d,%d)", documentID, ownerID, lock.LockID, start, end)
	return lock, nil
}

// Unlock releases the lock. A missing or already-expired lock is a
// benign no-op; releasing someone else's lock is ErrAccessDenied.
func (s *LockService) Unlock(ctx context.Context, lockID, callerID, sessionID string) error {
	return s.release(ctx, lockID, callerID, sessionID, false)
}

// ForceUnlock releases a lock regardless of owner. Reserved for the
// admin surface.
func (s *LockService) ForceUnlock(ctx context.Context, lockID, callerID string) error {
	return s.release(ctx, lockID, callerID, "", true)
}

func (s *LockService) release(ctx context.Context, lockID, callerID, sessionID string, force bool) error {
	var lock domain.SectionLock
	err := s.store.GetJSON(ctx, lockKey(lockID), &lock)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load lock: %w", err)
	}
	if !force && lock.OwnerID != callerID {
		return ErrAccessDenied
	}

	if err := s.store.Delete(ctx, lockKey(lockID)); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	if err := s.store.SetRemove(ctx, docLocksKey(lock.DocumentID), lockID); err != nil {
		commonlog.Warnf("event=section_lock action=unindex status=failed document_id=%s lock_id=%s error=%v", lock.DocumentID, lockID, err)
	}

	s.events.Publish(ctx, NewEvent(domain.EventSectionUnlocked, lock.DocumentID, sessionID, callerID, s.displayName(ctx, callerID), map[string]any{
		"lock_id":        lockID,
		"start_position": lock.StartPosition,
		"end_position":   lock.EndPosition,
	}))
	commonlog.Infof("event=section_lock action=release status=ok document_id=%s caller_id=%s lock_id=%s forced=%t", lock.DocumentID, callerID, lockID, force)
	return nil
}

// ListActive returns the document's non-expired locks. Requires read
// access.
func (s *LockService) ListActive(ctx context.Context, documentID, callerID string) ([]domain.SectionLock, error) {
	ok, err := s.access.CanRead(ctx, documentID, callerID)
	if err != nil {
		return nil, fmt.Errorf("check read access: %w", err)
	}
	if !ok {
		return nil, ErrAccessDenied
	}
	return s.activeLocks(ctx, documentID)
}

func (s *LockService) activeLocks(ctx context.Context, documentID string) ([]domain.SectionLock, error) {
	ids, err := s.store.SetMembers(ctx, docLocksKey(documentID))
	if err != nil {
		return nil, fmt.Errorf("list lock index: %w", err)
	}
	now := time.Now().UTC()
	locks := make([]domain.SectionLock, 0, len(ids))
	for _, id := range ids {
		var lock domain.SectionLock
		err := s.store.GetJSON(ctx, lockKey(id), &lock)
		if errors.Is(err, store.ErrKeyNotFound) {
			// evicted by TTL, drop the stale index entry
			_ = s.store.SetRemove(ctx, docLocksKey(documentID), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load lock %s: %w", id, err)
		}
		if lock.IsExpired(now) {
			continue
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

func (s *LockService) displayName(ctx context.Context, userID string) string {
	name, err := s.users.DisplayName(ctx, userID)
	if err != nil || name == "" {
		return userID
	}
	return name
}
