package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"collab_server/server/collab/domain"
	"collab_server/server/collab/store"
	commonlog "collab_server/server/common/log"
)

func commentKey(commentID string) string {
	return "collab:comment:" + commentID
}

func docCommentsKey(documentID string) string {
	return "collab:comments:" + documentID
}

// CommentService manages threaded inline comments. Comments are kept
// flat in the store; callers reconstruct the reply tree from
// parent_comment_id.
type CommentService struct {
	store  *store.Store
	events *EventPublisher
	access AccessChecker
	users  UserDirectory
}

func NewCommentService(st *store.Store, events *EventPublisher, access AccessChecker, users UserDirectory) *CommentService {
	return &CommentService{store: st, events: events, access: access, users: users}
}

// Add creates a root comment anchored to a document position.
func (s *CommentService) Add(ctx context.Context, documentID, authorID, sessionID, content string, anchor domain.CommentAnchor) (domain.Comment, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Comment{}, errors.New("content is required")
	}
	ok, err := s.access.CanWrite(ctx, documentID, authorID)
	if err != nil {
		return domain.Comment{}, fmt.Errorf("check write access: %w", err)
	}
	if !ok {
		return domain.Comment{}, ErrAccessDenied
	}

	now := time.Now().UTC()
	comment := domain.Comment{
		CommentID:  uuid.NewString(),
		DocumentID: documentID,
		AuthorID:   authorID,
		Content:    content,
		Anchor:     &anchor,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.persist(ctx, comment); err != nil {
		return domain.Comment{}, err
	}

	s.events.Publish(ctx, NewEvent(domain.EventCommentAdded, documentID, sessionID, authorID, s.displayName(ctx, authorID), map[string]any{
		"comment_id":     comment.CommentID,
		"content":        comment.Content,
		"start_position": anchor.StartPosition,
		"end_position":   anchor.EndPosition,
		"context_text":   anchor.ContextText,
	}))
	commonlog.Infof("event=comment_thread action=add status=ok document_id=%s author_id=%s comment_id=%s", documentID, authorID, comment.CommentID)
	return comment, nil
}

// Reply attaches a comment to an existing parent. The reply inherits
// the parent's document and carries no anchor of its own.
func (s *CommentService) Reply(ctx context.Context, parentID, authorID, sessionID, content string) (domain.Comment, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Comment{}, errors.New("content is required")
	}
	var parent domain.Comment
	err := s.store.GetJSON(ctx, commentKey(parentID), &parent)
	if errors.Is(err, store.ErrKeyNotFound) {
		return domain.Comment{}, ErrNotFound
	}
	if err != nil {
		return domain.Comment{}, fmt.Errorf("load parent comment: %w", err)
	}
	ok, err := s.access.CanWrite(ctx, parent.DocumentID, authorID)
	if err != nil {
		return domain.Comment{}, fmt.Errorf("check write access: %w", err)
	}
	if !ok {
		return domain.Comment{}, ErrAccessDenied
	}

	now := time.Now().UTC()
	reply := domain.Comment{
		CommentID:       uuid.NewString(),
		DocumentID:      parent.DocumentID,
		AuthorID:        authorID,
		Content:         content,
		ParentCommentID: parent.CommentID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.persist(ctx, reply); err != nil {
		return domain.Comment{}, err
	}

	s.events.Publish(ctx, NewEvent(domain.EventCommentAdded, parent.DocumentID, sessionID, authorID, s.displayName(ctx, authorID), map[string]any{
		"comment_id":        reply.CommentID,
		"parent_comment_id": parent.CommentID,
		"content":           reply.Content,
	}))
	commonlog.Infof("event=comment_thread action=reply status=ok document_id=%s author_id=%s comment_id=%s parent_id=%s", parent.DocumentID, authorID, reply.CommentID, parentID)
	return reply, nil
}

// Resolve marks the comment resolved. Resolving an already-resolved
// comment is a harmless no-op; there is no un-resolve.
func (s *CommentService) Resolve(ctx context.Context, commentID, callerID, sessionID string) (domain.Comment, error) {
	var comment domain.Comment
	err := s.store.GetJSON(ctx, commentKey(commentID), &comment)
	if errors.Is(err, store.ErrKeyNotFound) {
		return domain.Comment{}, ErrNotFound
	}
	if err != nil {
		return domain.Comment{}, fmt.Errorf("load comment: %w", err)
	}
	ok, err := s.access.CanRead(ctx, comment.DocumentID, callerID)
	if err != nil {
		return domain.Comment{}, fmt.Errorf("check read access: %w", err)
	}
	if !ok {
		return domain.Comment{}, ErrAccessDenied
	}
	if comment.IsResolved {
		return comment, nil
	}

	comment.IsResolved = true
	comment.UpdatedAt = time.Now().UTC()
	if err := s.persist(ctx, comment); err != nil {
		return domain.Comment{}, err
	}

	s.events.Publish(ctx, NewEvent(domain.EventCommentResolved, comment.DocumentID, sessionID, callerID, s.displayName(ctx, callerID), map[string]any{
		"comment_id": comment.CommentID,
	}))
	commonlog.Infof("event=comment_thread action=resolve status=ok document_id=%s comment_id=%s caller_id=%s", comment.DocumentID, commentID, callerID)
	return comment, nil
}

// List returns every comment on the document, oldest first.
func (s *CommentService) List(ctx context.Context, documentID, callerID string) ([]domain.Comment, error) {
	ok, err := s.access.CanRead(ctx, documentID, callerID)
	if err != nil {
		return nil, fmt.Errorf("check read access: %w", err)
	}
	if !ok {
		return nil, ErrAccessDenied
	}

	ids, err := s.store.SetMembers(ctx, docCommentsKey(documentID))
	if err != nil {
		return nil, fmt.Errorf("list comment index: %w", err)
	}
	comments := make([]domain.Comment, 0, len(ids))
	for _, id := range ids {
		var comment domain.Comment
		if err := s.store.GetJSON(ctx, commentKey(id), &comment); err != nil {
			continue
		}
		comments = append(comments, comment)
	}
	sort.Slice(comments, func(i, j int) bool {
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
	return comments, nil
}

func (s *CommentService) persist(ctx context.Context, comment domain.Comment) error {
	if err := s.store.SetJSON(ctx, commentKey(comment.CommentID), comment, 0); err != nil {
		return fmt.Errorf("persist comment: %w", err)
	}
	if err := s.store.SetAdd(ctx, docCommentsKey(comment.DocumentID), comment.CommentID); err != nil {
		return fmt.Errorf("index comment: %w", err)
	}
	return nil
}

func (s *CommentService) displayName(ctx context.Context, userID string) string {
	name, err := s.users.DisplayName(ctx, userID)
	if err != nil || name == "" {
		return userID
	}
	return name
}
