package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab_server/server/collab/domain"
	"collab_server/server/collab/service"
)

func newCommentService(t *testing.T) (*testRig, *service.CommentService) {
	rig := newTestRig(t)
	comments := service.NewCommentService(rig.store, rig.events, fakeAccess{read: true, write: true}, fakeDirectory{"user-1": "User One", "user-2": "User Two"})
	return rig, comments
}

func TestCommentThreadRoundTrip(t *testing.T) {
	_, comments := newCommentService(t)
	ctx := context.Background()

	root, err := comments.Add(ctx, "doc-1", "user-1", "", "needs a citation", domain.CommentAnchor{
		StartPosition: 5,
		EndPosition:   15,
		ContextText:   "the quick brown",
	})
	require.NoError(t, err)
	require.NotNil(t, root.Anchor)
	assert.Equal(t, 5, root.Anchor.StartPosition)
	assert.Empty(t, root.ParentCommentID)

	reply, err := comments.Reply(ctx, root.CommentID, "user-2", "", "agreed, see RFC 2119")
	require.NoError(t, err)
	assert.Equal(t, root.CommentID, reply.ParentCommentID)
	assert.Equal(t, "doc-1", reply.DocumentID)
	assert.Nil(t, reply.Anchor)

	listed, err := comments.List(ctx, "doc-1", "user-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)

	roots := 0
	for _, c := range listed {
		if c.ParentCommentID == "" {
			roots++
		}
	}
	assert.Equal(t, 1, roots)

	resolved, err := comments.Resolve(ctx, root.CommentID, "user-1", "")
	require.NoError(t, err)
	assert.True(t, resolved.IsResolved)
	assert.True(t, resolved.UpdatedAt.After(root.UpdatedAt) || resolved.UpdatedAt.Equal(root.UpdatedAt))
}

func TestReplyToMissingParent(t *testing.T) {
	_, comments := newCommentService(t)
	_, err := comments.Reply(context.Background(), "no-such-comment", "user-1", "", "hello")
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestResolveTwiceIsNoOp(t *testing.T) {
	_, comments := newCommentService(t)
	ctx := context.Background()

	root, err := comments.Add(ctx, "doc-1", "user-1", "", "typo here", domain.CommentAnchor{StartPosition: 1, EndPosition: 2})
	require.NoError(t, err)

	first, err := comments.Resolve(ctx, root.CommentID, "user-1", "")
	require.NoError(t, err)
	second, err := comments.Resolve(ctx, root.CommentID, "user-1", "")
	require.NoError(t, err)
	assert.True(t, second.IsResolved)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestResolveMissingComment(t *testing.T) {
	_, comments := newCommentService(t)
	_, err := comments.Resolve(context.Background(), "no-such-comment", "user-1", "")
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestAddRequiresWriteAccess(t *testing.T) {
	rig := newTestRig(t)
	comments := service.NewCommentService(rig.store, rig.events, fakeAccess{read: true, write: false}, fakeDirectory{})

	_, err := comments.Add(context.Background(), "doc-1", "user-1", "", "nope", domain.CommentAnchor{})
	assert.ErrorIs(t, err, service.ErrAccessDenied)
}

func TestAddPublishesCommentAdded(t *testing.T) {
	rig, comments := newCommentService(t)
	sub := rig.bus.Subscribe("doc-1")
	defer sub.Close()

	created, err := comments.Add(context.Background(), "doc-1", "user-1", "sess-1", "check this", domain.CommentAnchor{StartPosition: 5, EndPosition: 15})
	require.NoError(t, err)

	event := receiveEvent(t, sub)
	assert.Equal(t, domain.EventCommentAdded, event.Type)
	assert.Equal(t, created.CommentID, event.Payload["comment_id"])
	assert.Equal(t, "User One", event.UserName)
}
