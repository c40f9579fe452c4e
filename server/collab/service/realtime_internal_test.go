package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab_server/server/collab/domain"
	"collab_server/server/collab/store"
)

type recordingTransport struct {
	mu       sync.Mutex
	messages [][]byte
}

func (r *recordingTransport) WriteMessage(messageType int, data []byte) error {
	r.mu.Lock()
	r.messages = append(r.messages, data)
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) SetWriteDeadline(t time.Time) error { return nil }
func (r *recordingTransport) Close() error                       { return nil }

func (r *recordingTransport) last(t *testing.T) map[string]any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.messages)
	var out map[string]any
	require.NoError(t, json.Unmarshal(r.messages[len(r.messages)-1], &out))
	return out
}

type allowAllAccess struct{}

func (allowAllAccess) CanRead(ctx context.Context, documentID, userID string) (bool, error) {
	return true, nil
}

func (allowAllAccess) CanWrite(ctx context.Context, documentID, userID string) (bool, error) {
	return true, nil
}

type staticDirectory struct{}

func (staticDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	return "Name of " + userID, nil
}

type dispatchRig struct {
	svc      *RealtimeService
	sessions *SessionService
	locks    *LockService
	bus      *Bus
	conn     *Conn
	wire     *recordingTransport
	session  domain.CollaborationSession
}

func newDispatchRig(t *testing.T, userID string) *dispatchRig {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.New(client)
	bus := NewBus()
	events := NewEventPublisher(bus, nil)
	sessions := NewSessionService(st, events, allowAllAccess{}, staticDirectory{})
	locks := NewLockService(st, events, allowAllAccess{}, staticDirectory{})
	comments := NewCommentService(st, events, allowAllAccess{}, staticDirectory{})
	svc := NewRealtimeService(NewRegistry(), sessions, locks, comments, bus, 4)

	session, err := sessions.Start(context.Background(), "doc-1", userID, "conn-1")
	require.NoError(t, err)

	wire := &recordingTransport{}
	conn := svc.registry.Register("conn-1", wire)

	return &dispatchRig{svc: svc, sessions: sessions, locks: locks, bus: bus, conn: conn, wire: wire, session: session}
}

func TestDispatchContentChangePublishes(t *testing.T) {
	rig := newDispatchRig(t, "user-1")
	sub := rig.bus.Subscribe("doc-1")
	defer sub.Close()

	raw := []byte(`{"type":"content_change","operation":"insert","position":7,"content":"hi","changeId":"ch-1"}`)
	rig.svc.dispatch(context.Background(), rig.conn, rig.session, raw)

	select {
	case event := <-sub.Events():
		assert.Equal(t, domain.EventContentChange, event.Type)
		assert.Equal(t, "insert", event.Payload["operation"])
		assert.Equal(t, "ch-1", event.Payload["change_id"])
		assert.Equal(t, "Name of user-1", event.UserName)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestDispatchContentChangeRefusedInsideForeignLock(t *testing.T) {
	rig := newDispatchRig(t, "user-1")
	_, err := rig.locks.Lock(context.Background(), "doc-1", "user-2", "", 0, 100, "editing")
	require.NoError(t, err)

	raw := []byte(`{"type":"content_change","operation":"insert","position":7,"content":"hi","changeId":"ch-1"}`)
	rig.svc.dispatch(context.Background(), rig.conn, rig.session, raw)

	msg := rig.wire.last(t)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["error"], "locked")
}

func TestDispatchRejectsStaleSession(t *testing.T) {
	rig := newDispatchRig(t, "user-1")
	require.NoError(t, rig.sessions.End(context.Background(), rig.session.SessionID, "user-1"))

	raw := []byte(`{"type":"cursor_position","position":3}`)
	rig.svc.dispatch(context.Background(), rig.conn, rig.session, raw)

	msg := rig.wire.last(t)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "session not found", msg["error"])
}

func TestDispatchUnknownType(t *testing.T) {
	rig := newDispatchRig(t, "user-1")
	rig.svc.dispatch(context.Background(), rig.conn, rig.session, []byte(`{"type":"teleport"}`))

	msg := rig.wire.last(t)
	assert.Equal(t, "error", msg["type"])
}

func TestDispatchLockSectionReturnsDescriptor(t *testing.T) {
	rig := newDispatchRig(t, "user-1")

	raw := []byte(`{"type":"lock_section","startPosition":10,"endPosition":50,"reason":"editing"}`)
	rig.svc.dispatch(context.Background(), rig.conn, rig.session, raw)

	msg := rig.wire.last(t)
	require.Equal(t, domain.EventSectionLocked, msg["type"])
	payload, ok := msg["payload"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, payload["lock_id"])

	active, err := rig.locks.ListActive(context.Background(), "doc-1", "user-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "user-1", active[0].OwnerID)
}

func TestDispatchUnlockSectionBenignOnMissingLock(t *testing.T) {
	rig := newDispatchRig(t, "user-1")
	rig.svc.dispatch(context.Background(), rig.conn, rig.session, []byte(`{"type":"unlock_section","lockId":"gone"}`))

	rig.wire.mu.Lock()
	defer rig.wire.mu.Unlock()
	for _, raw := range rig.wire.messages {
		var msg map[string]any
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.NotEqual(t, "error", msg["type"])
	}
}

func TestDispatchCommentCreatesAndBroadcasts(t *testing.T) {
	rig := newDispatchRig(t, "user-1")
	sub := rig.bus.Subscribe("doc-1")
	defer sub.Close()

	raw := []byte(`{"type":"comment","content":"looks wrong","position":{"startPosition":5,"endPosition":15,"contextText":"foo"}}`)
	rig.svc.dispatch(context.Background(), rig.conn, rig.session, raw)

	select {
	case event := <-sub.Events():
		assert.Equal(t, domain.EventCommentAdded, event.Type)
		assert.Equal(t, "looks wrong", event.Payload["content"])
	case <-time.After(time.Second):
		t.Fatal("no comment event published")
	}
}

func TestClientMessageHidesInternalErrors(t *testing.T) {
	assert.Equal(t, "internal error", clientMessage(fmt.Errorf("load lock: %w", errors.New("redis: connection refused"))))
	assert.Equal(t, ErrLockConflict.Error(), clientMessage(fmt.Errorf("refuse edit: %w", ErrLockConflict)))
	assert.Equal(t, ErrAccessDenied.Error(), clientMessage(ErrAccessDenied))
	assert.Equal(t, "invalid comment payload", clientMessage(invalidInputError("invalid comment payload")))
}

func TestOutboundEnvelopeShape(t *testing.T) {
	event := NewEvent(domain.EventSectionLocked, "doc-1", "sess-1", "user-1", "User One", map[string]any{"lock_id": "l1"})
	msg := outboundFromEvent(event)
	assert.Equal(t, "collaboration_event", msg.Type)
	assert.Equal(t, domain.EventSectionLocked, msg.Event)

	direct := outboundFromEvent(NewEvent(domain.EventContentChange, "doc-1", "", "user-1", "", nil))
	assert.Equal(t, domain.EventContentChange, direct.Type)
	assert.Empty(t, direct.Event)
}
