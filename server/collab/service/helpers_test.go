package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"collab_server/server/collab/domain"
	"collab_server/server/collab/service"
	"collab_server/server/collab/store"
)

type fakeAccess struct {
	read  bool
	write bool
}

func (f fakeAccess) CanRead(ctx context.Context, documentID, userID string) (bool, error) {
	return f.read, nil
}

func (f fakeAccess) CanWrite(ctx context.Context, documentID, userID string) (bool, error) {
	return f.write, nil
}

type fakeDirectory map[string]string

func (f fakeDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	return f[userID], nil
}

type testRig struct {
	redis  *miniredis.Miniredis
	store  *store.Store
	bus    *service.Bus
	events *service.EventPublisher
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := service.NewBus()
	return &testRig{
		redis:  mr,
		store:  store.New(client),
		bus:    bus,
		events: service.NewEventPublisher(bus, nil),
	}
}

func receiveEvent(t *testing.T, sub *service.Subscription) domain.CollaborationEvent {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		require.True(t, ok, "subscription closed before event arrived")
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return domain.CollaborationEvent{}
	}
}

func requireNoEvent(t *testing.T, sub *service.Subscription) {
	t.Helper()
	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected event %s on document %s", event.Type, event.DocumentID)
	case <-time.After(50 * time.Millisecond):
	}
}
