package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab_server/server/collab/service"
)

func TestCheckAccessServedFromCacheOnSecondCall(t *testing.T) {
	var calls int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/internal/v1/docs/documents/access/check", r.URL.Path)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	client := service.NewDocmanClient(backend.URL)
	defer client.Close()
	ctx := context.Background()

	ok, err := client.CanRead(ctx, "doc-1", "user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.CanRead(ctx, "doc-1", "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCheckAccessCacheKeyedByLevel(t *testing.T) {
	var calls int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var payload struct {
			Level string `json:"level"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": payload.Level == "read"})
	}))
	defer backend.Close()

	client := service.NewDocmanClient(backend.URL)
	defer client.Close()
	ctx := context.Background()

	canRead, err := client.CanRead(ctx, "doc-1", "user-1")
	require.NoError(t, err)
	assert.True(t, canRead)

	canWrite, err := client.CanWrite(ctx, "doc-1", "user-1")
	require.NoError(t, err)
	assert.False(t, canWrite)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDisplayNameCached(t *testing.T) {
	var calls int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.Equal(t, "/api/internal/v1/docs/users/display-name", r.URL.Path)
		_, _ = w.Write([]byte(`{"display_name":"User One"}`))
	}))
	defer backend.Close()

	client := service.NewDocmanClient(backend.URL)
	defer client.Close()
	ctx := context.Background()

	name, err := client.DisplayName(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "User One", name)

	name, err = client.DisplayName(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "User One", name)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}
