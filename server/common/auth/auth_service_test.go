package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab_server/server/common/auth"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := auth.NewService("test-secret", 60)

	token, err := svc.GenerateToken("user-1", "User One", "editor")
	require.NoError(t, err)

	userID, userName, role, err := svc.ParseAuthContext(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, "User One", userName)
	assert.Equal(t, "editor", role)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := auth.NewService("secret-a", 60).GenerateToken("user-1", "User One", "editor")
	require.NoError(t, err)

	_, err = auth.NewService("secret-b", 60).ParseToken(token)
	assert.Error(t, err)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := auth.NewService("secret", 60).ParseToken("not-a-token")
	assert.Error(t, err)
}
