package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonauth "collab_server/server/common/auth"
	"collab_server/server/common/middleware"
)

func newRoleRouter(auth *commonauth.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.DELETE("/admin/locks/:lockId",
		middleware.AuthRequired(auth),
		middleware.RequireRoles("admin"),
		func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) },
	)
	return r
}

func doDelete(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodDelete, "/admin/locks/lock-1", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRequireRolesAllowsAdmin(t *testing.T) {
	auth := commonauth.NewService("test-secret", 60)
	token, err := auth.GenerateToken("user-1", "Admin One", "admin")
	require.NoError(t, err)

	rec := doDelete(newRoleRouter(auth), token)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireRolesRejectsOtherRole(t *testing.T) {
	auth := commonauth.NewService("test-secret", 60)
	token, err := auth.GenerateToken("user-2", "Ed Itor", "editor")
	require.NoError(t, err)

	rec := doDelete(newRoleRouter(auth), token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireRolesWithoutToken(t *testing.T) {
	auth := commonauth.NewService("test-secret", 60)
	rec := doDelete(newRoleRouter(auth), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
