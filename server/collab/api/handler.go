package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"collab_server/server/collab/domain"
	"collab_server/server/collab/service"
	commonauth "collab_server/server/common/auth"
	"collab_server/server/common/middleware"
)

type Handler struct {
	realtime *service.RealtimeService
	sessions *service.SessionService
	locks    *service.LockService
	comments *service.CommentService
	auth     *commonauth.Service
}

func NewHandler(realtime *service.RealtimeService, sessions *service.SessionService, locks *service.LockService, comments *service.CommentService, jwtSecret string, jwtTTLMinutes int) *Handler {
	auth := commonauth.NewService(jwtSecret, jwtTTLMinutes)
	return &Handler{realtime: realtime, sessions: sessions, locks: locks, comments: comments, auth: auth}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok")) })
	r.GET("/ws", h.handleWS)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.GET("/documents/:id/locks", h.listLocks)
		api.POST("/documents/:id/locks", h.acquireLock)
		api.DELETE("/locks/:lockId", h.releaseLock)
		api.GET("/documents/:id/comments", h.listComments)
		api.POST("/documents/:id/comments", h.addComment)
		api.POST("/comments/:commentId/replies", h.replyToComment)
		api.POST("/comments/:commentId/resolve", h.resolveComment)
		api.GET("/documents/:id/collaborators", h.listCollaborators)
	}

	admin := r.Group("/api/v1/admin")
	admin.Use(middleware.AuthRequired(h.auth), middleware.RequireRoles("admin"))
	{
		admin.DELETE("/locks/:lockId", h.forceReleaseLock)
	}
}

// handleWS is the collaboration handshake: token and document id, or
// the connection is refused before any payload flows.
func (h *Handler) handleWS(c *gin.Context) {
	token, ok := wsAccessToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse("bearer token is required"))
		return
	}
	userID, userName, _, err := h.auth.ParseAuthContext(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse("invalid token"))
		return
	}
	documentID := strings.TrimSpace(c.Query("document_id"))
	if documentID == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse("document_id required"))
		return
	}
	c.Set("auth_user_id", userID)
	c.Set("auth_user_name", userName)
	h.realtime.HandleWS(c)
}

func wsAccessToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		return "", false
	}
	return token, true
}

func (h *Handler) listLocks(c *gin.Context) {
	documentID := c.Param("id")
	locks, err := h.locks.ListActive(c.Request.Context(), documentID, c.GetString("auth_user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, LocksResponse{DocumentID: documentID, Locks: locks})
}

type acquireLockRequest struct {
	StartPosition int    `json:"start_position"`
	EndPosition   int    `json:"end_position"`
	Reason        string `json:"reason"`
}

func (h *Handler) acquireLock(c *gin.Context) {
	var req acquireLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	lock, err := h.locks.Lock(c.Request.Context(), c.Param("id"), c.GetString("auth_user_id"), "", req.StartPosition, req.EndPosition, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lock)
}

func (h *Handler) releaseLock(c *gin.Context) {
	if err := h.locks.Unlock(c.Request.Context(), c.Param("lockId"), c.GetString("auth_user_id"), ""); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

// forceReleaseLock clears a stuck lock on behalf of its owner. The
// route is admin-gated; ownership is not checked here.
func (h *Handler) forceReleaseLock(c *gin.Context) {
	if err := h.locks.ForceUnlock(c.Request.Context(), c.Param("lockId"), c.GetString("auth_user_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) listComments(c *gin.Context) {
	documentID := c.Param("id")
	comments, err := h.comments.List(c.Request.Context(), documentID, c.GetString("auth_user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, CommentsResponse{DocumentID: documentID, Comments: comments})
}

type addCommentRequest struct {
	Content  string               `json:"content"`
	Position domain.CommentAnchor `json:"position"`
}

func (h *Handler) addComment(c *gin.Context) {
	var req addCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	comment, err := h.comments.Add(c.Request.Context(), c.Param("id"), c.GetString("auth_user_id"), "", req.Content, req.Position)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

type replyRequest struct {
	Content string `json:"content"`
}

func (h *Handler) replyToComment(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	reply, err := h.comments.Reply(c.Request.Context(), c.Param("commentId"), c.GetString("auth_user_id"), "", req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reply)
}

func (h *Handler) resolveComment(c *gin.Context) {
	comment, err := h.comments.Resolve(c.Request.Context(), c.Param("commentId"), c.GetString("auth_user_id"), "")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

func (h *Handler) listCollaborators(c *gin.Context) {
	documentID := c.Param("id")
	ok, err := h.sessions.CanRead(c.Request.Context(), documentID, c.GetString("auth_user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		respondError(c, service.ErrAccessDenied)
		return
	}
	collaborators, err := h.sessions.ActiveCollaborators(c.Request.Context(), documentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, CollaboratorsResponse{DocumentID: documentID, Collaborators: collaborators})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrAccessDenied):
		c.JSON(http.StatusForbidden, NewErrorResponse(err.Error()))
	case errors.Is(err, service.ErrLockConflict):
		c.JSON(http.StatusConflict, NewErrorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, NewErrorResponse(err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, NewErrorResponse(err.Error()))
	}
}
