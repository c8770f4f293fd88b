package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edeng23/beyond-meet/backend/internal/session"
	"github.com/edeng23/beyond-meet/backend/internal/state"
	apperrors "github.com/edeng23/beyond-meet/backend/pkg/errors"
)

type authCodeRequest struct {
	Code        string `json:"code" binding:"required"`
	RedirectURI string `json:"redirect_uri"`
}

func (s *Server) handleAuthCode(c *gin.Context) {
	ctx := c.Request.Context()

	var req authCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, cred, err := s.deps.Auth.Exchange(ctx, req.Code, req.RedirectURI)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrInvalidCode):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or expired code"})
		case errors.Is(err, apperrors.ErrNoRefreshToken):
			c.JSON(http.StatusBadRequest, gin.H{"error": "No refresh token received. Please revoke access and sign in again."})
		case apperrors.IsErrorType(err, apperrors.ErrorTypeAuth):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Authentication failed"})
		default:
			s.logger.Error("Failed to exchange auth code", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	sess := &session.Session{
		UserID:     id.UserID,
		Email:      id.Email,
		Name:       id.Name,
		Picture:    id.Picture,
		Credential: cred,
	}
	if err := s.deps.Sessions.Store(ctx, id.UserID, sess, s.deps.SessionTTL); err != nil {
		s.logger.Error("Failed to store session", zap.String("user_id", id.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, id)
}

func (s *Server) handleLogout(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	if err := s.deps.Sessions.Remove(c.Request.Context(), userID); err != nil {
		s.logger.Error("Failed to remove session", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

type graphResponse struct {
	state.GraphRecord
	IsGenerating    bool `json:"is_generating"`
	CurrentProgress int  `json:"current_progress"`
}

func (s *Server) handleGetGraph(c *gin.Context) {
	userID, ok := s.requireSession(c)
	if !ok {
		return
	}

	g, err := s.deps.Store.Load(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, userID, apperrors.NewTransientIO("graph load", err))
		return
	}

	resp := graphResponse{
		GraphRecord:  g.ToRecord(),
		IsGenerating: s.deps.Generator.IsRunning(userID),
	}
	if resp.IsGenerating {
		if last, ok := s.deps.Progress.Last(userID); ok {
			resp.CurrentProgress = last
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGenerate(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		result, err := s.deps.Generator.Run(ctx, userID)
		if err != nil {
			s.writeError(c, userID, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "completed", "result": result})
		return
	}

	runID, err := s.deps.Generator.Start(ctx, userID)
	if err != nil {
		s.writeError(c, userID, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "run_id": runID})
}

func (s *Server) handleProgress(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	sub := s.deps.Progress.Subscribe(userID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			return
		}
		c.SSEvent("", ev)
		c.Writer.Flush()
	}
}

func (s *Server) handleUpdateNode(c *gin.Context) {
	userID, ok := s.requireSession(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	nodeID := c.Param("id")

	var patch state.MetadataPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// A running ingestion saves its own snapshot and would drop the edit
	if s.deps.Generator.IsRunning(userID) {
		c.JSON(http.StatusConflict, gin.H{"error": "Graph generation in progress, try again when it finishes"})
		return
	}

	g, err := s.deps.Store.Load(ctx, userID)
	if err != nil {
		s.writeError(c, userID, apperrors.NewTransientIO("graph load", err))
		return
	}

	if err := g.UpdateMetadata(nodeID, patch); err != nil {
		var invalid state.ErrInvalidField
		switch {
		case errors.Is(err, state.ErrNodeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Node not found"})
		case errors.As(err, &invalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": invalid.Error()})
		default:
			s.writeError(c, userID, err)
		}
		return
	}

	if err := s.deps.Store.Save(ctx, g); err != nil {
		s.writeError(c, userID, apperrors.NewPersistFailed(userID, err))
		return
	}

	node, _ := g.Node(nodeID)
	c.JSON(http.StatusOK, gin.H{"status": "updated", "node": node})
}

func requireUser(c *gin.Context) (string, bool) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return "", false
	}
	return userID, true
}

func (s *Server) requireSession(c *gin.Context) (string, bool) {
	userID, ok := requireUser(c)
	if !ok {
		return "", false
	}
	if _, err := s.deps.Sessions.Get(c.Request.Context(), userID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeError(c, userID, apperrors.NewUnauthenticated(userID, err))
		} else {
			s.writeError(c, userID, apperrors.NewTransientIO("session lookup", err))
		}
		return "", false
	}
	return userID, true
}

// writeError maps the error taxonomy onto status codes. Anything unexpected
// is logged and reported as a generic 500.
func (s *Server) writeError(c *gin.Context, userID string, err error) {
	var (
		running *apperrors.ErrAlreadyRunning
		limited *apperrors.ErrRateLimited
	)
	switch {
	case errors.As(err, &running):
		c.JSON(http.StatusConflict, gin.H{"error": "Graph generation already in progress", "run_id": running.RunID})
	case errors.As(err, &limited):
		c.Header("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds()+0.999)))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": limited.Message})
	case apperrors.IsErrorType(err, apperrors.ErrorTypeAuth):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "No valid credentials found. Please login again."})
	default:
		s.logger.Error("Request failed",
			zap.String("user_id", userID),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
