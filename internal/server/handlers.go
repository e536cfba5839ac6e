package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/teemow/inboxsync/internal/credentials"
	"github.com/teemow/inboxsync/internal/google"
	"github.com/teemow/inboxsync/internal/ingest"
	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/store"
	"github.com/teemow/inboxsync/internal/watch"
)

// Response statuses.
const (
	statusSuccess = "success"
	statusError   = "error"
)

// APIError is the body of every failed request.
type APIError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CallbackResponse is returned once the consent flow completes.
type CallbackResponse struct {
	Status       string        `json:"status"`
	Message      string        `json:"message"`
	EmailAddress string        `json:"email_address"`
	Watch        *watch.Result `json:"watch,omitempty"`
}

// WatchResponse wraps the outcome of a watch operation.
type WatchResponse struct {
	Status string       `json:"status"`
	Watch  watch.Result `json:"watch"`
}

// SyncResponse wraps the report of a manual sync pass.
type SyncResponse struct {
	Status string        `json:"status"`
	Report ingest.Report `json:"report"`
}

type userRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type renewRequest struct {
	UserID      string  `json:"user_id" binding:"required"`
	BufferHours float64 `json:"buffer_hours"`
}

type backfillRequest struct {
	UserID     string   `json:"user_id" binding:"required"`
	ProjectID  string   `json:"project_id" binding:"required"`
	ContactIDs []string `json:"contact_ids"`
}

func (s *Server) fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, APIError{Status: statusError, Message: message})
}

// failErr maps domain errors to HTTP statuses.
func (s *Server) failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, google.ErrOAuthInvalid):
		s.fail(c, http.StatusUnauthorized, "gmail authorization is no longer valid, re-authorization required")
	case errors.Is(err, google.ErrNotConnected):
		s.fail(c, http.StatusNotFound, "gmail is not connected")
	case errors.Is(err, credentials.ErrNotFound), errors.Is(err, store.ErrNotFound):
		s.fail(c, http.StatusNotFound, "not found")
	case errors.Is(err, credentials.ErrAlreadyExists):
		s.fail(c, http.StatusConflict, "gmail is already connected, use re-authorization")
	default:
		s.logger.Error("request failed", slog.String("path", c.FullPath()), logging.Err(err))
		s.fail(c, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleNotification(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		s.logger.Warn("failed to read notification body", logging.Err(err))
		c.JSON(http.StatusOK, APIError{Status: statusError, Message: "unreadable body"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Notifications.Handle(c.Request.Context(), body))
}

func (s *Server) handleConnect(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		s.fail(c, http.StatusBadRequest, "user_id is required")
		return
	}
	c.Redirect(http.StatusFound, s.deps.Auth.AuthURL(userID))
}

func (s *Server) handleReauth(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		s.fail(c, http.StatusBadRequest, "user_id is required")
		return
	}
	p, err := s.deps.Credentials.Load(c.Request.Context(), userID)
	if err != nil {
		s.failErr(c, err)
		return
	}
	if p == nil {
		s.fail(c, http.StatusNotFound, "no existing gmail credential for this user")
		return
	}
	c.Redirect(http.StatusFound, s.deps.Auth.AuthURL(google.ReauthState(userID)))
}

func (s *Server) handleCallback(c *gin.Context) {
	if reason := c.Query("error"); reason != "" {
		s.fail(c, http.StatusBadRequest, "authorization denied: "+reason)
		return
	}
	code, state := c.Query("code"), c.Query("state")
	userID, reauth := google.ParseState(state)
	if code == "" || userID == "" {
		s.fail(c, http.StatusBadRequest, "code and state are required")
		return
	}

	ctx := c.Request.Context()
	payload, err := s.deps.Auth.Authorize(ctx, userID, code, reauth)
	if err != nil {
		s.failErr(c, err)
		return
	}
	logger := s.logger.With(logging.User(userID))

	if n, err := s.deps.Channels.MarkChannelsConnected(ctx, userID, store.ChannelGmail); err != nil {
		logger.Warn("failed to mark channels connected", logging.Err(err))
	} else if n > 0 {
		logger.Info("channels connected", slog.Int64("count", n))
	}

	resp := CallbackResponse{
		Status:       statusSuccess,
		Message:      "gmail connected",
		EmailAddress: payload.Account.EmailAddress,
	}
	if reauth {
		resp.Message = "gmail credentials refreshed"
	}

	res, err := s.deps.Watches.Start(ctx, userID)
	if err != nil {
		logger.Error("failed to start watch after connect", logging.Err(err))
		resp.Message += ", watch not started"
	} else {
		resp.Watch = &res
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleWatchStart(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "user_id is required")
		return
	}
	res, err := s.deps.Watches.Start(c.Request.Context(), req.UserID)
	if err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, WatchResponse{Status: statusSuccess, Watch: res})
}

func (s *Server) handleWatchStop(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "user_id is required")
		return
	}
	res, err := s.deps.Watches.Stop(c.Request.Context(), req.UserID)
	if err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, WatchResponse{Status: statusSuccess, Watch: res})
}

func (s *Server) handleWatchRenew(c *gin.Context) {
	var req renewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.BufferHours < 0 {
		s.fail(c, http.StatusBadRequest, "buffer_hours must not be negative")
		return
	}
	buffer := s.cfg.RenewBuffer
	if req.BufferHours > 0 {
		buffer = time.Duration(req.BufferHours * float64(time.Hour))
	}

	res, err := s.deps.Watches.RenewIfNeeded(c.Request.Context(), req.UserID, buffer)
	if err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, WatchResponse{Status: statusSuccess, Watch: res})
}

func (s *Server) handleBackfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "user_id and project_id are required")
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		s.fail(c, http.StatusBadRequest, "invalid project_id")
		return
	}
	contactIDs, err := parseUUIDs(req.ContactIDs)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.deps.Sync.Backfill(c.Request.Context(), req.UserID, projectID, contactIDs)
	if err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, SyncResponse{Status: statusSuccess, Report: report})
}

func (s *Server) handleResync(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "user_id is required")
		return
	}
	report, err := s.deps.Sync.Resync(c.Request.Context(), req.UserID)
	if err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, SyncResponse{Status: statusSuccess, Report: report})
}

func parseUUIDs(in []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(in))
	for _, s := range in {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid contact id %q", s)
		}
		out = append(out, id)
	}
	return out, nil
}
