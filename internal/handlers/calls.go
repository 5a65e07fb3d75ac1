package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/call-signaling/internal/apperr"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/signaling"
)

// participant restricts which side of a call may act
type participant int

const (
	anyParticipant participant = iota
	callerOnly
	calleeOnly
)

// CallHandler exposes the signaling service over REST
type CallHandler struct {
	svc *signaling.Service
	log *zap.Logger
}

func NewCallHandler(svc *signaling.Service, log *zap.Logger) *CallHandler {
	return &CallHandler{svc: svc, log: log}
}

// CreateCall starts ringing targetUserId
func (h *CallHandler) CreateCall(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	id, err := h.svc.CreateCall(ctx, userID, req.TargetUserID, req.CallType, req.ChatID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	session, err := h.svc.GetCall(ctx, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if session == nil {
		// hung up between create and read
		h.respondError(c, apperr.ErrStaleSession)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// GetCall returns the session to either participant
func (h *CallHandler) GetCall(c *gin.Context) {
	session, ok := h.load(c, anyParticipant)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *CallHandler) UpdateStatus(c *gin.Context) {
	var req models.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, ok := h.load(c, anyParticipant)
	if !ok {
		return
	}
	if err := h.svc.UpdateStatus(c.Request.Context(), session.ID, req.Status); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Status updated"})
}

func (h *CallHandler) SetOffer(c *gin.Context) {
	var sdp models.SessionDescription
	if err := c.ShouldBindJSON(&sdp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, ok := h.load(c, callerOnly)
	if !ok {
		return
	}
	if err := h.svc.SetOffer(c.Request.Context(), session.ID, sdp); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Offer stored"})
}

func (h *CallHandler) SetAnswer(c *gin.Context) {
	var sdp models.SessionDescription
	if err := c.ShouldBindJSON(&sdp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, ok := h.load(c, calleeOnly)
	if !ok {
		return
	}
	if err := h.svc.SetAnswer(c.Request.Context(), session.ID, sdp); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Answer stored"})
}

// AddCandidate appends a candidate under the acting user's id
func (h *CallHandler) AddCandidate(c *gin.Context) {
	var candidate models.ICECandidate
	if err := c.ShouldBindJSON(&candidate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, ok := h.load(c, anyParticipant)
	if !ok {
		return
	}
	userID, _ := middleware.UserID(c)
	if err := h.svc.AddICECandidate(c.Request.Context(), session.ID, userID, candidate); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Candidate added"})
}

func (h *CallHandler) DeleteCall(c *gin.Context) {
	session, ok := h.load(c, anyParticipant)
	if !ok {
		return
	}
	if err := h.svc.DeleteCall(c.Request.Context(), session.ID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Call deleted"})
}

// load fetches the call named in the path and checks the user may act on it
func (h *CallHandler) load(c *gin.Context, who participant) (*models.CallSession, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return nil, false
	}

	session, err := authorize(c.Request.Context(), h.svc, c.Param("callId"), userID, who)
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	return session, true
}

func (h *CallHandler) respondError(c *gin.Context, err error) {
	status := apperr.Status(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Call request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": apperr.Message(err)})
}

// authorize loads a session and checks userID's role in it. Absent sessions
// are reported as stale.
func authorize(ctx context.Context, svc *signaling.Service, callID, userID string, who participant) (*models.CallSession, error) {
	if callID == "" {
		return nil, apperr.InvalidRequest("callId is required")
	}

	session, err := svc.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperr.ErrStaleSession
	}

	switch who {
	case callerOnly:
		if session.CallerID != userID {
			return nil, apperr.Forbidden("Only the caller can do this")
		}
	case calleeOnly:
		if session.TargetUserID != userID {
			return nil, apperr.Forbidden("Only the callee can do this")
		}
	default:
		if !session.IsParticipant(userID) {
			return nil, apperr.Forbidden("Not a participant of this call")
		}
	}
	return session, nil
}
