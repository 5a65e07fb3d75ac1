package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/call-signaling/internal/apperr"
	"github.com/mossy-p/call-signaling/internal/bus"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024 // offers with many codecs run to tens of KB
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// ConnObserver counts open event streams
type ConnObserver interface {
	WebSocketOpened()
	WebSocketClosed()
}

// StreamHandler serves the per-user call event stream
type StreamHandler struct {
	svc *signaling.Service
	log *zap.Logger
	obs ConnObserver
}

func NewStreamHandler(svc *signaling.Service, log *zap.Logger, obs ConnObserver) *StreamHandler {
	return &StreamHandler{svc: svc, log: log, obs: obs}
}

// Client is one WebSocket connection of an authenticated user
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte

	svc *signaling.Service
	log *zap.Logger

	mu       sync.Mutex
	closed   bool
	incoming *bus.Subscription
	watches  map[string]*bus.Subscription
}

// HandleStream upgrades the request and streams incoming calls and updates
// of watched calls until the connection drops.
func (h *StreamHandler) HandleStream(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	id := uuid.New().String()
	client := &Client{
		ID:      id,
		UserID:  userID,
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer),
		svc:     h.svc,
		log:     h.log.With(zap.String("conn_id", id), zap.String("user_id", userID)),
		watches: make(map[string]*bus.Subscription),
	}
	h.obs.WebSocketOpened()

	client.incoming = h.svc.SubscribeIncoming(userID, func(session *models.CallSession) {
		client.sendMessage(models.StreamMessage{
			Type:    models.EventTypeIncomingCall,
			CallID:  session.ID,
			Session: session,
		})
	})

	client.log.Info("Event stream opened")

	go client.writePump()
	go client.readPump(h.obs)
}

func (c *Client) readPump(obs ConnObserver) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.shutdown()
		c.Conn.Close()
		obs.WebSocketClosed()
		c.log.Info("Event stream closed")
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("WebSocket error", zap.Error(err))
			}
			return
		}

		var msg models.StreamMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", apperr.InvalidRequest("malformed message"))
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			if apperr.Status(err) >= http.StatusInternalServerError {
				c.log.Error("Stream command failed", zap.String("type", string(msg.Type)), zap.Error(err))
			}
			c.sendError(msg.CallID, err)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, msg models.StreamMessage) error {
	switch msg.Type {
	case models.EventTypeWatch:
		return c.watch(ctx, msg.CallID)

	case models.EventTypeUnwatch:
		c.unwatch(msg.CallID)
		return nil

	case models.EventTypeOffer:
		var sdp models.SessionDescription
		if err := decodePayload(msg.Payload, &sdp); err != nil {
			return err
		}
		if _, err := authorize(ctx, c.svc, msg.CallID, c.UserID, callerOnly); err != nil {
			return err
		}
		return c.svc.SetOffer(ctx, msg.CallID, sdp)

	case models.EventTypeAnswer:
		var sdp models.SessionDescription
		if err := decodePayload(msg.Payload, &sdp); err != nil {
			return err
		}
		if _, err := authorize(ctx, c.svc, msg.CallID, c.UserID, calleeOnly); err != nil {
			return err
		}
		return c.svc.SetAnswer(ctx, msg.CallID, sdp)

	case models.EventTypeCandidate:
		var candidate models.ICECandidate
		if err := decodePayload(msg.Payload, &candidate); err != nil {
			return err
		}
		if _, err := authorize(ctx, c.svc, msg.CallID, c.UserID, anyParticipant); err != nil {
			return err
		}
		return c.svc.AddICECandidate(ctx, msg.CallID, c.UserID, candidate)

	case models.EventTypeStatus:
		var req models.UpdateStatusRequest
		if err := decodePayload(msg.Payload, &req); err != nil {
			return err
		}
		if _, err := authorize(ctx, c.svc, msg.CallID, c.UserID, anyParticipant); err != nil {
			return err
		}
		return c.svc.UpdateStatus(ctx, msg.CallID, req.Status)

	case models.EventTypeHangup:
		return c.hangup(ctx, msg)
	}

	return apperr.InvalidRequest("unknown message type %q", msg.Type)
}

// hangup marks the call ended (or rejected, when asked) and deletes it.
// Status errors are ignored: the other side may already have finished it.
func (c *Client) hangup(ctx context.Context, msg models.StreamMessage) error {
	req := models.UpdateStatusRequest{Status: models.CallStatusEnded}
	if len(msg.Payload) > 0 {
		if err := decodePayload(msg.Payload, &req); err != nil {
			return err
		}
		if !req.Status.Terminal() {
			return apperr.InvalidRequest("hangup status must be ended or rejected")
		}
	}

	if _, err := authorize(ctx, c.svc, msg.CallID, c.UserID, anyParticipant); err != nil {
		if errors.Is(err, apperr.ErrStaleSession) {
			return nil
		}
		return err
	}

	if err := c.svc.UpdateStatus(ctx, msg.CallID, req.Status); err != nil {
		c.log.Debug("Hangup status not applied", zap.String("call_id", msg.CallID), zap.Error(err))
	}
	return c.svc.DeleteCall(ctx, msg.CallID)
}

func (c *Client) watch(ctx context.Context, callID string) error {
	if _, err := authorize(ctx, c.svc, callID, c.UserID, anyParticipant); err != nil {
		if errors.Is(err, apperr.ErrStaleSession) {
			c.sendUpdate(bus.Snapshot{CallID: callID})
			return nil
		}
		return err
	}

	c.mu.Lock()
	_, watching := c.watches[callID]
	c.mu.Unlock()
	if watching {
		return nil
	}

	sub := c.svc.SubscribeCall(ctx, callID, func(snapshot bus.Snapshot) {
		c.sendUpdate(snapshot)
		if snapshot.Absent() {
			c.unwatch(callID)
		}
	})

	c.mu.Lock()
	_, watching = c.watches[callID]
	if c.closed || watching {
		c.mu.Unlock()
		sub.Close()
		return nil
	}
	c.watches[callID] = sub
	c.mu.Unlock()
	return nil
}

func (c *Client) unwatch(callID string) {
	c.mu.Lock()
	sub := c.watches[callID]
	delete(c.watches, callID)
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

// shutdown closes every subscription and the send channel
func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]*bus.Subscription, 0, len(c.watches)+1)
	for _, sub := range c.watches {
		subs = append(subs, sub)
	}
	c.watches = nil
	if c.incoming != nil {
		subs = append(subs, c.incoming)
	}
	close(c.Send)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (c *Client) sendUpdate(snapshot bus.Snapshot) {
	c.sendMessage(models.StreamMessage{
		Type:    models.EventTypeCallUpdate,
		CallID:  snapshot.CallID,
		Session: snapshot.Session,
	})
}

func (c *Client) sendError(callID string, err error) {
	c.sendMessage(models.StreamMessage{
		Type:   models.EventTypeError,
		CallID: callID,
		Error:  apperr.Message(err),
	})
}

// sendMessage queues msg. A client that cannot keep up is disconnected
// rather than silently missing call updates.
func (c *Client) sendMessage(msg models.StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("Failed to marshal message", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.Send <- data:
	default:
		c.log.Warn("Send buffer full, dropping connection")
		c.Conn.Close()
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apperr.InvalidRequest("payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.InvalidRequest("invalid payload: %v", err)
	}
	return nil
}
