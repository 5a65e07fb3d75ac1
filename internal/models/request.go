package models

// CreateCallRequest is the body of POST /api/calls
type CreateCallRequest struct {
	TargetUserID string   `json:"targetUserId" binding:"required"`
	CallType     CallType `json:"callType" binding:"required"`
	ChatID       string   `json:"chatId"`
}

// UpdateStatusRequest is the body of PUT /api/calls/:id/status and of
// status and hangup frames on the event stream
type UpdateStatusRequest struct {
	Status CallStatus `json:"status"`
}
