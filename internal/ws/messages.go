package ws

import (
	"encoding/json"

	"collabgraphgo/internal/services/collab"
)

// Envelope wraps every WS frame.
type Envelope struct {
	Event string          `json:"event"`          // e.g. "join-graph"
	Body  json.RawMessage `json:"body,omitempty"` // arbitrary JSON object
}

// ──────────────────────────── Request / Response DTOs ─────────────────────────

// JoinGraphRequest is the body for "join-graph".
type JoinGraphRequest struct {
	GraphID string          `json:"graphId" validate:"required"`
	User    collab.UserInfo `json:"user"    validate:"required"`
}

// CommandRequest is the body for "command". The payload stays opaque.
type CommandRequest struct {
	Variant string          `json:"variant" validate:"required"`
	Payload json.RawMessage `json:"payload"`
}

type CursorMoveRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// EntitySelectRequest carries a null entityId to clear the selection.
type EntitySelectRequest struct {
	EntityID *string `json:"entityId"`
}

type GraphUpdateRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type SendInvitationRequest struct {
	GraphID      string `json:"graphId"      validate:"required"`
	TargetUserID string `json:"targetUserId" validate:"required"`
}

type AcceptInvitationRequest struct {
	InvitationID string `json:"invitationId" validate:"required"`
	GraphID      string `json:"graphId"      validate:"required"`
}

type RejectInvitationRequest struct {
	InvitationID string `json:"invitationId" validate:"required"`
}

type LeaveGraphRequest struct {
	GraphID string `json:"graphId"`
}

type KickUserRequest struct {
	GraphID      string `json:"graphId"      validate:"required"`
	TargetUserID string `json:"targetUserId" validate:"required"`
}

// Empty ACK body (useful for many handlers).
type AckBody struct{}

// ErrorBody is returned for failures.
type ErrorBody struct {
	Error string `json:"error"`
}

// JoinFailedBody is the structured admission refusal.
type JoinFailedBody struct {
	Message string `json:"message"`
}
