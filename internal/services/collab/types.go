package collab

import (
	"encoding/json"
	"errors"
	"time"
)

// Outbound event names pushed through collaborator sinks.
const (
	EvtJoinConfirmed        = "join-confirmed"
	EvtJoinFailed           = "join-failed"
	EvtCollaboratorsUpdate  = "collaborators-update"
	EvtCommandReceived      = "command-received"
	EvtCursorUpdate         = "cursor-update"
	EvtEntitySelect         = "entity-select"
	EvtCollaboratorPromoted = "collaborator-promoted"
	EvtUserLeft             = "user-left"
	EvtKickNotification     = "kick-notification"
	EvtGraphDeleted         = "graph-deleted"
	EvtGraphUpdate          = "graph-update"
	EvtInvitationSent       = "invitation-sent"
	EvtInvitationReceived   = "invitation-received"
)

var (
	// Admission failures, reported structurally via join-failed.
	ErrGraphNotFound = errors.New("GRAPH_NOT_FOUND")
	ErrNotMember     = errors.New("NOT_MEMBER")

	ErrNotJoined          = errors.New("not joined to any graph")
	ErrNotLeader          = errors.New("only the current leader may do this")
	ErrUnknownVariant     = errors.New("unknown command variant")
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrUserNotInRoom      = errors.New("user is not in the room")
)

// Sink is the outbound half of a collaborator's connection. The ws layer
// implements it; tests substitute fakes.
type Sink interface {
	Send(event string, body any) error
	Close(reason string)
}

type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Collaborator is the ephemeral, connection-scoped presence record of one
// user in one room. It lives only in the registry and dies with the
// connection (or an explicit leave).
type Collaborator struct {
	ConnID         string    `json:"connId"`
	UserID         string    `json:"userId"`
	Name           string    `json:"name"`
	Color          string    `json:"color"`
	Cursor         *Cursor   `json:"cursor,omitempty"`
	SelectedEntity string    `json:"selectedEntity,omitempty"`
	GraphID        string    `json:"graphId"`
	LastActive     time.Time `json:"lastActive"`

	seq  uint64 // registry insertion order, drives promotion
	sink Sink
}

// clone copies the record so readers never alias a struct the registry may
// still mutate. Callers hold the registry lock.
func (c *Collaborator) clone() *Collaborator {
	cp := *c
	if c.Cursor != nil {
		cur := *c.Cursor
		cp.Cursor = &cur
	}
	return &cp
}

// Command variants accepted by the broadcaster.
const (
	CmdAddEntity    = "add_entity"
	CmdDeleteEntity = "delete_entity"
	CmdUpdateEntity = "update_entity"
	CmdAddLink      = "add_link"
	CmdDeleteLink   = "delete_link"
	CmdTransform    = "transform"
	CmdChat         = "chat"
)

var commandVariants = map[string]struct{}{
	CmdAddEntity: {}, CmdDeleteEntity: {}, CmdUpdateEntity: {},
	CmdAddLink: {}, CmdDeleteLink: {}, CmdTransform: {}, CmdChat: {},
}

// Command is a stamped, room-ordered edit or chat action. The payload is
// opaque to the session core.
type Command struct {
	ID        string          `json:"id"`
	Variant   string          `json:"variant"`
	Payload   json.RawMessage `json:"payload"`
	GraphID   string          `json:"graphId"`
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	Timestamp time.Time       `json:"timestamp"`
}

// Invitation is an ephemeral, in-memory offer to join a room. No expiry,
// no persistence; a process restart clears them all.
type Invitation struct {
	ID           string    `json:"id"`
	GraphID      string    `json:"graphId"`
	From         UserInfo  `json:"from"`
	TargetUserID string    `json:"targetUserId"`
	CreatedAt    time.Time `json:"createdAt"`
}
