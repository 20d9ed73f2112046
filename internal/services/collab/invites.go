package collab

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// inviteBox holds ephemeral invitations. No expiry timer: a stale invite
// sits here until accepted, rejected or the process restarts.
type inviteBox struct {
	mu sync.Mutex
	m  map[string]*Invitation
}

func newInviteBox() *inviteBox {
	return &inviteBox{m: make(map[string]*Invitation)}
}

func (b *inviteBox) put(inv *Invitation) {
	b.mu.Lock()
	b.m[inv.ID] = inv
	b.mu.Unlock()
}

func (b *inviteBox) pop(id string) (*Invitation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inv, ok := b.m[id]
	if ok {
		delete(b.m, id)
	}
	return inv, ok
}

// SendInvitation creates an invite for targetUserID and announces it to the
// inviter's room. The target is not addressed through the room: if they are
// online anywhere they additionally get invitation-received on their own
// connection.
func (s *Service) SendInvitation(connID, graphID, targetUserID string) (*Invitation, error) {
	from, ok := s.reg.Get(connID)
	if !ok {
		return nil, ErrNotJoined
	}
	if from.GraphID != graphID {
		return nil, ErrUserNotInRoom
	}

	inv := &Invitation{
		ID:      uuid.NewString(),
		GraphID: graphID,
		From: UserInfo{
			ID:    from.UserID,
			Name:  from.Name,
			Color: from.Color,
		},
		TargetUserID: targetUserID,
		CreatedAt:    time.Now().UTC(),
	}
	s.invites.put(inv)

	err := s.run(graphID, func() error {
		s.broadcastRoom(graphID, EvtInvitationSent, inv, "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	if target, online := s.reg.FindUser(targetUserID); online && target.sink != nil {
		_ = target.sink.Send(EvtInvitationReceived, inv)
	}
	return inv, nil
}

// AcceptInvitation moves the accepting collaborator into the invite's room.
// Deliberately weaker than the join path: persisted Membership is NOT
// re-validated here. The accepting connection leaves its current room
// through the normal exit cascade first.
func (s *Service) AcceptInvitation(ctx context.Context, connID, invitationID, graphID string) (*JoinSnapshot, error) {
	inv, ok := s.invites.pop(invitationID)
	if !ok || inv.GraphID != graphID {
		return nil, ErrInvitationNotFound
	}
	current, ok := s.reg.Get(connID)
	if !ok {
		return nil, ErrNotJoined
	}

	user := UserInfo{ID: current.UserID, Name: current.Name, Color: current.Color}
	s.Leave(connID)

	return s.enterRoom(ctx, current.sink, connID, graphID, user)
}

// RejectInvitation discards the invite. Nobody is notified.
func (s *Service) RejectInvitation(invitationID string) error {
	if _, ok := s.invites.pop(invitationID); !ok {
		return ErrInvitationNotFound
	}
	return nil
}
