package collab

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"collabgraphgo/internal/database/graphstore"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options tune the session core. Zero values fall back to sane defaults.
type Options struct {
	// HistoryLimit caps the merged replay (join snapshot + REST).
	HistoryLimit int
	// LeaveGrace delays membership removal after a transport disconnect.
	// Zero removes immediately, treating a network drop like a leave.
	LeaveGrace time.Duration
}

// Service is the collaborative session manager: one instance owns all
// in-process room state. Constructed explicitly and injected; there are no
// package-level registries.
type Service struct {
	reg     *Registry
	store   graphstore.IGraphStore
	rdc     *redis.Client
	coord   *coordinator
	history *historyBook
	invites *inviteBox

	rooms sync.Map // graphID -> *roomActor

	historyLimit int
	leaveGrace   time.Duration

	graceMu         sync.Mutex
	pendingRemovals map[string]*time.Timer // graphID+"\x00"+userID
	pendingOrphans  map[string]*time.Timer // graphID
}

func NewService(reg *Registry, store graphstore.IGraphStore, rdc *redis.Client, opts Options) *Service {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	return &Service{
		reg:             reg,
		store:           store,
		rdc:             rdc,
		coord:           newCoordinator(),
		history:         newHistoryBook(),
		invites:         newInviteBox(),
		historyLimit:    opts.HistoryLimit,
		leaveGrace:      opts.LeaveGrace,
		pendingRemovals: make(map[string]*time.Timer),
		pendingOrphans:  make(map[string]*time.Timer),
	}
}

// JoinSnapshot is the join-confirmed body: enough for a client to render
// the room (presence, leadership, recent activity) in one frame.
type JoinSnapshot struct {
	Collaborator   *Collaborator   `json:"collaborator"`
	LeaderID       string          `json:"leaderId"`
	Collaborators  []*Collaborator `json:"collaborators"`
	RecentCommands []Command       `json:"recentCommands"`
}

// Join admits a connection into a room. Both external checks (graph exists,
// user holds a membership row) complete before any registry mutation; a
// failed admission leaves no trace in shared state.
func (s *Service) Join(ctx context.Context, sink Sink, connID, graphID string, user UserInfo) (*JoinSnapshot, error) {
	graph, err := s.store.GetGraph(ctx, graphID)
	if err != nil {
		if errors.Is(err, graphstore.ErrGraphNotFound) {
			return nil, ErrGraphNotFound
		}
		return nil, err
	}
	if _, err = s.store.GetMembership(ctx, graphID, user.ID); err != nil {
		if errors.Is(err, graphstore.ErrMembershipNotFound) {
			return nil, ErrNotMember
		}
		return nil, err
	}
	s.coord.leaderOr(graphID, graph.LeaderID)

	// A connection re-joining from another room leaves it first.
	if _, joined := s.reg.Get(connID); joined {
		s.Leave(connID)
	}
	return s.enterRoom(ctx, sink, connID, graphID, user)
}

// enterRoom registers presence and builds the snapshot. The invitation
// path enters here directly, skipping the membership checks above.
func (s *Service) enterRoom(ctx context.Context, sink Sink, connID, graphID string, user UserInfo) (*JoinSnapshot, error) {
	s.cancelGrace(graphID, user.ID)

	if connID == "" {
		connID = uuid.NewString()
	}
	col := &Collaborator{
		ConnID:     connID,
		UserID:     user.ID,
		Name:       user.Name,
		Color:      pickColor(user),
		GraphID:    graphID,
		LastActive: time.Now().UTC(),
		sink:       sink,
	}

	// The snapshot leaves the actor with the connection's own goroutine,
	// so it carries copies, never the live registry records.
	var self *Collaborator
	var roster []*Collaborator
	err := s.run(graphID, func() error {
		s.reg.Add(col)
		self, _ = s.reg.Snapshot(connID)
		roster = s.reg.ListForGraph(graphID)
		s.broadcastRoom(graphID, EvtCollaboratorsUpdate, roster, "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	leaderID, _ := s.coord.get(graphID)
	recent, err := s.History(ctx, graphID, s.historyLimit)
	if err != nil {
		zap.L().Warn("collab.join_history", zap.String("graph_id", graphID), zap.Error(err))
		recent = nil
	}

	zap.L().Info("collab.joined",
		zap.String("graph_id", graphID),
		zap.String("user_id", user.ID),
		zap.String("conn_id", connID))

	return &JoinSnapshot{
		Collaborator:   self,
		LeaderID:       leaderID,
		Collaborators:  roster,
		RecentCommands: recent,
	}, nil
}

// CursorMove updates the collaborator's cursor and relays it to the room.
func (s *Service) CursorMove(connID string, x, y float64) error {
	c, ok := s.reg.Get(connID)
	if !ok {
		return ErrNotJoined
	}
	return s.run(c.GraphID, func() error {
		if !s.reg.UpdateCursor(connID, x, y) {
			return ErrNotJoined
		}
		s.broadcastRoom(c.GraphID, EvtCursorUpdate, map[string]any{
			"userId": c.UserID, "x": x, "y": y,
		}, connID)
		return nil
	})
}

// EntitySelect records which entity the collaborator has highlighted
// (empty id clears it) and relays the selection.
func (s *Service) EntitySelect(connID, entityID string) error {
	c, ok := s.reg.Get(connID)
	if !ok {
		return ErrNotJoined
	}
	return s.run(c.GraphID, func() error {
		if !s.reg.UpdateSelection(connID, entityID) {
			return ErrNotJoined
		}
		body := map[string]any{"userId": c.UserID}
		if entityID == "" {
			body["entityId"] = nil
		} else {
			body["entityId"] = entityID
		}
		s.broadcastRoom(c.GraphID, EvtEntitySelect, body, connID)
		return nil
	})
}

// RelayGraphUpdate forwards a legacy graph-update frame verbatim to the
// rest of the room. No stamping, no persistence.
func (s *Service) RelayGraphUpdate(connID string, payload any) error {
	c, ok := s.reg.Get(connID)
	if !ok {
		return ErrNotJoined
	}
	return s.run(c.GraphID, func() error {
		s.broadcastRoom(c.GraphID, EvtGraphUpdate, map[string]any{
			"userId":  c.UserID,
			"payload": payload,
		}, connID)
		return nil
	})
}

// Kick ejects every connection of targetUserID from the room. Leader-only,
// checked against the persisted leader, not the cache.
func (s *Service) Kick(ctx context.Context, connID, graphID, targetUserID string) error {
	requester, ok := s.reg.Get(connID)
	if !ok {
		return ErrNotJoined
	}
	leaderID, err := s.persistedLeader(ctx, graphID)
	if err != nil {
		return err
	}
	if requester.UserID != leaderID {
		return ErrNotLeader
	}

	targets := s.reg.FindUserInGraph(graphID, targetUserID)
	if len(targets) == 0 {
		return ErrUserNotInRoom
	}
	for _, t := range targets {
		if t.sink != nil {
			_ = t.sink.Send(EvtKickNotification, map[string]any{
				"graphId": graphID,
				"reason":  "removed by the session leader",
			})
		}
		s.Leave(t.ConnID)
		if t.sink != nil {
			t.sink.Close("kicked")
		}
	}
	return nil
}

// Collaborators lists live presence for one room (REST surface).
func (s *Service) Collaborators(graphID string) []*Collaborator {
	return s.reg.ListForGraph(graphID)
}

var colorPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#008080",
}

func pickColor(user UserInfo) string {
	if user.Color != "" {
		return user.Color
	}
	h := fnv.New32a()
	h.Write([]byte(user.ID))
	return colorPalette[h.Sum32()%uint32(len(colorPalette))]
}
