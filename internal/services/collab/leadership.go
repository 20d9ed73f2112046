package collab

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// coordinator caches the current leader per graph for fast reads. The
// persisted graphs.leader_id column stays canonical; the cache exists so
// the hot paths (join snapshot, leader checks on exit) do not hit the store.
type coordinator struct {
	mu      sync.RWMutex
	leaders map[string]string // graphID -> userID
}

func newCoordinator() *coordinator {
	return &coordinator{leaders: make(map[string]string)}
}

// leaderOr returns the cached leader, seeding the cache with fallback when
// the graph has not been seen yet. The cache may be ahead of the store
// while an implicit promotion's async write is in flight, which is why the
// cached value wins over a freshly read row.
func (co *coordinator) leaderOr(graphID, fallback string) string {
	co.mu.Lock()
	defer co.mu.Unlock()
	if id, ok := co.leaders[graphID]; ok {
		return id
	}
	co.leaders[graphID] = fallback
	return fallback
}

func (co *coordinator) set(graphID, userID string) {
	co.mu.Lock()
	co.leaders[graphID] = userID
	co.mu.Unlock()
}

func (co *coordinator) get(graphID string) (string, bool) {
	co.mu.RLock()
	defer co.mu.RUnlock()
	id, ok := co.leaders[graphID]
	return id, ok
}

func (co *coordinator) drop(graphID string) {
	co.mu.Lock()
	delete(co.leaders, graphID)
	co.mu.Unlock()
}

// promoteNext is the implicit promotion path: the leader's connection is
// gone and the room still has members. Successor choice is deterministic:
// earliest remaining insertion sequence, ties broken by lowest user id.
// Runs on the room's actor.
func (s *Service) promoteNext(graphID string) {
	members := s.reg.ListForGraph(graphID)
	if len(members) == 0 {
		return
	}
	next := members[0]

	s.coord.set(graphID, next.UserID)

	// Async write-behind; the cache is not rolled back on failure. Known
	// consistency risk, the store catches up on the next promotion.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.PromoteLeader(ctx, graphID, next.UserID); err != nil {
			zap.L().Error("collab.promote_persist",
				zap.String("graph_id", graphID),
				zap.String("user_id", next.UserID),
				zap.Error(err))
		}
	}()

	s.broadcastRoom(graphID, EvtCollaboratorPromoted, promotedBody{
		UserID:   next.UserID,
		IsLeader: true,
	}, "")

	zap.L().Info("collab.leader_promoted",
		zap.String("graph_id", graphID),
		zap.String("user_id", next.UserID))
}

type promotedBody struct {
	UserID   string `json:"userId"`
	IsLeader bool   `json:"isLeader"`
}

// Promote is the explicit transfer path, reachable over REST. Only the
// persisted leader may transfer; the demote/promote/leader-id writes happen
// in one store transaction so the single-LEADER invariant holds even on
// partial failure.
func (s *Service) Promote(ctx context.Context, graphID, requesterUserID, targetUserID string) error {
	graph, err := s.store.GetGraph(ctx, graphID)
	if err != nil {
		return err
	}
	if graph.LeaderID != requesterUserID {
		return ErrNotLeader
	}
	if _, err := s.store.GetMembership(ctx, graphID, targetUserID); err != nil {
		return err
	}

	if err := s.store.PromoteLeader(ctx, graphID, targetUserID); err != nil {
		return err
	}
	s.coord.set(graphID, targetUserID)

	return s.run(graphID, func() error {
		s.broadcastRoom(graphID, EvtCollaboratorPromoted, promotedBody{
			UserID: requesterUserID, IsLeader: false,
		}, "")
		s.broadcastRoom(graphID, EvtCollaboratorPromoted, promotedBody{
			UserID: targetUserID, IsLeader: true,
		}, "")
		return nil
	})
}

// persistedLeader reads the authoritative leader for privilege checks.
func (s *Service) persistedLeader(ctx context.Context, graphID string) (string, error) {
	graph, err := s.store.GetGraph(ctx, graphID)
	if err != nil {
		return "", err
	}
	return graph.LeaderID, nil
}
