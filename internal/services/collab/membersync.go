package collab

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Leave handles an explicit leave-graph. Membership is dropped immediately.
func (s *Service) Leave(connID string) { s.exit(connID, true) }

// Disconnect handles a transport-level close. With a zero grace window it
// is indistinguishable from Leave; with a positive one the durable
// consequences (membership delete, orphan cascade) wait out the window so a
// transient drop can be survived by rejoining.
func (s *Service) Disconnect(connID string) { s.exit(connID, false) }

func (s *Service) exit(connID string, explicit bool) {
	c, ok := s.reg.Get(connID)
	if !ok {
		return
	}
	graphID := c.GraphID

	_ = s.run(graphID, func() error {
		col, remaining, removed := s.reg.Remove(connID)
		if !removed {
			return nil
		}
		s.broadcastRoom(graphID, EvtUserLeft, map[string]any{"userId": col.UserID}, "")
		s.broadcastRoom(graphID, EvtCollaboratorsUpdate, s.reg.ListForGraph(graphID), "")

		deferred := !explicit && s.leaveGrace > 0

		if remaining == 0 {
			// Room is gone: volatile history and the leader cache go
			// with it, the persisted graph is orphaned.
			s.history.Drop(graphID)
			s.coord.drop(graphID)
			if deferred {
				s.scheduleOrphan(graphID)
			} else {
				go s.deleteOrphanedGraph(graphID)
			}
			return nil
		}

		if s.wasLeader(graphID, col.UserID) &&
			len(s.reg.FindUserInGraph(graphID, col.UserID)) == 0 {
			s.promoteNext(graphID)
		}

		if deferred {
			s.scheduleRemoval(graphID, col.UserID)
		} else {
			go s.deleteMembership(graphID, col.UserID)
		}
		return nil
	})
}

func (s *Service) wasLeader(graphID, userID string) bool {
	if id, ok := s.coord.get(graphID); ok {
		return id == userID
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	id, err := s.persistedLeader(ctx, graphID)
	if err != nil {
		zap.L().Warn("collab.leader_lookup", zap.String("graph_id", graphID), zap.Error(err))
		return false
	}
	return id == userID
}

// deleteOrphanedGraph cascades the persisted graph away once its last
// member is gone. Failures are logged only: a graph with no members may
// linger in the store, and nothing here self-heals that.
func (s *Service) deleteOrphanedGraph(graphID string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.DeleteGraph(ctx, graphID); err != nil {
		zap.L().Error("collab.delete_graph", zap.String("graph_id", graphID), zap.Error(err))
		return
	}
	s.broadcastRoom(graphID, EvtGraphDeleted, map[string]any{"graphId": graphID}, "")
	zap.L().Info("collab.graph_deleted", zap.String("graph_id", graphID))
}

func (s *Service) deleteMembership(graphID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.DeleteMembership(ctx, graphID, userID); err != nil {
		zap.L().Error("collab.delete_membership",
			zap.String("graph_id", graphID),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

// ---------------------------------------------------------------------------
//  Grace window bookkeeping
// ---------------------------------------------------------------------------

func removalKey(graphID, userID string) string { return graphID + "\x00" + userID }

func (s *Service) scheduleRemoval(graphID, userID string) {
	key := removalKey(graphID, userID)
	s.graceMu.Lock()
	defer s.graceMu.Unlock()

	if t, ok := s.pendingRemovals[key]; ok {
		t.Stop()
	}
	s.pendingRemovals[key] = time.AfterFunc(s.leaveGrace, func() {
		s.graceMu.Lock()
		delete(s.pendingRemovals, key)
		s.graceMu.Unlock()

		// A rejoin within the window cancels the timer, but guard
		// against the race anyway.
		if len(s.reg.FindUserInGraph(graphID, userID)) > 0 {
			return
		}
		s.deleteMembership(graphID, userID)
	})
}

func (s *Service) scheduleOrphan(graphID string) {
	s.graceMu.Lock()
	defer s.graceMu.Unlock()

	if t, ok := s.pendingOrphans[graphID]; ok {
		t.Stop()
	}
	s.pendingOrphans[graphID] = time.AfterFunc(s.leaveGrace, func() {
		s.graceMu.Lock()
		delete(s.pendingOrphans, graphID)
		s.graceMu.Unlock()

		if s.reg.CountForGraph(graphID) > 0 {
			return
		}
		s.deleteOrphanedGraph(graphID)
	})
}

// cancelGrace clears any pending durable removal for a user rejoining the
// graph, and the graph's own orphan timer.
func (s *Service) cancelGrace(graphID, userID string) {
	s.graceMu.Lock()
	defer s.graceMu.Unlock()

	key := removalKey(graphID, userID)
	if t, ok := s.pendingRemovals[key]; ok {
		t.Stop()
		delete(s.pendingRemovals, key)
	}
	if t, ok := s.pendingOrphans[graphID]; ok {
		t.Stop()
		delete(s.pendingOrphans, graphID)
	}
}
