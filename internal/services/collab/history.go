package collab

import (
	"context"
	"sort"
	"sync"

	"collabgraphgo/internal/database/graphstore"

	"go.uber.org/zap"
)

// historyBook keeps the volatile, unbounded per-room command lists. It is
// authoritative for very recent activity, including appends the store has
// not acknowledged (or has lost).
type historyBook struct {
	mu     sync.Mutex
	byRoom map[string][]Command
}

func newHistoryBook() *historyBook {
	return &historyBook{byRoom: make(map[string][]Command)}
}

func (h *historyBook) Append(cmd Command) {
	h.mu.Lock()
	h.byRoom[cmd.GraphID] = append(h.byRoom[cmd.GraphID], cmd)
	h.mu.Unlock()
}

func (h *historyBook) Recent(graphID string) []Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.byRoom[graphID]
	out := make([]Command, len(list))
	copy(out, list)
	return out
}

func (h *historyBook) Drop(graphID string) {
	h.mu.Lock()
	delete(h.byRoom, graphID)
	h.mu.Unlock()
}

// History merges the room's volatile list with a timestamp-descending page
// of the persisted log: de-dup by command id (volatile wins), sort newest
// first, truncate to limit. Serves the join snapshot and the REST endpoint.
func (s *Service) History(ctx context.Context, graphID string, limit int) ([]Command, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}

	merged := make(map[string]Command)

	rows, err := s.store.ListCommands(ctx, graphID, limit, 0)
	if err != nil {
		// The volatile list still answers; persisted history is
		// best-effort, same as its writes.
		zap.L().Warn("collab.history_read", zap.String("graph_id", graphID), zap.Error(err))
	}
	for _, row := range rows {
		merged[row.ID] = commandFromRow(row)
	}
	for _, cmd := range s.history.Recent(graphID) {
		merged[cmd.ID] = cmd
	}

	out := make([]Command, 0, len(merged))
	for _, cmd := range merged {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func commandFromRow(row graphstore.CommandRow) Command {
	return Command{
		ID:        row.ID,
		Variant:   row.Type,
		Payload:   row.Payload,
		GraphID:   row.GraphID,
		UserID:    row.UserID,
		UserName:  row.UserName,
		Timestamp: row.CreatedAt,
	}
}
