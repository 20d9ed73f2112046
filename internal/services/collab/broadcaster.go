package collab

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"collabgraphgo/internal/database/graphstore"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DLQStream receives command appends the store rejected; syncdlq tails it.
const DLQStream = "cmd_dlq"

const persistTimeout = 4 * time.Second

// Command stamps and fans out one edit/chat action. Delivery order equals
// server receive order per room (the actor is the single dispatch point);
// persistence is fire-and-forget and never delays the broadcast.
func (s *Service) Command(connID, variant string, payload json.RawMessage) (*Command, error) {
	if _, ok := commandVariants[variant]; !ok {
		return nil, ErrUnknownVariant
	}
	c, ok := s.reg.Get(connID)
	if !ok {
		return nil, ErrNotJoined
	}

	var cmd Command
	err := s.run(c.GraphID, func() error {
		// The sender may have raced an exit; re-check inside the actor.
		if _, still := s.reg.Get(connID); !still {
			return ErrNotJoined
		}
		cmd = Command{
			ID:        uuid.NewString(),
			Variant:   variant,
			Payload:   payload,
			GraphID:   c.GraphID,
			UserID:    c.UserID,
			UserName:  c.Name,
			Timestamp: time.Now().UTC(),
		}
		s.reg.TouchActivity(connID, cmd.Timestamp)

		s.history.Append(cmd)
		go s.persistCommand(cmd)

		s.broadcastRoom(c.GraphID, EvtCommandReceived, cmd, connID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

func (s *Service) persistCommand(cmd Command) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := s.store.AppendCommand(ctx, &graphstore.CommandRow{
		ID:        cmd.ID,
		GraphID:   cmd.GraphID,
		Type:      cmd.Variant,
		Payload:   cmd.Payload,
		UserID:    cmd.UserID,
		UserName:  cmd.UserName,
		CreatedAt: cmd.Timestamp,
	})
	if err == nil {
		return
	}
	zap.L().Warn("collab.persist_cmd",
		zap.String("cmd_id", cmd.ID),
		zap.String("graph_id", cmd.GraphID),
		zap.Error(err))

	s.deadLetter(ctx, cmd)
}

// deadLetter parks the failed append on a Redis stream so durable history
// does not silently diverge from live history.
func (s *Service) deadLetter(ctx context.Context, cmd Command) {
	if s.rdc == nil {
		return
	}
	// Field/value pairs as a slice keep the wire argument order stable.
	err := s.rdc.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQStream,
		Values: []any{
			"id", cmd.ID,
			"gid", cmd.GraphID,
			"type", cmd.Variant,
			"payload", string(cmd.Payload),
			"uid", cmd.UserID,
			"uname", cmd.UserName,
			"at", strconv.FormatInt(cmd.Timestamp.UnixMilli(), 10),
		},
	}).Err()
	if err != nil {
		zap.L().Error("collab.dead_letter",
			zap.String("cmd_id", cmd.ID),
			zap.Error(err))
	}
}

// broadcastRoom pushes one event to every member of the room, skipping
// exceptConnID (usually the originator). Send failures are the reader
// loop's problem; the fan-out never removes members itself.
func (s *Service) broadcastRoom(graphID, event string, body any, exceptConnID string) {
	for _, member := range s.reg.ListForGraph(graphID) {
		if member.ConnID == exceptConnID || member.sink == nil {
			continue
		}
		if err := member.sink.Send(event, body); err != nil {
			zap.L().Debug("collab.broadcast_send",
				zap.String("event", event),
				zap.String("conn_id", member.ConnID),
				zap.Error(err))
		}
	}
}
