package syncdlq

import (
	"context"
	"strconv"
	"time"

	"collabgraphgo/internal/database/graphstore"
	"collabgraphgo/internal/services/collab"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run tails the command dead-letter stream and retries the Postgres
// appends the broadcaster gave up on. The insert is idempotent (command
// ids conflict away), so replaying an entry twice is harmless.
func Run(ctx context.Context, rdc *redis.Client, store graphstore.IGraphStore) {
	go func() {
		lastID := "0-0"
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			// block up to 2 s for new entries
			res, err := rdc.XRead(ctx, &redis.XReadArgs{
				Streams: []string{collab.DLQStream, lastID},
				Count:   100,
				Block:   2000 * time.Millisecond,
			}).Result()
			if err != nil && err != redis.Nil {
				if ctx.Err() != nil {
					return
				}
				zap.L().Warn("syncdlq.xread", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			if len(res) == 0 {
				continue
			}
			entries := res[0].Messages
			for _, m := range entries {
				if err := replay(ctx, store, m); err != nil {
					// Left on the stream cursor-wise, but we still
					// advance: the append path keeps producing and a
					// poison entry must not wedge the tail.
					zap.L().Error("syncdlq.replay",
						zap.String("stream_id", m.ID), zap.Error(err))
				}
			}
			lastID = entries[len(entries)-1].ID
		}
	}()
}

func replay(ctx context.Context, store graphstore.IGraphStore, m redis.XMessage) error {
	str := func(k string) string {
		v, _ := m.Values[k].(string)
		return v
	}
	at, _ := strconv.ParseInt(str("at"), 10, 64)

	return store.AppendCommand(ctx, &graphstore.CommandRow{
		ID:        str("id"),
		GraphID:   str("gid"),
		Type:      str("type"),
		Payload:   []byte(str("payload")),
		UserID:    str("uid"),
		UserName:  str("uname"),
		CreatedAt: time.UnixMilli(at).UTC(),
	})
}
