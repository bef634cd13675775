package live

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// scriptedStreamClient feeds a fresh stream entry on every XReadGroup call.
// Methods outside the read path are left to the embedded nil interface.
type scriptedStreamClient struct {
	redis.UniversalClient

	mu   sync.Mutex
	next int
}

func (c *scriptedStreamClient) XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	c.mu.Lock()
	c.next++
	id := fmt.Sprintf("0-%d", c.next)
	c.mu.Unlock()

	payload, err := json.Marshal(Update{Op: OpStatus, Connection: StatusActive, SentAt: time.Now().UTC()})
	if err != nil {
		return redis.NewXStreamSliceCmdResult(nil, err)
	}
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{
		Stream: args.Streams[0],
		Messages: []redis.XMessage{{
			ID:     id,
			Values: map[string]interface{}{"payload": string(payload)},
		}},
	}}, nil)
}

func (c *scriptedStreamClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	return redis.NewIntResult(int64(len(ids)), nil)
}

func newScriptedQueue(client redis.UniversalClient) *redisQueue {
	return &redisQueue{
		client:       client,
		stream:       "streamglass:updates",
		group:        "update-consumers",
		blockTimeout: 10 * time.Millisecond,
		buffer:       1,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestRedisSubscriptionCloseRacesDelivery(t *testing.T) {
	queue := newScriptedQueue(&scriptedStreamClient{})

	// The read loop keeps delivering while Close runs; repeated cycles
	// surface any send on a channel the closer tore down.
	for i := 0; i < 200; i++ {
		sub := queue.Subscribe()
		select {
		case _, ok := <-sub.Updates():
			if !ok {
				t.Fatal("updates channel closed before Close")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
		sub.Close()
		for range sub.Updates() {
		}
	}
}

func TestRedisSubscriptionCloseClosesUpdates(t *testing.T) {
	queue := newScriptedQueue(&scriptedStreamClient{})
	sub := queue.Subscribe()
	sub.Close()
	for {
		if _, ok := <-sub.Updates(); !ok {
			return
		}
	}
}
