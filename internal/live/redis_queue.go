package live

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQueueConfig configures the Redis Streams update queue. It exists so a
// dashboard or alert relay running in another process can tail the same
// update feed the in-process WebSocket push uses.
type RedisQueueConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	Group        string
	MasterName   string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	Buffer       int
	Logger       *slog.Logger
}

// NewRedisQueue initialises a queue backed by Redis Streams with a consumer
// group per subscriber process.
func NewRedisQueue(cfg RedisQueueConfig) (Queue, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "streamglass:updates"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "update-consumers"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	queue := &redisQueue{
		client:       client,
		stream:       stream,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		buffer:       cfg.Buffer,
		logger:       cfg.Logger,
	}
	if queue.logger == nil {
		queue.logger = slog.Default()
	}
	if queue.blockTimeout <= 0 {
		queue.blockTimeout = 2 * time.Second
	}
	if err := queue.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

type redisQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	blockTimeout time.Duration
	buffer       int
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

func (q *redisQueue) Publish(ctx context.Context, update Update) error {
	if update.Op == "" {
		return errors.New("update op is required")
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
}

func (q *redisQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		queue:    q,
		consumer: randomConsumerID(),
		cancel:   cancel,
		ch:       make(chan Update, q.buffer),
		done:     make(chan struct{}),
	}
	go sub.run(ctx)
	return sub
}

func (q *redisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	q.groupReady.Store(true)
	return nil
}

type redisSubscription struct {
	queue    *redisQueue
	consumer string
	cancel   context.CancelFunc

	once sync.Once
	ch   chan Update
	done chan struct{}
}

func (s *redisSubscription) Updates() <-chan Update {
	return s.ch
}

// Close stops the read loop and waits for it to exit. The updates channel is
// closed only by its sending goroutine, never here.
func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
	})
	<-s.done
}

func (s *redisSubscription) run(ctx context.Context) {
	defer func() {
		close(s.ch)
		close(s.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		streams, err := s.queue.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.queue.group,
			Consumer: s.consumer,
			Streams:  []string{s.queue.stream, ">"},
			Count:    32,
			Block:    s.queue.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			s.queue.logger.Warn("update queue read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		for _, stream := range streams {
			for _, message := range stream.Messages {
				payload, _ := message.Values["payload"].(string)
				if payload == "" {
					s.ack(ctx, message.ID)
					continue
				}
				var update Update
				if err := json.Unmarshal([]byte(payload), &update); err != nil {
					s.queue.logger.Error("update queue decode failed", "error", err)
					s.ack(ctx, message.ID)
					continue
				}
				select {
				case s.ch <- update:
					s.ack(ctx, message.ID)
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := s.queue.client.XAck(ctx, s.queue.stream, s.queue.group, id).Err(); err != nil {
		s.queue.logger.Warn("update queue ack failed", "id", id, "error", err)
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygroup")
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("consumer-%s", hex.EncodeToString(buf))
}
