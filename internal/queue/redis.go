package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQueueConfig configures the Redis Streams task queue.
type RedisQueueConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	ClaimMinIdle time.Duration
	Buffer       int
	PoolSize     int
	MasterName   string
}

// NewRedisQueue initialises a queue backed by a Redis Stream with one
// consumer group. Tasks stay in the pending entries list until a worker acks
// them, so a consumer that dies mid-encode leaves its task claimable by the
// reclaim loop of any surviving subscriber.
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
		stream = "vodworks:tasks"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "transcode-workers"
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
	q := &redisQueue{
		client:       client,
		stream:       stream,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		claimMinIdle: cfg.ClaimMinIdle,
		logger:       cfg.Logger,
		buffer:       cfg.Buffer,
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.blockTimeout <= 0 {
		q.blockTimeout = 2 * time.Second
	}
	if q.claimMinIdle <= 0 {
		q.claimMinIdle = time.Minute
	}
	if err := q.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

type redisQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	blockTimeout time.Duration
	claimMinIdle time.Duration
	logger       *slog.Logger
	buffer       int

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

// PublishAll appends the batch through a MULTI/EXEC pipeline so either every
// task reaches the stream or none does.
func (q *redisQueue) PublishAll(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	payloads := make([][]byte, 0, len(tasks))
	for _, task := range tasks {
		data, err := EncodeTask(task)
		if err != nil {
			return err
		}
		payloads = append(payloads, data)
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	for _, payload := range payloads {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: map[string]interface{}{"payload": string(payload)},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish task batch: %w", err)
	}
	return nil
}

func (q *redisQueue) Subscribe() (Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	if err := q.ensureGroup(ctx); err != nil {
		cancel()
		return nil, err
	}
	sub := &redisSubscription{
		queue:    q,
		consumer: randomConsumerID(),
		cancel:   cancel,
		ch:       make(chan Delivery, q.buffer),
	}
	go sub.run(ctx)
	return sub, nil
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}

// ensureGroup creates the consumer group from the beginning of the stream so
// tasks published before the first subscriber attaches are still delivered.
func (q *redisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.groupReady.Store(true)
	return nil
}

type redisSubscription struct {
	queue    *redisQueue
	consumer string
	cancel   context.CancelFunc

	once sync.Once
	ch   chan Delivery
}

func (s *redisSubscription) Deliveries() <-chan Delivery {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
	})
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	lastClaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		messages, err := s.read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.queue.logger.Warn("task queue read failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if time.Since(lastClaim) >= s.queue.claimMinIdle {
			claimed, err := s.claimStale(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.queue.logger.Warn("task queue claim failed", "error", err)
			}
			messages = append(messages, claimed...)
			lastClaim = time.Now()
		}
		for _, msg := range messages {
			if !s.dispatch(ctx, msg) {
				return
			}
		}
	}
}

func (s *redisSubscription) dispatch(ctx context.Context, msg redis.XMessage) bool {
	payload := extractPayload(msg.Values)
	if len(payload) == 0 {
		s.ackID(ctx, msg.ID)
		return true
	}
	task, err := DecodeTask(payload)
	if err != nil {
		// Poison message: acknowledge so it is not redelivered forever.
		s.queue.logger.Error("task queue decode failed", "id", msg.ID, "error", err)
		s.ackID(ctx, msg.ID)
		return true
	}
	delivery := &redisDelivery{sub: s, id: msg.ID, payload: payload, task: task}
	select {
	case s.ch <- delivery:
		return true
	case <-ctx.Done():
		// Leave the entry pending; another consumer claims it later.
		return false
	}
}

func (s *redisSubscription) read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := s.queue.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.queue.group,
		Consumer: s.consumer,
		Streams:  []string{s.queue.stream, ">"},
		Count:    16,
		Block:    s.queue.blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return messages, nil
}

// claimStale transfers entries that another consumer left pending past the
// idle threshold, covering workers that crashed mid-encode.
func (s *redisSubscription) claimStale(ctx context.Context) ([]redis.XMessage, error) {
	messages, _, err := s.queue.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.queue.stream,
		Group:    s.queue.group,
		Consumer: s.consumer,
		MinIdle:  s.queue.claimMinIdle,
		Start:    "0-0",
		Count:    16,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return messages, nil
}

func (s *redisSubscription) ackID(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := s.queue.client.XAck(ctx, s.queue.stream, s.queue.group, id).Err(); err != nil {
		s.queue.logger.Warn("task queue ack failed", "id", id, "error", err)
	}
}

type redisDelivery struct {
	sub     *redisSubscription
	id      string
	payload []byte
	task    Task

	mu      sync.Mutex
	settled bool
}

func (d *redisDelivery) Task() Task {
	return d.task
}

func (d *redisDelivery) Ack(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return nil
	}
	if err := d.sub.queue.client.XAck(ctx, d.sub.queue.stream, d.sub.queue.group, d.id).Err(); err != nil {
		// The entry stays pending, so the claim loop redelivers it.
		return err
	}
	d.settled = true
	return nil
}

// Requeue appends a fresh copy of the task and then acknowledges the original
// entry. The append must come first: until the copy exists the original stays
// in the pending list, so a crash or append failure between the two yields a
// redelivery, never a lost task. A crash after the append but before the ack
// yields a duplicate, which consumers handle idempotently.
func (d *redisDelivery) Requeue(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return nil
	}
	if err := d.sub.queue.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.sub.queue.stream,
		Values: map[string]interface{}{"payload": string(d.payload)},
	}).Err(); err != nil {
		return err
	}
	d.settled = true
	if err := d.sub.queue.client.XAck(ctx, d.sub.queue.stream, d.sub.queue.group, d.id).Err(); err != nil {
		d.sub.queue.logger.Warn("ack after requeue failed, duplicate delivery possible", "id", d.id, "error", err)
	}
	return nil
}

func extractPayload(values map[string]interface{}) []byte {
	for key, value := range values {
		if !strings.EqualFold(key, "payload") {
			continue
		}
		switch v := value.(type) {
		case string:
			return []byte(v)
		case []byte:
			return v
		}
	}
	return nil
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
