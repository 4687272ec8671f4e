package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voicecard/internal/config"
	"voicecard/internal/logging"
	"voicecard/internal/models"
	"voicecard/internal/retry"
	"voicecard/internal/telemetry"
)

// QueueFullError is the backpressure signal returned when a topic holds Depth ready events.
type QueueFullError struct {
	Topic string
	Depth int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("topic %s queue full (depth %d)", e.Topic, e.Depth)
}

// IsQueueFull reports whether err carries a QueueFullError.
func IsQueueFull(err error) bool {
	var qf *QueueFullError
	return errors.As(err, &qf)
}

// Options tune delivery behaviour.
type Options struct {
	QueueDepth    int
	Visibility    time.Duration
	PollInterval  time.Duration
	MaxDeliveries int
	DLQKey        string
	// ScanWindow is how many ready events a consumer inspects to find one whose job is idle.
	ScanWindow    int
	// RequeueBatch caps how many expired leases one sweep returns to the ready list.
	RequeueBatch  int
	PublishPolicy retry.Policy
	NackPolicy    retry.Policy
}

// OptionsFromConfig maps runtime configuration onto router options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		QueueDepth:    cfg.QueueDepth,
		Visibility:    cfg.VisibilityTimeout,
		PollInterval:  cfg.WorkerPollInterval,
		MaxDeliveries: cfg.RouterMaxDelivery,
		DLQKey:        cfg.DLQName,
		ScanWindow:    cfg.RouterScanWindow,
		RequeueBatch:  cfg.RouterRequeueBatch,
		PublishPolicy: retry.Policy{Initial: cfg.PublishBackoff, Max: cfg.BackoffMax, MaxAttempts: cfg.PublishMaxAttempts},
		NackPolicy:    retry.Policy{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
	}
}

func (o Options) withDefaults() Options {
	if o.QueueDepth <= 0 {
		o.QueueDepth = 1000
	}
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 10
	}
	if o.DLQKey == "" {
		o.DLQKey = "router:dlq"
	}
	if o.ScanWindow <= 0 {
		o.ScanWindow = 64
	}
	if o.RequeueBatch <= 0 {
		o.RequeueBatch = 100
	}
	if o.PublishPolicy.MaxAttempts <= 0 {
		o.PublishPolicy.MaxAttempts = 1
	}
	return o
}

// Router is an at-least-once topic router over Redis lists. Events for the same job on
// the same topic are delivered one at a time in publish order.
type Router struct {
	client *redis.Client
	opts   Options
	log    *zap.Logger
	subs   []subscription
	gate   Gate
}

// NewClient builds the shared Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// New wraps client. The router does not own the client.
func New(client *redis.Client, opts Options, log *zap.Logger) *Router {
	return &Router{
		client: client,
		opts:   opts.withDefaults(),
		log:    logging.OrNop(log).Named("router"),
	}
}

type topicKeys struct {
	ready, events, jobs, inflight, attempts, activePrefix string
}

func keysFor(topic string) topicKeys {
	base := "router:" + topic
	return topicKeys{
		ready:        base + ":ready",
		events:       base + ":events",
		jobs:         base + ":jobs",
		inflight:     base + ":inflight",
		attempts:     base + ":attempts",
		activePrefix: base + ":active:",
	}
}

// TryPublish makes a single publish attempt. It returns *QueueFullError when the topic
// is at capacity.
func (r *Router) TryPublish(ctx context.Context, topic, jobID, artifactRef string) (models.Event, error) {
	ev := models.Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		JobID:       jobID,
		ArtifactRef: artifactRef,
		PublishedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal event: %w", err)
	}
	k := keysFor(topic)
	res, err := publishScript.Run(ctx, r.client, []string{k.ready, k.events, k.jobs},
		ev.ID, payload, jobID, r.opts.QueueDepth).Int()
	if err != nil {
		return models.Event{}, fmt.Errorf("publish %s: %w", topic, err)
	}
	if res == 0 {
		telemetry.PublishRejects.WithLabelValues(topic).Inc()
		return models.Event{}, &QueueFullError{Topic: topic, Depth: r.opts.QueueDepth}
	}
	telemetry.EventsPublished.WithLabelValues(topic).Inc()
	return ev, nil
}

// Publish delivers an event to topic, retrying with backoff while the queue is full.
func (r *Router) Publish(ctx context.Context, topic, jobID, artifactRef string) error {
	var lastErr error
	for attempt := 1; attempt <= r.opts.PublishPolicy.MaxAttempts; attempt++ {
		ev, err := r.TryPublish(ctx, topic, jobID, artifactRef)
		if err == nil {
			r.log.Debug("event published",
				zap.String(logging.FieldTopic, topic),
				zap.String(logging.FieldJobID, jobID),
				zap.String(logging.FieldEventID, ev.ID))
			return nil
		}
		lastErr = err
		if !IsQueueFull(err) || attempt == r.opts.PublishPolicy.MaxAttempts {
			break
		}
		if err := retry.Sleep(ctx, r.opts.PublishPolicy.Delay(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

// Depth returns ready and leased counts for topic.
func (r *Router) Depth(ctx context.Context, topic string) (ready, inflight int64, err error) {
	k := keysFor(topic)
	pipe := r.client.Pipeline()
	readyCmd := pipe.LLen(ctx, k.ready)
	inflightCmd := pipe.ZCard(ctx, k.inflight)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return readyCmd.Val(), inflightCmd.Val(), nil
}

// DeadLetter is a DLQ entry kept for operator inspection.
type DeadLetter struct {
	Event  models.Event `json:"event"`
	Reason string       `json:"reason"`
	DeadAt time.Time    `json:"dead_at"`
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (r *Router) DLQPush(ctx context.Context, ev models.Event, reason string) error {
	payload, err := json.Marshal(DeadLetter{Event: ev, Reason: reason, DeadAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, r.opts.DLQKey, payload).Err()
}

// DLQPeek reads the oldest count dead-lettered events.
func (r *Router) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	raw, err := r.client.LRange(ctx, r.opts.DLQKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			r.log.Warn("skipping malformed dlq entry", zap.Error(err))
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// lease is one dequeued delivery.
type lease struct {
	event    models.Event
	delivery int
}

// dequeue leases the oldest ready event whose job has no other event of this topic in flight.
func (r *Router) dequeue(ctx context.Context, topic string) (*lease, error) {
	k := keysFor(topic)
	deadline := time.Now().Add(r.opts.Visibility)
	res, err := dequeueScript.Run(ctx, r.client,
		[]string{k.ready, k.jobs, k.inflight, k.attempts},
		deadline.UnixMilli(), r.opts.ScanWindow, k.activePrefix, r.activeTTL().Milliseconds()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return nil, fmt.Errorf("unexpected dequeue result: %T", res)
	}
	id, _ := arr[0].(string)
	delivery, _ := arr[1].(int64)

	payload, err := r.client.HGet(ctx, k.events, id).Result()
	if errors.Is(err, redis.Nil) {
		// Envelope vanished; drop the orphaned lease.
		return nil, r.ack(ctx, topic, id)
	}
	if err != nil {
		return nil, err
	}
	var ev models.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		_ = r.ack(ctx, topic, id)
		return nil, fmt.Errorf("decode event %s: %w", id, err)
	}
	ev.Attempt = int(delivery)
	return &lease{event: ev, delivery: int(delivery)}, nil
}

func (r *Router) activeTTL() time.Duration {
	return 2*r.opts.Visibility + r.opts.NackPolicy.Max
}

func (r *Router) ack(ctx context.Context, topic, id string) error {
	k := keysFor(topic)
	return ackScript.Run(ctx, r.client, []string{k.events, k.jobs, k.inflight, k.attempts}, id, k.activePrefix).Err()
}

// nack keeps the lease but moves its deadline so the janitor redelivers after delay.
func (r *Router) nack(ctx context.Context, topic, id string, delay time.Duration) error {
	k := keysFor(topic)
	deadline := time.Now().Add(delay)
	return nackScript.Run(ctx, r.client, []string{k.jobs, k.inflight},
		id, deadline.UnixMilli(), k.activePrefix, (delay + r.activeTTL()).Milliseconds()).Err()
}

func (r *Router) extendLease(ctx context.Context, topic, id string) error {
	return r.nack(ctx, topic, id, r.opts.Visibility)
}

// requeueExpired returns timed-out leases to the head of the ready queue.
func (r *Router) requeueExpired(ctx context.Context, topic string, now time.Time, limit int) (int, error) {
	k := keysFor(topic)
	return requeueScript.Run(ctx, r.client, []string{k.inflight, k.ready, k.jobs},
		now.UnixMilli(), limit, k.activePrefix).Int()
}

var publishScript = redis.NewScript(`
local depth = tonumber(ARGV[4])
if depth > 0 and redis.call('LLEN', KEYS[1]) >= depth then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, tonumber(ARGV[2]) - 1)
for _, id in ipairs(ids) do
  local job = redis.call('HGET', KEYS[2], id)
  if not job then
    redis.call('LREM', KEYS[1], 1, id)
  else
    local active = ARGV[3] .. job
    if redis.call('EXISTS', active) == 0 then
      redis.call('LREM', KEYS[1], 1, id)
      redis.call('SET', active, id, 'PX', ARGV[4])
      redis.call('ZADD', KEYS[3], ARGV[1], id)
      local n = redis.call('HINCRBY', KEYS[4], id, 1)
      return {id, n}
    end
  end
end
return nil
`)

var ackScript = redis.NewScript(`
local job = redis.call('HGET', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
if job then
  local active = ARGV[2] .. job
  if redis.call('GET', active) == ARGV[1] then
    redis.call('DEL', active)
  end
end
return 1
`)

var nackScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
local job = redis.call('HGET', KEYS[1], ARGV[1])
if job then
  redis.call('PEXPIRE', ARGV[3] .. job, ARGV[4])
end
return 1
`)

var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
  local job = redis.call('HGET', KEYS[3], id)
  if job then
    local active = ARGV[3] .. job
    if redis.call('GET', active) == id then
      redis.call('DEL', active)
    end
  end
end
return #ids
`)
