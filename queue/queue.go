package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nebula-cloud/nebula/errors"
	"github.com/nebula-cloud/nebula/log"
	"github.com/nebula-cloud/nebula/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	defaultStream          = "nebula:transcode"
	defaultGroup           = "nebula-workers"
	defaultProgressChannel = "nebula:transcode:progress"
	revokedKeyPrefix       = "nebula:transcode:revoked:"
	revokedKeyTTL          = 24 * time.Hour
)

// Task is the statically known message type carried on the queue. The worker
// is idempotent at the granularity of "produce a variant for
// (file_id, quality)", so redelivery of a Task is safe.
type Task struct {
	JobID   int64 `json:"job_id"`
	FileID  int64 `json:"file_id"`
	Quality int   `json:"quality"`
}

// Config tunes the Redis Streams queue. Zero values take defaults.
type Config struct {
	URL string
	// Un-acked deliveries are reclaimed by another consumer after this long.
	VisibilityTimeout time.Duration
	BlockTimeout      time.Duration
}

// Queue hands work from the API to transcoder workers with at-least-once
// delivery over a Redis Stream consumer group. Enqueue returns a task ID that
// is stored on the job row for revocation.
type Queue struct {
	client     *redis.Client
	stream     string
	group      string
	visibility time.Duration
	block      time.Duration
}

func New(cfg Config) (*Queue, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	q := &Queue{
		client:     redis.NewClient(opt),
		stream:     defaultStream,
		group:      defaultGroup,
		visibility: cfg.VisibilityTimeout,
		block:      cfg.BlockTimeout,
	}
	if err := q.ensureGroup(context.Background()); err != nil {
		q.client.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return errors.Upstream("creating consumer group: %s", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue appends a task to the stream and returns its task ID.
func (q *Queue) Enqueue(ctx context.Context, task Task) (string, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return "", err
	}
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Result()
	if err != nil {
		return "", errors.Upstream("enqueue failed: %s", err)
	}
	return id, nil
}

// Delivery is one received task. It must be acknowledged exactly once, on
// success or on durable failure; un-acked deliveries are redelivered to
// another consumer after the visibility timeout.
type Delivery struct {
	TaskID string
	Task   Task
	queue  *Queue
}

func (d *Delivery) Ack(ctx context.Context) error {
	return d.queue.Ack(ctx, d.TaskID)
}

// Ack acknowledges a delivery by task ID.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	return q.client.XAck(ctx, q.stream, q.group, taskID).Err()
}

// Consume delivers tasks on the returned channel until ctx is cancelled.
// Stale pending entries from dead consumers are reclaimed before new reads.
func (q *Queue) Consume(ctx context.Context, consumer string) (<-chan Delivery, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			messages := q.reclaim(ctx, consumer)
			if len(messages) == 0 {
				var err error
				messages, err = q.readNew(ctx, consumer)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.LogNoID("queue read failed", "err", err)
					time.Sleep(time.Second)
					continue
				}
			}
			for _, msg := range messages {
				d, ok := q.decode(msg)
				if !ok {
					// Undecodable entries are acked away so they do not wedge
					// the pending list forever.
					_ = q.client.XAck(ctx, q.stream, q.group, msg.ID).Err()
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (q *Queue) reclaim(ctx context.Context, consumer string) []redis.XMessage {
	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.visibility,
		Start:    "0",
		Count:    10,
	}).Result()
	if err != nil && ctx.Err() == nil {
		log.LogNoID("queue reclaim failed", "err", err)
		return nil
	}
	return countRedelivered(messages)
}

// countRedelivered tracks deliveries reclaimed from dead consumers.
func countRedelivered(messages []redis.XMessage) []redis.XMessage {
	if len(messages) > 0 {
		metrics.Metrics.QueueDeliveriesRedelivered.Add(float64(len(messages)))
	}
	return messages
}

func (q *Queue) readNew(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var messages []redis.XMessage
	for _, s := range streams {
		messages = append(messages, s.Messages...)
	}
	return messages, nil
}

func (q *Queue) decode(msg redis.XMessage) (Delivery, bool) {
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		log.LogNoID("queue entry missing payload", "task_id", msg.ID)
		return Delivery{}, false
	}
	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		log.LogNoID("queue entry undecodable", "task_id", msg.ID, "err", err)
		return Delivery{}, false
	}
	return Delivery{TaskID: msg.ID, Task: task, queue: q}, true
}

// Revoke requests best-effort cancellation of queued or in-flight work. The
// worker observes the revocation at its next progress checkpoint and
// terminates the encoder.
func (q *Queue) Revoke(ctx context.Context, taskID string) error {
	err := q.client.Set(ctx, revokedKeyPrefix+taskID, "1", revokedKeyTTL).Err()
	if err != nil {
		return errors.Upstream("revoke %s failed: %s", taskID, err)
	}
	return nil
}

func (q *Queue) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	n, err := q.client.Exists(ctx, revokedKeyPrefix+taskID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ProgressEvent is the opaque progress message published on the side-channel
// keyed by task ID. The catalog remains the authoritative progress source.
type ProgressEvent struct {
	TaskID   string  `json:"task_id"`
	JobID    int64   `json:"job_id"`
	Progress float64 `json:"progress"`
}

// PublishProgress emits a progress event. Best-effort; callers log and move
// on when it fails.
func (q *Queue) PublishProgress(ctx context.Context, event ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return q.client.Publish(ctx, defaultProgressChannel, payload).Err()
}

// SubscribeProgress delivers progress events until ctx is cancelled.
func (q *Queue) SubscribeProgress(ctx context.Context) (<-chan ProgressEvent, error) {
	sub := q.client.Subscribe(ctx, defaultProgressChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, errors.Upstream("progress subscribe failed: %s", err)
	}
	out := make(chan ProgressEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var event ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.LogNoID("progress event undecodable", "err", err)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
