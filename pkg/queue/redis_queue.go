package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"meditext/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// ErrPermanent marks a handler failure that must not be retried.
var ErrPermanent = errors.New("queue: permanent failure")

// RetryJob tracks one queued re-dispatch of a failed reminder.
type RetryJob struct {
	ID           string    `json:"id"`
	ReminderID   string    `json:"reminderId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// promoteScript moves delayed entries whose due time has passed into the
// stream. Members are "<jobID>|<reminderID>".
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", "0", ARGV[2])
for _, member in ipairs(due) do
  redis.call("ZREM", KEYS[1], member)
  local sep = string.find(member, "|", 1, true)
  if sep then
    redis.call("XADD", KEYS[2], "*", "job_id", string.sub(member, 1, sep - 1), "reminder_id", string.sub(member, sep + 1))
  end
end
return #due
`)

// RetryQueue is a Redis stream consumer group carrying reminder ids whose
// dispatch failed. Handlers are invoked at least once per entry. Delayed
// entries wait in a sorted set until they are due.
type RetryQueue struct {
	client       *redis.Client
	stream       string
	delayedKey   string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	now          func() time.Time
	once         sync.Once
}

type RetryQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRetryQueue(cfg RetryQueueConfig) (*RetryQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 30 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RetryQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		delayedKey:   stream + ":delayed",
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
		now:          time.Now,
	}, nil
}

// Enqueue schedules an immediate re-dispatch of reminderID.
func (q *RetryQueue) Enqueue(ctx context.Context, reminderID string) (RetryJob, error) {
	return q.EnqueueAfter(ctx, reminderID, 0)
}

// EnqueueAfter schedules a re-dispatch of reminderID once delay has passed.
func (q *RetryQueue) EnqueueAfter(ctx context.Context, reminderID string, delay time.Duration) (RetryJob, error) {
	reminderID = strings.TrimSpace(reminderID)
	if reminderID == "" {
		return RetryJob{}, errors.New("reminderId required")
	}
	now := q.now().UTC()
	job := RetryJob{
		ID:         util.NewID(),
		ReminderID: reminderID,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return RetryJob{}, err
	}
	if delay > 0 {
		if err := q.client.ZAdd(ctx, q.delayedKey, q.delayedMember(now.Add(delay), job.ID, job.ReminderID)).Err(); err != nil {
			return RetryJob{}, err
		}
		return job, nil
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":      job.ID,
			"reminder_id": job.ReminderID,
		},
	}).Err(); err != nil {
		return RetryJob{}, err
	}
	return job, nil
}

func (q *RetryQueue) GetJob(ctx context.Context, jobID string) (RetryJob, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return RetryJob{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return RetryJob{}, false, err
	}
	if len(data) == 0 {
		return RetryJob{}, false, nil
	}
	return decodeRetryJob(jobID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is cancelled.
func (q *RetryQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, RetryJob) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RetryQueue) Close() error {
	return q.client.Close()
}

func (q *RetryQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		// "0" so entries added before the first consumer starts are delivered
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("retry queue group create failed", "stream", q.stream, "err", err)
		}
	})
}

func (q *RetryQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, RetryJob) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("retry queue promote failed", "stream", q.stream, "err", err)
		}
		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				slog.Warn("retry queue read failed", "stream", q.stream, "err", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

// promoteDue moves due delayed entries into the stream and reports how many
// were moved.
func (q *RetryQueue) promoteDue(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey, q.stream},
		q.now().UnixMilli(), q.readCount,
	).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (q *RetryQueue) delayedMember(due time.Time, jobID, reminderID string) redis.Z {
	return redis.Z{Score: float64(due.UnixMilli()), Member: jobID + "|" + reminderID}
}

func (q *RetryQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RetryQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, RetryJob) error) {
	jobID, _ := msg.Values["job_id"].(string)
	reminderID, _ := msg.Values["reminder_id"].(string)
	if jobID == "" || reminderID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID, reminderID)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	err = handler(ctx, job)
	if err == nil {
		_ = q.markDone(ctx, jobID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if errors.Is(err, ErrPermanent) || job.Attempts >= q.maxRetries {
		slog.Warn("retry job dropped", "job_id", jobID, "reminder_id", reminderID, "attempts", job.Attempts, "err", err)
		_ = q.markFailed(ctx, jobID, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	_ = q.markQueued(ctx, jobID, err.Error())
	_ = q.requeueAndAck(ctx, msg.ID, jobID, reminderID)
}

func (q *RetryQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// requeueAndAck parks the job in the delayed set for retryDelay and acks the
// old entry atomically, so a failure leaves the original pending for
// XAUTOCLAIM.
func (q *RetryQueue) requeueAndAck(ctx context.Context, msgID, jobID, reminderID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.delayedKey, q.delayedMember(q.now().Add(q.retryDelay), jobID, reminderID))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RetryQueue) markProcessing(ctx context.Context, jobID, reminderID string) (RetryJob, error) {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return RetryJob{}, err
	}
	if job.ID == "" {
		job = RetryJob{ID: jobID}
	}
	job.ReminderID = reminderID
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = q.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return RetryJob{}, err
	}
	return job, nil
}

func (q *RetryQueue) markQueued(ctx context.Context, jobID, errMsg string) error {
	return q.setStatus(ctx, jobID, StatusQueued, errMsg)
}

func (q *RetryQueue) markDone(ctx context.Context, jobID string) error {
	return q.setStatus(ctx, jobID, StatusDone, "")
}

func (q *RetryQueue) markFailed(ctx context.Context, jobID, errMsg string) error {
	return q.setStatus(ctx, jobID, StatusFailed, errMsg)
}

func (q *RetryQueue) setStatus(ctx context.Context, jobID, status, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = q.now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RetryQueue) writeStatus(ctx context.Context, job RetryJob) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":         job.ID,
		"reminderId": job.ReminderID,
		"status":     job.Status,
		"error":      job.ErrorMessage,
		"attempts":   strconv.Itoa(job.Attempts),
		"createdAt":  job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":  job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RetryQueue) jobKey(jobID string) string {
	return fmt.Sprintf("retry:%s:%s", q.stream, jobID)
}

func decodeRetryJob(jobID string, data map[string]string) RetryJob {
	job := RetryJob{
		ID:           jobID,
		ReminderID:   data["reminderId"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}
