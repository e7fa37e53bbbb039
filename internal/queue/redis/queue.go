// Package redis implements a durable analysis queue on Redis lists, sorted sets and hashes.
//
// Layout under the configured prefix:
//
//	<prefix>:job:<id>   hash  payload, state, progress, failed_reason, cancelled, status_message
//	<prefix>:waiting    list  new ids are pushed left and popped right
//	<prefix>:active     list  ids held by workers
//	<prefix>:leases     zset  active ids scored by the unix millisecond their lease expires
//	<prefix>:delayed    zset  scored by the unix millisecond the job becomes runnable
//	<prefix>:completed  zset  scored by completion time, trimmed to the retention size
//	<prefix>:failed     zset  scored by failure time, trimmed to the retention size
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
)

const (
	fieldPayload       = "payload"
	fieldState         = "state"
	fieldProgress      = "progress"
	fieldFailedReason  = "failed_reason"
	fieldCancelled     = "cancelled"
	fieldStatusMessage = "status_message"
)

// Config controls key naming, retention and polling.
type Config struct {
	Prefix       string
	Retention    int64
	PollInterval time.Duration
	// LeaseTTL is how long an active job survives without ExtendLease before it is
	// handed to another worker.
	LeaseTTL time.Duration
}

// Multi-key steps run as scripts so a crash between them cannot strand a job.
var (
	enqueueScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[1], 'state', ARGV[3], 'progress', 0, 'cancelled', 0)
redis.call('LPUSH', KEYS[2], ARGV[2])
return 1
`)

	dequeueScript = goredis.NewScript(`
while true do
	local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
	if not id then
		return false
	end
	local key = ARGV[1] .. id
	if redis.call('EXISTS', key) == 1 then
		redis.call('HSET', key, 'state', ARGV[2])
		redis.call('ZADD', KEYS[3], ARGV[3], id)
		return {id, redis.call('HGET', key, 'payload')}
	end
	redis.call('LREM', KEYS[2], 0, id)
end
`)

	// reclaimScript returns expired active jobs to the front of the waiting list, or
	// fails them when they were cancelled, then leases any active id that has none.
	reclaimScript = goredis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local requeued, failed = 0, 0
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[1], id)
	if redis.call('LREM', KEYS[2], 0, id) > 0 then
		local key = ARGV[2] .. id
		if redis.call('EXISTS', key) == 1 then
			if redis.call('HGET', key, 'cancelled') == '1' then
				redis.call('HSET', key, 'state', 'failed', 'failed_reason', ARGV[4])
				redis.call('ZADD', KEYS[4], ARGV[1], id)
				failed = failed + 1
			else
				redis.call('HSET', key, 'state', 'waiting')
				redis.call('RPUSH', KEYS[3], id)
				requeued = requeued + 1
			end
		end
	end
end
for _, id in ipairs(redis.call('LRANGE', KEYS[2], 0, -1)) do
	if not redis.call('ZSCORE', KEYS[1], id) then
		redis.call('ZADD', KEYS[1], ARGV[3], id)
	end
end
return {requeued, failed}
`)

	finishScript = goredis.NewScript(`
if redis.call('LREM', KEYS[1], 0, ARGV[1]) == 0 then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], 'state', ARGV[2], 'failed_reason', ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)

	extendScript = goredis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
	return 1
end
return 0
`)
)

// Queue implements analysis.Queue on top of a go-redis client.
type Queue struct {
	client goredis.UniversalClient
	cfg    Config
	now    func() time.Time
}

// New creates a Queue. Defaults: prefix "analysis", retention 100, poll 500ms, lease 5m.
func New(client goredis.UniversalClient, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "analysis"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	return &Queue{client: client, cfg: cfg, now: time.Now}, nil
}

// NewClient builds a client from a redis:// URL, or from host/port/password when the URL is empty.
func NewClient(url, addr, password string) (*goredis.Client, error) {
	if url != "" {
		opts, err := goredis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return goredis.NewClient(opts), nil
	}
	return goredis.NewClient(&goredis.Options{Addr: addr, Password: password}), nil
}

func (q *Queue) key(parts ...string) string {
	k := q.cfg.Prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(id string) string {
	return q.key("job", id)
}

// Ping checks connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Enqueue stores a waiting job unless the id already exists.
func (q *Queue) Enqueue(ctx context.Context, id string, payload analysis.JobPayload) (bool, error) {
	if id == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return false, fmt.Errorf("generate job id: %w", err)
		}
		id = generated.String()
	}
	// Cancelled and status message live in their own fields.
	payload.Cancelled = false
	payload.StatusMessage = ""
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}
	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.key("waiting")},
		data, id, string(analysis.JobStateWaiting),
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue job: %w", err)
	}
	return created == 1, nil
}

// Dequeue polls for the next runnable job, moves it to the active list and leases it.
// Jobs whose lease expired are redelivered first.
func (q *Queue) Dequeue(ctx context.Context) (analysis.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return analysis.Job{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		if err := q.reclaimExpired(ctx); err != nil {
			return analysis.Job{}, err
		}
		if err := q.promoteDelayed(ctx); err != nil {
			return analysis.Job{}, err
		}
		res, err := dequeueScript.Run(ctx, q.client,
			[]string{q.key("waiting"), q.key("active"), q.key("leases")},
			q.key("job")+":", string(analysis.JobStateActive), q.leaseDeadline(),
		).StringSlice()
		switch {
		case errors.Is(err, goredis.Nil):
			select {
			case <-ctx.Done():
				return analysis.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		case err != nil:
			return analysis.Job{}, fmt.Errorf("pop waiting job: %w", err)
		case len(res) != 2:
			return analysis.Job{}, fmt.Errorf("pop waiting job: unexpected reply %v", res)
		}

		id := res[0]
		var payload analysis.JobPayload
		if err := json.Unmarshal([]byte(res[1]), &payload); err != nil {
			return analysis.Job{}, fmt.Errorf("decode job %s: %w", id, err)
		}
		return analysis.Job{ID: id, Payload: payload}, nil
	}
}

// ExtendLease pushes the lease of an active job forward by LeaseTTL.
func (q *Queue) ExtendLease(ctx context.Context, id string) error {
	extended, err := extendScript.Run(ctx, q.client, []string{q.key("leases")}, id, q.leaseDeadline()).Int()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", id, err)
	}
	if extended == 0 {
		return fmt.Errorf("extend lease %s: %w", id, analysis.ErrJobNotFound)
	}
	return nil
}

func (q *Queue) leaseDeadline() int64 {
	return q.now().Add(q.cfg.LeaseTTL).UnixMilli()
}

func (q *Queue) reclaimExpired(ctx context.Context) error {
	counts, err := reclaimScript.Run(ctx, q.client,
		[]string{q.key("leases"), q.key("active"), q.key("waiting"), q.key("failed")},
		q.now().UnixMilli(), q.key("job")+":", q.leaseDeadline(), analysis.ReasonCancelled,
	).Int64Slice()
	if err != nil {
		return fmt.Errorf("reclaim expired jobs: %w", err)
	}
	if len(counts) == 2 && counts[1] > 0 {
		return q.trim(ctx, q.key("failed"))
	}
	return nil
}

func (q *Queue) promoteDelayed(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("list delayed jobs: %w", err)
	}
	for _, id := range due {
		removed, err := q.client.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return fmt.Errorf("promote job %s: %w", id, err)
		}
		if removed == 0 {
			// Another consumer promoted it first.
			continue
		}
		_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, q.jobKey(id), fieldState, string(analysis.JobStateWaiting))
			pipe.LPush(ctx, q.key("waiting"), id)
			return nil
		})
		if err != nil {
			return fmt.Errorf("promote job %s: %w", id, err)
		}
	}
	return nil
}

// Get returns a snapshot of the job.
func (q *Queue) Get(ctx context.Context, id string) (analysis.JobInfo, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return analysis.JobInfo{}, fmt.Errorf("get job %s: %w", id, err)
	}
	raw, ok := fields[fieldPayload]
	if !ok {
		return analysis.JobInfo{}, analysis.ErrJobNotFound
	}
	var payload analysis.JobPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return analysis.JobInfo{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	payload.Cancelled = fields[fieldCancelled] == "1"
	payload.StatusMessage = fields[fieldStatusMessage]
	progress, _ := strconv.Atoi(fields[fieldProgress])
	return analysis.JobInfo{
		ID:           id,
		Payload:      payload,
		State:        analysis.JobState(fields[fieldState]),
		Progress:     progress,
		FailedReason: fields[fieldFailedReason],
	}, nil
}

// IsActive reports whether the job is held by a worker.
func (q *Queue) IsActive(ctx context.Context, id string) (bool, error) {
	state, err := q.client.HGet(ctx, q.jobKey(id), fieldState).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("job state %s: %w", id, err)
	}
	return state == string(analysis.JobStateActive), nil
}

// SetStatusMessage stores a human-readable status on the job.
func (q *Queue) SetStatusMessage(ctx context.Context, id string, msg string) error {
	if err := q.requireJob(ctx, id); err != nil {
		return err
	}
	if err := q.client.HSet(ctx, q.jobKey(id), fieldStatusMessage, msg).Err(); err != nil {
		return fmt.Errorf("set status message %s: %w", id, err)
	}
	return nil
}

// UpdateProgress raises the job progress; lower values are ignored.
func (q *Queue) UpdateProgress(ctx context.Context, id string, progress int) error {
	current, err := q.client.HGet(ctx, q.jobKey(id), fieldProgress).Int()
	if errors.Is(err, goredis.Nil) {
		return analysis.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("read progress %s: %w", id, err)
	}
	if progress <= current {
		return nil
	}
	if err := q.client.HSet(ctx, q.jobKey(id), fieldProgress, min(progress, 100)).Err(); err != nil {
		return fmt.Errorf("update progress %s: %w", id, err)
	}
	return nil
}

// Complete moves an active job to the completed set.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.finish(ctx, id, analysis.JobStateCompleted, "")
}

// Fail moves an active job to the failed set.
func (q *Queue) Fail(ctx context.Context, id string, reason string) error {
	return q.finish(ctx, id, analysis.JobStateFailed, reason)
}

func (q *Queue) finish(ctx context.Context, id string, state analysis.JobState, reason string) error {
	setKey := q.key(string(state))
	if err := q.release(ctx, id, state, reason, setKey, q.now().UnixMilli()); err != nil {
		return err
	}
	return q.trim(ctx, setKey)
}

// release atomically drops an active job and its lease and files it under setKey.
func (q *Queue) release(
	ctx context.Context,
	id string,
	state analysis.JobState,
	reason string,
	setKey string,
	score int64,
) error {
	moved, err := finishScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("leases"), q.jobKey(id), setKey},
		id, string(state), reason, score,
	).Int()
	if err != nil {
		return fmt.Errorf("release job %s: %w", id, err)
	}
	if moved == 0 {
		if err := q.requireJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%s job %s: not active", state, id)
	}
	return nil
}

func (q *Queue) markFinished(ctx context.Context, id string, state analysis.JobState, reason string) error {
	setKey := q.key(string(state))
	_, err := q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), fieldState, string(state), fieldFailedReason, reason)
		pipe.ZAdd(ctx, setKey, goredis.Z{Score: float64(q.now().UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark job %s %s: %w", id, state, err)
	}
	return q.trim(ctx, setKey)
}

// trim deletes the oldest finished jobs beyond the retention size.
func (q *Queue) trim(ctx context.Context, setKey string) error {
	size, err := q.client.ZCard(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("count %s: %w", setKey, err)
	}
	excess := size - q.cfg.Retention
	if excess <= 0 {
		return nil
	}
	stale, err := q.client.ZRange(ctx, setKey, 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("list %s: %w", setKey, err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, id := range stale {
			pipe.Del(ctx, q.jobKey(id))
			pipe.ZRem(ctx, setKey, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("trim %s: %w", setKey, err)
	}
	return nil
}

// Delay returns an active job to the delayed set, runnable after d.
func (q *Queue) Delay(ctx context.Context, id string, d time.Duration) error {
	runAt := q.now().Add(d).UnixMilli()
	return q.release(ctx, id, analysis.JobStateDelayed, "", q.key("delayed"), runAt)
}

// Cancel flags the job. Waiting and delayed jobs are removed and failed with reason "cancelled".
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	exists, err := q.client.Exists(ctx, q.jobKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	if exists == 0 {
		return false, nil
	}
	if err := q.client.HSet(ctx, q.jobKey(id), fieldCancelled, 1).Err(); err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}

	removed, err := q.client.LRem(ctx, q.key("waiting"), 0, id).Result()
	if err != nil {
		return true, fmt.Errorf("cancel job %s: %w", id, err)
	}
	if removed == 0 {
		removed, err = q.client.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return true, fmt.Errorf("cancel job %s: %w", id, err)
		}
	}
	if removed > 0 {
		if err := q.markFinished(ctx, id, analysis.JobStateFailed, analysis.ReasonCancelled); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (analysis.JobCounts, error) {
	var waiting, active *goredis.IntCmd
	var delayed, completed, failed *goredis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		waiting = pipe.LLen(ctx, q.key("waiting"))
		active = pipe.LLen(ctx, q.key("active"))
		delayed = pipe.ZCard(ctx, q.key("delayed"))
		completed = pipe.ZCard(ctx, q.key("completed"))
		failed = pipe.ZCard(ctx, q.key("failed"))
		return nil
	})
	if err != nil {
		return analysis.JobCounts{}, fmt.Errorf("count jobs: %w", err)
	}
	return analysis.JobCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Obliterate deletes every key under the prefix.
func (q *Queue) Obliterate(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, q.cfg.Prefix+":*", 200).Result()
		if err != nil {
			return fmt.Errorf("scan keys: %w", err)
		}
		if len(keys) > 0 {
			if err := q.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete keys: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (q *Queue) requireJob(ctx context.Context, id string) error {
	exists, err := q.client.Exists(ctx, q.jobKey(id)).Result()
	if err != nil {
		return fmt.Errorf("lookup job %s: %w", id, err)
	}
	if exists == 0 {
		return analysis.ErrJobNotFound
	}
	return nil
}
