package republish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps jobs in a sorted set scored by due time, with bodies in a
// companion hash. Claiming a job pushes its score forward by a lease, so a
// worker that dies mid-job lets another pick it up once the lease expires.
type RedisQueue struct {
	client  redis.UniversalClient
	dueKey  string
	bodyKey string
	lease   time.Duration
}

// claimScript leases up to ARGV[3] due jobs until ARGV[2] and returns
// id, body pairs. Entries without a body are dropped.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
  local body = redis.call('HGET', KEYS[2], id)
  if body then
    redis.call('ZADD', KEYS[1], ARGV[2], id)
    table.insert(out, id)
    table.insert(out, body)
  else
    redis.call('ZREM', KEYS[1], id)
  end
end
return out
`)

func NewRedisQueue(client redis.UniversalClient, key string, lease time.Duration) *RedisQueue {
	if lease <= 0 {
		lease = time.Minute
	}
	return &RedisQueue{client: client, dueKey: key + ":due", bodyKey: key + ":jobs", lease: lease}
}

// EnqueuePublish stores job as due immediately.
func (q *RedisQueue) EnqueuePublish(ctx context.Context, job Job) error {
	return q.schedule(ctx, job, time.Now())
}

// Retry stores job again, due at the given time.
func (q *RedisQueue) Retry(ctx context.Context, job Job, at time.Time) error {
	return q.schedule(ctx, job, at)
}

func (q *RedisQueue) schedule(ctx context.Context, job Job, at time.Time) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode republish job %s: %w", job.ID, err)
	}
	id := job.ID.String()
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.bodyKey, id, body)
		p.ZAdd(ctx, q.dueKey, redis.Z{Score: score(at), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule republish job %s: %w", id, err)
	}
	return nil
}

// Claim leases up to limit jobs due at now. Bodies that no longer decode are
// removed and reported in the returned error next to the decodable jobs.
func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	raw, err := claimScript.Run(ctx, q.client,
		[]string{q.dueKey, q.bodyKey},
		score(now), score(now.Add(q.lease)), limit,
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim republish jobs: %w", err)
	}

	var (
		jobs    []Job
		corrupt []error
	)
	for i := 0; i+1 < len(raw); i += 2 {
		id, body := raw[i], raw[i+1]
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			corrupt = append(corrupt, fmt.Errorf("republish job %s: %w", id, err))
			if err := q.remove(ctx, id); err != nil {
				corrupt = append(corrupt, err)
			}
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Join(corrupt...)
}

// Ack removes a finished job.
func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	return q.remove(ctx, job.ID.String())
}

func (q *RedisQueue) remove(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.dueKey, id)
		p.HDel(ctx, q.bodyKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack republish job %s: %w", id, err)
	}
	return nil
}

// Len returns the number of queued jobs, leased or not.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.dueKey).Result()
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
