package relaydoc

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSinkQueueKey      = "relaydoc:sink"
	redisOperationTimeout  = 5 * time.Second
	redisBlockingPopWindow = time.Second
)

// RedisSinkQueue keeps pending sink tasks in a Redis list. Capacity is
// checked with LLEN before RPUSH, so concurrent producers may overshoot it
// slightly.
type RedisSinkQueue struct {
	client   *redis.Client
	key      string
	capacity int
}

// NewRedisSinkQueue accepts a redis:// or rediss:// URL. A "key" query
// parameter overrides the list name.
func NewRedisSinkQueue(dsn string, capacity int) (SinkQueue, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	key := redisSinkQueueKey
	query := parsed.Query()
	if custom := strings.TrimSpace(query.Get("key")); custom != "" {
		key = custom
	}
	query.Del("key")
	parsed.RawQuery = query.Encode()

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &RedisSinkQueue{
		client:   redis.NewClient(opts),
		key:      key,
		capacity: capacity,
	}, nil
}

func (q *RedisSinkQueue) TryEnqueue(task SinkTask) bool {
	if q == nil || task.Key() == "" {
		return false
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil || depth >= int64(q.capacity) {
		return false
	}
	return q.client.RPush(ctx, q.key, payload).Err() == nil
}

func (q *RedisSinkQueue) Enqueue(ctx context.Context, task SinkTask) bool {
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(postgresQueuePollInterval):
		}
	}
}

func (q *RedisSinkQueue) Dequeue(ctx context.Context) (SinkTask, bool) {
	if q == nil {
		return SinkTask{}, false
	}
	for {
		if ctx.Err() != nil {
			return SinkTask{}, false
		}
		values, err := q.client.BLPop(ctx, redisBlockingPopWindow, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return SinkTask{}, false
			case <-time.After(redisBlockingPopWindow):
				continue
			}
		}
		if len(values) != 2 {
			continue
		}
		var task SinkTask
		if err := json.Unmarshal([]byte(values[1]), &task); err != nil || task.Key() == "" {
			continue
		}
		return task, true
	}
}

func (q *RedisSinkQueue) Depth() int {
	if q == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0
	}
	return int(depth)
}

func (q *RedisSinkQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *RedisSinkQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
