package relaydoc

import (
	"fmt"
	"net/url"
	"strings"
)

func BuildSinkQueueFromDSN(dsn string, capacity int) (SinkQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupSinkQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileSinkQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemorySinkQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresSinkQueue(dsn, capacity)
	case "redis", "rediss":
		return NewRedisSinkQueue(dsn, capacity)
	case "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: sink queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported sink queue scheme: %s", scheme)
	}
}
