package imagequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "imagequeue:msg"

// RedisRecorder stores classification metadata in one hash per message:
// field "metadata" holds the JSON record and "is_deleted" is set to "1" when
// the message was removed.
type RedisRecorder struct {
	Client redis.Cmdable
	Prefix string        // key prefix (default: "imagequeue:msg")
	TTL    time.Duration // optional: expire keys after TTL
}

var _ Recorder = (*RedisRecorder)(nil)

// NewRedisRecorder returns a recorder writing through client.
func NewRedisRecorder(client redis.Cmdable, prefix string, ttl time.Duration) *RedisRecorder {
	return &RedisRecorder{Client: client, Prefix: prefix, TTL: ttl}
}

// Key returns the hash key for origin.
func (r *RedisRecorder) Key(origin Origin) string {
	prefix := r.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return prefix + ":" + origin.String()
}

func (r *RedisRecorder) Record(ctx context.Context, origin Origin, meta Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("imagequeue: encode metadata: %w", err)
	}
	return r.write(ctx, origin, "metadata", data)
}

func (r *RedisRecorder) MarkDeleted(ctx context.Context, origin Origin) error {
	return r.write(ctx, origin, "is_deleted", "1")
}

// Load returns the stored metadata and deletion flag for origin.
// A missing record yields redis.Nil.
func (r *RedisRecorder) Load(ctx context.Context, origin Origin) (Metadata, bool, error) {
	vals, err := r.Client.HGetAll(ctx, r.Key(origin)).Result()
	if err != nil {
		return Metadata{}, false, err
	}
	if len(vals) == 0 {
		return Metadata{}, false, redis.Nil
	}

	var meta Metadata
	if raw, ok := vals["metadata"]; ok {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return Metadata{}, false, fmt.Errorf("imagequeue: decode metadata: %w", err)
		}
	}
	return meta, vals["is_deleted"] == "1", nil
}

func (r *RedisRecorder) write(ctx context.Context, origin Origin, field string, value any) error {
	key := r.Key(origin)
	_, err := r.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, field, value)
		if r.TTL > 0 {
			p.Expire(ctx, key, r.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("imagequeue: redis %s %s: %w", field, key, err)
	}
	return nil
}
