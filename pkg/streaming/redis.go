package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultArchiveMaxLen = 5000
	defaultArchiveTTL    = 24 * time.Hour
)

// RedisArchive keeps each run's events in a Redis stream so they can be
// replayed after the in-memory history is gone or from another replica.
type RedisArchive struct {
	client redis.Cmdable
	MaxLen int64
	TTL    time.Duration
}

func NewRedisArchive(client redis.Cmdable, maxLen int64, ttl time.Duration) *RedisArchive {
	if maxLen <= 0 {
		maxLen = defaultArchiveMaxLen
	}
	if ttl <= 0 {
		ttl = defaultArchiveTTL
	}
	return &RedisArchive{client: client, MaxLen: maxLen, TTL: ttl}
}

// Connect opens a Redis client from a redis:// URL and checks it responds.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func streamKey(runID string) string {
	return "research:events:" + runID
}

// Append adds msg to the run's stream and refreshes the stream TTL.
func (a *RedisArchive) Append(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	key := streamKey(msg.RunID)
	_, err = a.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: a.MaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"seq":  strconv.FormatUint(msg.Seq, 10),
				"type": msg.Event.Name(),
				"data": string(data),
			},
		})
		p.Expire(ctx, key, a.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append event %d for run %s: %w", msg.Seq, msg.RunID, err)
	}
	return nil
}

// Replay returns the archived messages of runID with Seq > since, in order.
func (a *RedisArchive) Replay(ctx context.Context, runID string, since uint64) ([]Message, error) {
	entries, err := a.client.XRange(ctx, streamKey(runID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event stream for run %s: %w", runID, err)
	}

	out := make([]Message, 0, len(entries))
	for _, entry := range entries {
		msg, err := decodeEntry(runID, entry)
		if err != nil {
			return nil, err
		}
		if msg.Seq > since {
			out = append(out, msg)
		}
	}
	return out, nil
}

func decodeEntry(runID string, entry redis.XMessage) (Message, error) {
	seqStr, _ := entry.Values["seq"].(string)
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("invalid seq in stream entry %s: %w", entry.ID, err)
	}
	data, _ := entry.Values["data"].(string)
	msg := Message{RunID: runID, Seq: seq}
	if err := json.Unmarshal([]byte(data), &msg.Event); err != nil {
		return Message{}, fmt.Errorf("invalid event in stream entry %s: %w", entry.ID, err)
	}
	return msg, nil
}
