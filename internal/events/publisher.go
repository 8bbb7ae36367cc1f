package events

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// CompletedStream is consumed by downstream processing (entity extraction).
const CompletedStream = "transcription:completed"

// Completed announces a finalized recording.
type Completed struct {
	SessionID       string
	UserID          string
	ArtifactRef     string
	DurationSeconds float64
	Transcript      string
}

type Publisher interface {
	PublishCompleted(ctx context.Context, ev Completed) error
}

type RedisPublisher struct {
	rdb    *redis.Client
	Stream string
	MaxLen int64
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, Stream: CompletedStream, MaxLen: 10000}
}

func (p *RedisPublisher) PublishCompleted(ctx context.Context, ev Completed) error {
	return p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.Stream,
		MaxLen: p.MaxLen,
		Approx: true,
		Values: map[string]any{
			"session_id":       ev.SessionID,
			"user_id":          ev.UserID,
			"artifact_ref":     ev.ArtifactRef,
			"duration_seconds": strconv.FormatFloat(ev.DurationSeconds, 'f', 3, 64),
			"transcript":       ev.Transcript,
		},
	}).Err()
}
