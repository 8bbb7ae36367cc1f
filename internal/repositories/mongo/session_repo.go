package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/seva-arogya/livescribe/internal/models"
	"github.com/seva-arogya/livescribe/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const StreamSessionsCollection = "stream_sessions"

type SessionRepository interface {
	Create(ctx context.Context, s *models.StreamSession) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.StreamSession, error)
	End(ctx context.Context, sessionID string, end models.StreamSessionEnd) error
	ListByUser(ctx context.Context, userID string, limit int64) ([]models.StreamSession, error)
}

type sessionRepo struct {
	col *mongo.Collection
}

func NewSessionRepo(db *mongo.Database) SessionRepository {
	return &sessionRepo{col: db.Collection(StreamSessionsCollection)}
}

func (r *sessionRepo) Create(ctx context.Context, s *models.StreamSession) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.Status == "" {
		s.Status = models.StreamStatusActive
	}
	_, err := r.col.InsertOne(ctx, s)
	return err
}

func (r *sessionRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.StreamSession, error) {
	var s models.StreamSession
	err := r.col.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	return &s, err
}

func (r *sessionRepo) End(ctx context.Context, sessionID string, end models.StreamSessionEnd) error {
	set := bson.M{
		"status":           end.Status,
		"end_reason":       end.Reason,
		"ended_at":         end.EndedAt.UTC(),
		"duration_seconds": end.DurationSeconds,
		"chunk_count":      end.ChunkCount,
		"byte_count":       end.ByteCount,
	}
	if end.Error != "" {
		set["error"] = end.Error
	}
	res, err := r.col.UpdateOne(ctx, bson.M{"session_id": sessionID}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return utils.ErrNotFound
	}
	return nil
}

func (r *sessionRepo) ListByUser(ctx context.Context, userID string, limit int64) ([]models.StreamSession, error) {
	if limit <= 0 {
		limit = 20
	}
	cur, err := r.col.Find(ctx,
		bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.StreamSession
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
