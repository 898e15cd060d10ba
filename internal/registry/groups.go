package registry

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"object_registry_bot/internal/domain"
	"object_registry_bot/internal/logging"
)

type groupCollection interface {
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Groups keeps a directory of group chats the bot has seen. Registration is
// passive and idempotent; it is not an audited mutation.
type Groups struct {
	groups groupCollection
	logger *logrus.Entry
}

// NewGroups constructs a Groups directory over the groups collection.
func NewGroups(groups groupCollection, logger *logrus.Entry) *Groups {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Groups{groups: groups, logger: logger}
}

// EnsureGroup upserts the group chat record, refreshing its title.
func (g *Groups) EnsureGroup(ctx context.Context, chatID int64, title string, addedBy int64) error {
	if g == nil || g.groups == nil {
		return errors.New("group directory is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	result, err := g.groups.UpdateOne(ctx,
		bson.M{"chat_id": chatID},
		bson.M{
			"$set": bson.M{
				"title":      title,
				"updated_at": now,
			},
			"$setOnInsert": bson.M{
				"chat_id":    chatID,
				"added_by":   addedBy,
				"created_at": now,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return domain.StorageFailure("ensure group", err)
	}

	if result != nil && result.UpsertedCount > 0 {
		g.logger.WithFields(logging.Fields{
			"event":    "group_registered",
			"chat_id":  chatID,
			"actor_id": addedBy,
		}).Info("registered group chat")
	}

	return nil
}

// ListGroups returns all known group chats ordered by chat id.
func (g *Groups) ListGroups(ctx context.Context) ([]domain.Group, error) {
	if g == nil || g.groups == nil {
		return nil, errors.New("group directory is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	cursor, err := g.groups.Find(ctx,
		bson.M{},
		options.Find().SetSort(bson.D{{Key: "chat_id", Value: 1}}),
	)
	if err != nil {
		return nil, domain.StorageFailure("list groups", err)
	}

	var groups []domain.Group
	if err := cursor.All(ctx, &groups); err != nil {
		return nil, domain.StorageFailure("decode groups", err)
	}

	return groups, nil
}
