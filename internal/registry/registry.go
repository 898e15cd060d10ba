// Package registry owns objects and their bindings to group chats. A group is
// bound to at most one object at a time; one object may back many groups, and
// a binding to a non-existent object is never observable.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"object_registry_bot/internal/audit"
	"object_registry_bot/internal/domain"
	"object_registry_bot/internal/logging"
)

// Audit actions written by the registry.
const (
	ActionObjectCreated     = "object_created"
	ActionObjectDeleted     = "object_deleted"
	ActionGroupBound        = "group_bound"
	ActionBindingSuperseded = "binding_superseded"
	ActionGroupUnbound      = "group_unbound"
)

// SearchLimit caps the number of objects a search returns.
const SearchLimit = 25

type objectCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

type bindingCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	DeleteMany(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

type sequence interface {
	Next(ctx context.Context) (int64, error)
}

// Registry mutates objects and bindings. Every mutation writes an audit entry,
// success or failure.
type Registry struct {
	objects  objectCollection
	bindings bindingCollection
	seq      sequence
	audit    *audit.Recorder
	logger   *logrus.Entry
}

// New constructs a Registry over the objects and bindings collections.
func New(objects objectCollection, bindings bindingCollection, seq sequence, recorder *audit.Recorder, logger *logrus.Entry) *Registry {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registry{
		objects:  objects,
		bindings: bindings,
		seq:      seq,
		audit:    recorder,
		logger:   logger,
	}
}

// CreateObject reserves the next object id and stores the attribute set. An
// attribute set whose canonical rendering collides with a stored object is
// rejected as a duplicate.
func (r *Registry) CreateObject(ctx context.Context, actorID int64, attrs map[string]string) (domain.Object, error) {
	if err := r.checkReady(ctx); err != nil {
		return domain.Object{}, err
	}

	object, err := r.createObject(ctx, attrs)
	if err != nil {
		r.audit.Failure(ctx, actorID, ActionObjectCreated, domain.TargetObject, "", err)
		return domain.Object{}, err
	}

	r.audit.Success(ctx, actorID, ActionObjectCreated, domain.TargetObject, formatID(object.ObjectID), map[string]string{
		"dedup_key": object.DedupKey,
	})
	r.logger.WithFields(logging.Fields{
		"event":     "object_created",
		"actor_id":  actorID,
		"object_id": object.ObjectID,
	}).Info("created object")

	return object, nil
}

func (r *Registry) createObject(ctx context.Context, attrs map[string]string) (domain.Object, error) {
	if len(attrs) == 0 {
		return domain.Object{}, fmt.Errorf("object needs at least one key=value attribute: %w", domain.ErrMalformedInput)
	}
	for key := range attrs {
		if strings.TrimSpace(key) == "" {
			return domain.Object{}, fmt.Errorf("attribute keys must not be empty: %w", domain.ErrMalformedInput)
		}
	}

	id, err := r.seq.Next(ctx)
	if err != nil {
		return domain.Object{}, domain.StorageFailure("reserve object id", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	object := domain.Object{
		ObjectID:  id,
		Attrs:     attrs,
		DedupKey:  domain.DedupKey(attrs),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := r.objects.InsertOne(ctx, object); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.Object{}, fmt.Errorf("object with identical attributes already exists: %w", domain.ErrDuplicateEntity)
		}
		return domain.Object{}, domain.StorageFailure("insert object", err)
	}

	return object, nil
}

// DeleteObject removes an object and cascades removal of every binding that
// references it. The object document goes first so that a bind racing the
// delete sees the object gone when it re-verifies.
func (r *Registry) DeleteObject(ctx context.Context, actorID, objectID int64) error {
	if err := r.checkReady(ctx); err != nil {
		return err
	}

	unbound, err := r.deleteObject(ctx, objectID)
	if err != nil {
		r.audit.Failure(ctx, actorID, ActionObjectDeleted, domain.TargetObject, formatID(objectID), err)
		return err
	}

	r.audit.Success(ctx, actorID, ActionObjectDeleted, domain.TargetObject, formatID(objectID), map[string]string{
		"bindings_removed": strconv.FormatInt(unbound, 10),
	})
	r.logger.WithFields(logging.Fields{
		"event":            "object_deleted",
		"actor_id":         actorID,
		"object_id":        objectID,
		"bindings_removed": unbound,
	}).Info("deleted object")

	return nil
}

func (r *Registry) deleteObject(ctx context.Context, objectID int64) (int64, error) {
	result, err := r.objects.DeleteOne(ctx, bson.M{"object_id": objectID})
	if err != nil {
		return 0, domain.StorageFailure("delete object", err)
	}
	if result == nil || result.DeletedCount == 0 {
		return 0, fmt.Errorf("object %d: %w", objectID, domain.ErrObjectNotFound)
	}

	purged, err := r.bindings.DeleteMany(ctx, bson.M{"object_id": objectID})
	if err != nil {
		return 0, domain.StorageFailure("purge bindings", err)
	}
	if purged == nil {
		return 0, nil
	}

	return purged.DeletedCount, nil
}

// ListObjects returns all objects in creation order.
func (r *Registry) ListObjects(ctx context.Context) ([]domain.Object, error) {
	if err := r.checkReady(ctx); err != nil {
		return nil, err
	}

	cursor, err := r.objects.Find(ctx,
		bson.M{},
		options.Find().SetSort(bson.D{{Key: "object_id", Value: 1}}),
	)
	if err != nil {
		return nil, domain.StorageFailure("list objects", err)
	}

	var objects []domain.Object
	if err := cursor.All(ctx, &objects); err != nil {
		return nil, domain.StorageFailure("decode objects", err)
	}

	return objects, nil
}

// SearchObjects returns objects whose attribute values contain the query,
// case-insensitively, in creation order and capped at SearchLimit. Attribute
// values are free-form text, so matching happens client-side after the scan.
func (r *Registry) SearchObjects(ctx context.Context, query string) ([]domain.Object, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query is required: %w", domain.ErrMalformedInput)
	}

	objects, err := r.ListObjects(ctx)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	var matched []domain.Object
	for _, object := range objects {
		if !objectMatches(object, needle) {
			continue
		}
		matched = append(matched, object)
		if len(matched) == SearchLimit {
			break
		}
	}

	return matched, nil
}

func objectMatches(object domain.Object, needle string) bool {
	for key, value := range object.Attrs {
		if strings.Contains(strings.ToLower(key), needle) || strings.Contains(strings.ToLower(value), needle) {
			return true
		}
	}
	return false
}

// BindGroup binds a group chat to an object, replacing any prior binding for
// that chat. A replaced binding is audited as superseded before the new one is
// recorded. The object is verified again after the binding write; if a
// concurrent delete removed it, the binding is compensated away and the call
// fails with ObjectNotFound.
func (r *Registry) BindGroup(ctx context.Context, actorID, chatID, objectID int64) error {
	if err := r.checkReady(ctx); err != nil {
		return err
	}

	previous, superseded, err := r.bindGroup(ctx, chatID, objectID)
	if err != nil {
		r.audit.Failure(ctx, actorID, ActionGroupBound, domain.TargetBinding, formatID(chatID), err)
		return err
	}

	if superseded {
		r.audit.Success(ctx, actorID, ActionBindingSuperseded, domain.TargetBinding, formatID(chatID), map[string]string{
			"previous_object_id": formatID(previous),
			"object_id":          formatID(objectID),
		})
	}
	r.audit.Success(ctx, actorID, ActionGroupBound, domain.TargetBinding, formatID(chatID), map[string]string{
		"object_id": formatID(objectID),
	})
	r.logger.WithFields(logging.Fields{
		"event":     "group_bound",
		"actor_id":  actorID,
		"chat_id":   chatID,
		"object_id": objectID,
	}).Info("bound group to object")

	return nil
}

func (r *Registry) bindGroup(ctx context.Context, chatID, objectID int64) (int64, bool, error) {
	if _, err := r.findObject(ctx, objectID); err != nil {
		return 0, false, err
	}

	previous, bound, err := r.findBinding(ctx, chatID)
	if err != nil {
		return 0, false, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err = r.bindings.UpdateOne(ctx,
		bson.M{"chat_id": chatID},
		bson.M{
			"$set": bson.M{"object_id": objectID},
			"$setOnInsert": bson.M{
				"chat_id":    chatID,
				"created_at": now,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return 0, false, domain.StorageFailure("write binding", err)
	}

	// Re-verify after the write: a delete that raced us must win, never a
	// binding pointing at a deleted object.
	if _, err := r.findObject(ctx, objectID); err != nil {
		if errors.Is(err, domain.ErrObjectNotFound) {
			if _, compErr := r.bindings.DeleteOne(ctx, bson.M{"chat_id": chatID, "object_id": objectID}); compErr != nil {
				r.logger.WithFields(logging.Fields{
					"event":     "binding_compensation_failed",
					"chat_id":   chatID,
					"object_id": objectID,
				}).WithError(compErr).Error("failed to remove binding to deleted object")
			}
		}
		return 0, false, err
	}

	superseded := bound && previous.ObjectID != objectID
	return previous.ObjectID, superseded, nil
}

// UnbindGroup removes the group's binding to the given object. The delete is
// filtered on both chat and object id, so a binding replaced by a concurrent
// rebind is never removed on the strength of a stale read.
func (r *Registry) UnbindGroup(ctx context.Context, actorID, chatID, objectID int64) error {
	if err := r.checkReady(ctx); err != nil {
		return err
	}

	if err := r.unbindGroup(ctx, chatID, objectID); err != nil {
		r.audit.Failure(ctx, actorID, ActionGroupUnbound, domain.TargetBinding, formatID(chatID), err)
		return err
	}

	r.audit.Success(ctx, actorID, ActionGroupUnbound, domain.TargetBinding, formatID(chatID), map[string]string{
		"object_id": formatID(objectID),
	})
	r.logger.WithFields(logging.Fields{
		"event":     "group_unbound",
		"actor_id":  actorID,
		"chat_id":   chatID,
		"object_id": objectID,
	}).Info("unbound group")

	return nil
}

func (r *Registry) unbindGroup(ctx context.Context, chatID, objectID int64) error {
	result, err := r.bindings.DeleteOne(ctx, bson.M{"chat_id": chatID, "object_id": objectID})
	if err != nil {
		return domain.StorageFailure("delete binding", err)
	}
	if result == nil || result.DeletedCount == 0 {
		return fmt.Errorf("group %d is not bound to object %d: %w", chatID, objectID, domain.ErrNoBindingExists)
	}

	return nil
}

// ObjectForGroup returns the object a group is bound to, or NoBindingExists.
func (r *Registry) ObjectForGroup(ctx context.Context, chatID int64) (domain.Object, error) {
	if err := r.checkReady(ctx); err != nil {
		return domain.Object{}, err
	}

	binding, bound, err := r.findBinding(ctx, chatID)
	if err != nil {
		return domain.Object{}, err
	}
	if !bound {
		return domain.Object{}, fmt.Errorf("group %d: %w", chatID, domain.ErrNoBindingExists)
	}

	return r.findObject(ctx, binding.ObjectID)
}

// GroupsForObject returns the chat ids bound to an object, ascending.
func (r *Registry) GroupsForObject(ctx context.Context, objectID int64) ([]int64, error) {
	if err := r.checkReady(ctx); err != nil {
		return nil, err
	}
	if _, err := r.findObject(ctx, objectID); err != nil {
		return nil, err
	}

	cursor, err := r.bindings.Find(ctx, bson.M{"object_id": objectID})
	if err != nil {
		return nil, domain.StorageFailure("list bindings", err)
	}

	var bindings []domain.Binding
	if err := cursor.All(ctx, &bindings); err != nil {
		return nil, domain.StorageFailure("decode bindings", err)
	}

	chatIDs := make([]int64, 0, len(bindings))
	for _, binding := range bindings {
		chatIDs = append(chatIDs, binding.ChatID)
	}
	sort.Slice(chatIDs, func(i, j int) bool { return chatIDs[i] < chatIDs[j] })

	return chatIDs, nil
}

// ListBindings returns every binding, ordered by chat id.
func (r *Registry) ListBindings(ctx context.Context) ([]domain.Binding, error) {
	if err := r.checkReady(ctx); err != nil {
		return nil, err
	}

	cursor, err := r.bindings.Find(ctx,
		bson.M{},
		options.Find().SetSort(bson.D{{Key: "chat_id", Value: 1}}),
	)
	if err != nil {
		return nil, domain.StorageFailure("list bindings", err)
	}

	var bindings []domain.Binding
	if err := cursor.All(ctx, &bindings); err != nil {
		return nil, domain.StorageFailure("decode bindings", err)
	}

	return bindings, nil
}

func (r *Registry) findObject(ctx context.Context, objectID int64) (domain.Object, error) {
	result := r.objects.FindOne(ctx, bson.M{"object_id": objectID})
	if result == nil {
		return domain.Object{}, errors.New("find object returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Object{}, fmt.Errorf("object %d: %w", objectID, domain.ErrObjectNotFound)
		}
		return domain.Object{}, domain.StorageFailure("find object", err)
	}

	var object domain.Object
	if err := result.Decode(&object); err != nil {
		return domain.Object{}, domain.StorageFailure("decode object", err)
	}

	return object, nil
}

func (r *Registry) findBinding(ctx context.Context, chatID int64) (domain.Binding, bool, error) {
	result := r.bindings.FindOne(ctx, bson.M{"chat_id": chatID})
	if result == nil {
		return domain.Binding{}, false, errors.New("find binding returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Binding{}, false, nil
		}
		return domain.Binding{}, false, domain.StorageFailure("find binding", err)
	}

	var binding domain.Binding
	if err := result.Decode(&binding); err != nil {
		return domain.Binding{}, false, domain.StorageFailure("decode binding", err)
	}

	return binding, true, nil
}

func (r *Registry) checkReady(ctx context.Context) error {
	if r == nil || r.objects == nil || r.bindings == nil {
		return errors.New("registry is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
