// Package identity resolves roles and manages the durable user roster,
// including the private-search allow-list and the superadmin bootstrap.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"object_registry_bot/internal/audit"
	"object_registry_bot/internal/domain"
	"object_registry_bot/internal/logging"
)

// Audit actions written by the identity store.
const (
	ActionRoleGranted = "role_granted"
	ActionRoleRevoked = "role_revoked"
)

type userCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// Store owns all role resolution and roster mutation. Every Grant and Revoke
// writes exactly one audit entry, success or failure.
type Store struct {
	users  userCollection
	audit  *audit.Recorder
	logger *logrus.Entry
}

// NewStore constructs a Store over the users collection.
func NewStore(users userCollection, recorder *audit.Recorder, logger *logrus.Entry) *Store {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Store{
		users:  users,
		audit:  recorder,
		logger: logger,
	}
}

// ResolveRole returns the stored role for a user. Unknown identities are not
// an error: they resolve to the unprivileged default RoleUser.
func (s *Store) ResolveRole(ctx context.Context, userID int64) (string, error) {
	user, found, err := s.findUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if !found || user.Role == "" {
		return domain.RoleUser, nil
	}

	return user.Role, nil
}

// AllowedPrivate reports whether a user is on the private-search allow-list.
// Unknown identities are not allow-listed.
func (s *Store) AllowedPrivate(ctx context.Context, userID int64) (bool, error) {
	user, found, err := s.findUser(ctx, userID)
	if err != nil {
		return false, err
	}

	return found && user.AllowedPrivate, nil
}

// Grant assigns a role to target. Only a superadmin may grant admin; admins
// and superadmins may grant user, which also allow-lists the target for
// private search. Nobody grants superadmin; that role exists only through the
// startup bootstrap.
func (s *Store) Grant(ctx context.Context, actorID, targetID int64, role, displayName string) error {
	if err := s.checkReady(ctx); err != nil {
		return err
	}
	if targetID == 0 {
		return fmt.Errorf("target user id is required: %w", domain.ErrMalformedInput)
	}

	if err := s.grant(ctx, actorID, targetID, role, displayName); err != nil {
		s.audit.Failure(ctx, actorID, ActionRoleGranted, domain.TargetUser, formatID(targetID), err)
		return err
	}

	s.audit.Success(ctx, actorID, ActionRoleGranted, domain.TargetUser, formatID(targetID), map[string]string{"role": role})
	s.logger.WithFields(logging.Fields{
		"event":     "role_granted",
		"actor_id":  actorID,
		"target_id": targetID,
		"role":      role,
	}).Info("granted role")

	return nil
}

func (s *Store) grant(ctx context.Context, actorID, targetID int64, role, displayName string) error {
	actorRole, err := s.ResolveRole(ctx, actorID)
	if err != nil {
		return err
	}

	switch role {
	case domain.RoleAdmin:
		if actorRole != domain.RoleSuperadmin {
			return fmt.Errorf("granting %s requires superadmin: %w", role, domain.ErrInsufficientPrivilege)
		}
	case domain.RoleUser:
		if domain.RolePriority(actorRole) < domain.RolePriorityAdmin {
			return fmt.Errorf("granting %s requires admin: %w", role, domain.ErrInsufficientPrivilege)
		}
	default:
		return fmt.Errorf("role %s cannot be granted: %w", role, domain.ErrInsufficientPrivilege)
	}

	target, found, err := s.findUser(ctx, targetID)
	if err != nil {
		return err
	}
	if found && domain.RolePriority(target.Role) >= domain.RolePriority(role) {
		return fmt.Errorf("user %d already holds %s: %w", targetID, target.Role, domain.ErrDuplicateEntity)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	set := bson.M{
		"role":       role,
		"updated_at": now,
	}
	if displayName != "" {
		set["display_name"] = displayName
	}
	if role == domain.RoleUser {
		// user records exist to back the private-search allow-list
		set["allowed_private"] = true
	}

	_, err = s.users.UpdateOne(ctx,
		bson.M{"user_id": targetID},
		bson.M{
			"$set": set,
			"$setOnInsert": bson.M{
				"user_id":    targetID,
				"created_at": now,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return domain.StorageFailure("grant role", err)
	}

	return nil
}

// Revoke removes target's stored record, returning it to the unprivileged
// default. Revoking an admin or superadmin requires a superadmin actor;
// revoking a plain user requires admin or above. Removing the sole superadmin
// is rejected and leaves the roster unchanged.
func (s *Store) Revoke(ctx context.Context, actorID, targetID int64) error {
	if err := s.checkReady(ctx); err != nil {
		return err
	}
	if targetID == 0 {
		return fmt.Errorf("target user id is required: %w", domain.ErrMalformedInput)
	}

	revokedRole, err := s.revoke(ctx, actorID, targetID)
	if err != nil {
		s.audit.Failure(ctx, actorID, ActionRoleRevoked, domain.TargetUser, formatID(targetID), err)
		return err
	}

	s.audit.Success(ctx, actorID, ActionRoleRevoked, domain.TargetUser, formatID(targetID), map[string]string{"role": revokedRole})
	s.logger.WithFields(logging.Fields{
		"event":     "role_revoked",
		"actor_id":  actorID,
		"target_id": targetID,
		"role":      revokedRole,
	}).Info("revoked role")

	return nil
}

func (s *Store) revoke(ctx context.Context, actorID, targetID int64) (string, error) {
	actorRole, err := s.ResolveRole(ctx, actorID)
	if err != nil {
		return "", err
	}

	target, found, err := s.findUser(ctx, targetID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("user %d has no stored record: %w", targetID, domain.ErrMalformedInput)
	}

	required := domain.RolePriorityAdmin
	if domain.RolePriority(target.Role) >= domain.RolePriorityAdmin {
		required = domain.RolePrioritySuperadmin
	}
	if domain.RolePriority(actorRole) < required {
		return "", fmt.Errorf("revoking %s is above actor privilege: %w", target.Role, domain.ErrInsufficientPrivilege)
	}

	if target.Role == domain.RoleSuperadmin {
		count, err := s.users.CountDocuments(ctx, bson.M{"role": domain.RoleSuperadmin})
		if err != nil {
			return "", domain.StorageFailure("count superadmins", err)
		}
		if count <= 1 {
			return "", fmt.Errorf("user %d: %w", targetID, domain.ErrLastSuperadminViolation)
		}
	}

	if _, err := s.users.DeleteOne(ctx, bson.M{"user_id": targetID}); err != nil {
		return "", domain.StorageFailure("revoke role", err)
	}

	return target.Role, nil
}

// List returns stored users holding the given role, ordered by user_id.
func (s *Store) List(ctx context.Context, role string) ([]domain.User, error) {
	if err := s.checkReady(ctx); err != nil {
		return nil, err
	}

	cursor, err := s.users.Find(ctx,
		bson.M{"role": role},
		options.Find().SetSort(bson.D{{Key: "user_id", Value: 1}}),
	)
	if err != nil {
		return nil, domain.StorageFailure("list users", err)
	}

	var users []domain.User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, domain.StorageFailure("decode users", err)
	}

	return users, nil
}

// EnsureSuperadmin bootstraps the configured superadmin at startup: the id is
// upserted with the superadmin role and any other superadmins are demoted to
// admin, so exactly one superadmin matches the deployment configuration.
func (s *Store) EnsureSuperadmin(ctx context.Context, superadminID int64) error {
	if err := s.checkReady(ctx); err != nil {
		return err
	}
	if superadminID == 0 {
		return errors.New("superadmin id is required")
	}

	now := time.Now().UTC()

	demoteResult, err := s.users.UpdateMany(ctx,
		bson.M{"role": domain.RoleSuperadmin, "user_id": bson.M{"$ne": superadminID}},
		bson.M{"$set": bson.M{
			"role":       domain.RoleAdmin,
			"updated_at": now,
		}},
	)
	if err != nil {
		return fmt.Errorf("demote previous superadmins: %w", err)
	}

	upsertResult, err := s.users.UpdateOne(ctx,
		bson.M{"user_id": superadminID},
		bson.M{
			"$set": bson.M{
				"user_id":    superadminID,
				"role":       domain.RoleSuperadmin,
				"updated_at": now,
			},
			"$setOnInsert": bson.M{
				"created_at": now,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("ensure superadmin: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"event":         "superadmin_bootstrap",
		"superadmin_id": superadminID,
		"demoted":       modifiedCount(demoteResult),
		"matched":       matchedCount(upsertResult),
		"upserted":      upsertedCount(upsertResult),
	}).Info("ensured superadmin")

	return nil
}

func (s *Store) findUser(ctx context.Context, userID int64) (domain.User, bool, error) {
	if err := s.checkReady(ctx); err != nil {
		return domain.User{}, false, err
	}
	if userID == 0 {
		return domain.User{}, false, fmt.Errorf("user id is required: %w", domain.ErrMalformedInput)
	}

	result := s.users.FindOne(ctx, bson.M{"user_id": userID})
	if result == nil {
		return domain.User{}, false, errors.New("find user returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, domain.StorageFailure("find user", err)
	}

	var user domain.User
	if err := result.Decode(&user); err != nil {
		return domain.User{}, false, domain.StorageFailure("decode user", err)
	}

	return user, true, nil
}

func (s *Store) checkReady(ctx context.Context) error {
	if s == nil || s.users == nil {
		return errors.New("identity store is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func modifiedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.ModifiedCount
}

func matchedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.MatchedCount
}

func upsertedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.UpsertedCount
}
