// Package settings stores runtime-tunable values: the rate window length and
// the import report recipient address.
package settings

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
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

// Setting keys.
const (
	KeyWindowMinutes  = "window_minutes"
	KeyRecipientEmail = "recipient_email"
)

// ActionSettingsUpdated is the audit action for setting changes.
const ActionSettingsUpdated = "settings_updated"

// MaxWindowMinutes bounds the rate window length at one day.
const MaxWindowMinutes = 1440

// Defaults seed the settings collection on first start and back reads when a
// key is absent.
type Defaults struct {
	WindowMinutes  int
	RecipientEmail string
}

type settingCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Service reads and mutates settings. Every mutation writes an audit entry.
type Service struct {
	settings settingCollection
	defaults Defaults
	audit    *audit.Recorder
	logger   *logrus.Entry
}

// NewService constructs a Service over the settings collection.
func NewService(settings settingCollection, defaults Defaults, recorder *audit.Recorder, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Service{
		settings: settings,
		defaults: defaults,
		audit:    recorder,
		logger:   logger,
	}
}

// WindowMinutes returns the configured rate window length.
func (s *Service) WindowMinutes(ctx context.Context) (int, error) {
	value, found, err := s.findValue(ctx, KeyWindowMinutes)
	if err != nil {
		return 0, err
	}
	if !found {
		return s.defaults.WindowMinutes, nil
	}

	minutes, err := strconv.Atoi(value)
	if err != nil || minutes <= 0 {
		return 0, fmt.Errorf("stored %s %q is not a positive integer: %w", KeyWindowMinutes, value, domain.ErrMalformedInput)
	}

	return minutes, nil
}

// SetWindowMinutes updates the rate window length. Windows already open keep
// the length they were opened with; the new value applies from the next
// window.
func (s *Service) SetWindowMinutes(ctx context.Context, actorID int64, minutes int) error {
	if err := s.checkReady(ctx); err != nil {
		return err
	}

	if minutes <= 0 || minutes > MaxWindowMinutes {
		err := fmt.Errorf("window minutes must be between 1 and %d: %w", MaxWindowMinutes, domain.ErrMalformedInput)
		s.audit.Failure(ctx, actorID, ActionSettingsUpdated, domain.TargetSetting, KeyWindowMinutes, err)
		return err
	}

	if err := s.setValue(ctx, actorID, KeyWindowMinutes, strconv.Itoa(minutes)); err != nil {
		s.audit.Failure(ctx, actorID, ActionSettingsUpdated, domain.TargetSetting, KeyWindowMinutes, err)
		return err
	}

	s.audit.Success(ctx, actorID, ActionSettingsUpdated, domain.TargetSetting, KeyWindowMinutes, map[string]string{
		"value": strconv.Itoa(minutes),
	})
	s.logger.WithFields(logging.Fields{
		"event":    "settings_updated",
		"actor_id": actorID,
		"key":      KeyWindowMinutes,
		"value":    minutes,
	}).Info("updated rate window")

	return nil
}

// RecipientEmail returns the import report recipient address.
func (s *Service) RecipientEmail(ctx context.Context) (string, error) {
	value, found, err := s.findValue(ctx, KeyRecipientEmail)
	if err != nil {
		return "", err
	}
	if !found {
		return s.defaults.RecipientEmail, nil
	}

	return value, nil
}

// SetRecipientEmail updates the import report recipient address.
func (s *Service) SetRecipientEmail(ctx context.Context, actorID int64, email string) error {
	if err := s.checkReady(ctx); err != nil {
		return err
	}

	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil {
		wrapped := fmt.Errorf("invalid email address %q: %w", email, domain.ErrMalformedInput)
		s.audit.Failure(ctx, actorID, ActionSettingsUpdated, domain.TargetSetting, KeyRecipientEmail, wrapped)
		return wrapped
	}

	if err := s.setValue(ctx, actorID, KeyRecipientEmail, email); err != nil {
		s.audit.Failure(ctx, actorID, ActionSettingsUpdated, domain.TargetSetting, KeyRecipientEmail, err)
		return err
	}

	s.audit.Success(ctx, actorID, ActionSettingsUpdated, domain.TargetSetting, KeyRecipientEmail, map[string]string{
		"value": email,
	})
	s.logger.WithFields(logging.Fields{
		"event":    "settings_updated",
		"actor_id": actorID,
		"key":      KeyRecipientEmail,
	}).Info("updated recipient email")

	return nil
}

// EnsureDefaults seeds absent settings from the configured defaults without
// touching values an operator has already changed.
func (s *Service) EnsureDefaults(ctx context.Context) error {
	if err := s.checkReady(ctx); err != nil {
		return err
	}

	seeds := map[string]string{
		KeyWindowMinutes: strconv.Itoa(s.defaults.WindowMinutes),
	}
	if s.defaults.RecipientEmail != "" {
		seeds[KeyRecipientEmail] = s.defaults.RecipientEmail
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	for key, value := range seeds {
		_, err := s.settings.UpdateOne(ctx,
			bson.M{"key": key},
			bson.M{"$setOnInsert": bson.M{
				"key":        key,
				"value":      value,
				"updated_at": now,
			}},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return domain.StorageFailure("seed setting "+key, err)
		}
	}

	return nil
}

func (s *Service) setValue(ctx context.Context, actorID int64, key, value string) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err := s.settings.UpdateOne(ctx,
		bson.M{"key": key},
		bson.M{
			"$set": bson.M{
				"value":      value,
				"updated_at": now,
				"updated_by": actorID,
			},
			"$setOnInsert": bson.M{
				"key": key,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return domain.StorageFailure("write setting "+key, err)
	}

	return nil
}

func (s *Service) findValue(ctx context.Context, key string) (string, bool, error) {
	if err := s.checkReady(ctx); err != nil {
		return "", false, err
	}

	result := s.settings.FindOne(ctx, bson.M{"key": key})
	if result == nil {
		return "", false, errors.New("find setting returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", false, nil
		}
		return "", false, domain.StorageFailure("find setting "+key, err)
	}

	var doc struct {
		Value string `bson:"value"`
	}
	if err := result.Decode(&doc); err != nil {
		return "", false, domain.StorageFailure("decode setting "+key, err)
	}

	return doc.Value, true, nil
}

func (s *Service) checkReady(ctx context.Context) error {
	if s == nil || s.settings == nil {
		return errors.New("settings service is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}
