// Package audit appends immutable records of privileged and mutating actions.
package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"object_registry_bot/internal/domain"
	"object_registry_bot/internal/logging"
)

type insertCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// Recorder appends audit entries. A failed append never fails the caller's
// operation: the business mutation has already committed, so the failure is
// reported on the operational log channel and swallowed.
type Recorder struct {
	entries insertCollection
	logger  *logrus.Entry
	now     func() time.Time
}

// NewRecorder constructs a Recorder over the audit log collection.
func NewRecorder(entries insertCollection, logger *logrus.Entry) *Recorder {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Recorder{
		entries: entries,
		logger:  logger,
		now:     time.Now,
	}
}

// Record appends one entry, stamping created_at when unset.
func (r *Recorder) Record(ctx context.Context, entry domain.AuditEntry) {
	if r == nil || r.entries == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC().Truncate(time.Millisecond)
	}

	if _, err := r.entries.InsertOne(ctx, entry); err != nil {
		r.logger.WithFields(logging.Fields{
			"event":    "audit_write_failed",
			"actor_id": entry.ActorID,
			"action":   entry.Action,
		}).WithError(err).Error("failed to append audit entry")
	}
}

// Success is shorthand for recording a successful action.
func (r *Recorder) Success(ctx context.Context, actorID int64, action, targetType, targetID string, detail map[string]string) {
	r.Record(ctx, domain.AuditEntry{
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Outcome:    domain.OutcomeSuccess,
		Detail:     detail,
	})
}

// Failure is shorthand for recording a failed action attempt.
func (r *Recorder) Failure(ctx context.Context, actorID int64, action, targetType, targetID string, reason error) {
	detail := map[string]string{}
	if reason != nil {
		detail["reason"] = reason.Error()
	}

	r.Record(ctx, domain.AuditEntry{
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Outcome:    domain.OutcomeFailure,
		Detail:     detail,
	})
}
