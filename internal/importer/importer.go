// Package importer runs spreadsheet imports: each row becomes an object
// creation attempt with a per-row outcome, and one row failing never rolls
// back the rest of the batch.
package importer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"object_registry_bot/internal/audit"
	"object_registry_bot/internal/domain"
	"object_registry_bot/internal/logging"
)

// ActionImportRun is the audit action for a completed import run.
const ActionImportRun = "import_run"

// Per-row outcomes.
const (
	RowImported         = "imported"
	RowSkippedDuplicate = "skipped_duplicate"
	RowRejectedInvalid  = "rejected_invalid"
)

// Row is one decoded spreadsheet row. Line is the 1-based position in the
// source file, header included.
type Row struct {
	Line  int
	Attrs map[string]string
}

// RowSource decodes an uploaded document into rows.
type RowSource interface {
	Rows(ctx context.Context) ([]Row, error)
}

// ObjectCreator is the registry surface the importer drives.
type ObjectCreator interface {
	CreateObject(ctx context.Context, actorID int64, attrs map[string]string) (domain.Object, error)
}

type runCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// RowOutcome reports what happened to one row.
type RowOutcome struct {
	Line     int
	Outcome  string
	ObjectID int64
	Reason   string
}

// Report summarizes one import run.
type Report struct {
	RunID      string
	FileName   string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []RowOutcome
}

// Counts tallies outcomes by kind.
func (r Report) Counts() map[string]int {
	counts := map[string]int{}
	for _, outcome := range r.Outcomes {
		counts[outcome.Outcome]++
	}
	return counts
}

type runRecord struct {
	RunID            string    `bson:"run_id"`
	ActorID          int64     `bson:"actor_id"`
	FileName         string    `bson:"file_name"`
	StartedAt        time.Time `bson:"started_at"`
	FinishedAt       time.Time `bson:"finished_at"`
	RowsTotal        int       `bson:"rows_total"`
	Imported         int       `bson:"imported"`
	SkippedDuplicate int       `bson:"skipped_duplicate"`
	RejectedInvalid  int       `bson:"rejected_invalid"`
}

// Service executes import runs against the registry.
type Service struct {
	objects ObjectCreator
	runs    runCollection
	audit   *audit.Recorder
	logger  *logrus.Entry
	now     func() time.Time
	newID   func() string
}

// NewService constructs a Service.
func NewService(objects ObjectCreator, runs runCollection, recorder *audit.Recorder, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Service{
		objects: objects,
		runs:    runs,
		audit:   recorder,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Run decodes the source and attempts one object creation per row. Duplicate
// rows, against the store or earlier rows of the same batch, are skipped;
// structurally invalid rows are rejected; both leave the rest of the batch
// untouched. A storage fault aborts the run and is the only error returned
// for already-valid input.
func (s *Service) Run(ctx context.Context, actorID int64, fileName string, source RowSource) (Report, error) {
	if err := s.checkReady(ctx); err != nil {
		return Report{}, err
	}
	if source == nil {
		return Report{}, fmt.Errorf("row source is required: %w", domain.ErrMalformedInput)
	}

	report := Report{
		RunID:     s.newID(),
		FileName:  fileName,
		StartedAt: s.now().UTC().Truncate(time.Millisecond),
	}

	rows, err := source.Rows(ctx)
	if err != nil {
		s.audit.Failure(ctx, actorID, ActionImportRun, domain.TargetImport, report.RunID, err)
		return Report{}, err
	}

	seen := map[string]int{}
	for _, row := range rows {
		outcome := s.importRow(ctx, actorID, row, seen)
		if outcome.Outcome == "" {
			// storage fault, abort with partial effects intact
			err := fmt.Errorf("import aborted at line %d: %s", row.Line, outcome.Reason)
			s.audit.Failure(ctx, actorID, ActionImportRun, domain.TargetImport, report.RunID, err)
			return Report{}, fmt.Errorf("%w: %s", domain.ErrStorageUnavailable, err.Error())
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}
	report.FinishedAt = s.now().UTC().Truncate(time.Millisecond)

	s.persistRun(ctx, actorID, report)

	counts := report.Counts()
	s.audit.Success(ctx, actorID, ActionImportRun, domain.TargetImport, report.RunID, map[string]string{
		"file_name":         fileName,
		"rows_total":        strconv.Itoa(len(report.Outcomes)),
		"imported":          strconv.Itoa(counts[RowImported]),
		"skipped_duplicate": strconv.Itoa(counts[RowSkippedDuplicate]),
		"rejected_invalid":  strconv.Itoa(counts[RowRejectedInvalid]),
	})
	s.logger.WithFields(logging.Fields{
		"event":     "import_run",
		"actor_id":  actorID,
		"run_id":    report.RunID,
		"file_name": fileName,
		"imported":  counts[RowImported],
		"skipped":   counts[RowSkippedDuplicate],
		"rejected":  counts[RowRejectedInvalid],
	}).Info("completed import run")

	return report, nil
}

func (s *Service) importRow(ctx context.Context, actorID int64, row Row, seen map[string]int) RowOutcome {
	if len(row.Attrs) == 0 {
		return RowOutcome{Line: row.Line, Outcome: RowRejectedInvalid, Reason: "row has no attributes"}
	}

	key := domain.DedupKey(row.Attrs)
	if prior, dup := seen[key]; dup {
		return RowOutcome{Line: row.Line, Outcome: RowSkippedDuplicate, Reason: fmt.Sprintf("duplicate of line %d", prior)}
	}

	object, err := s.objects.CreateObject(ctx, actorID, row.Attrs)
	switch {
	case err == nil:
		seen[key] = row.Line
		return RowOutcome{Line: row.Line, Outcome: RowImported, ObjectID: object.ObjectID}
	case errors.Is(err, domain.ErrDuplicateEntity):
		seen[key] = row.Line
		return RowOutcome{Line: row.Line, Outcome: RowSkippedDuplicate, Reason: "object already exists"}
	case errors.Is(err, domain.ErrMalformedInput):
		return RowOutcome{Line: row.Line, Outcome: RowRejectedInvalid, Reason: err.Error()}
	default:
		return RowOutcome{Line: row.Line, Reason: err.Error()}
	}
}

// persistRun stores the run summary. Like an audit append, a failure here
// never fails the run that already committed its rows.
func (s *Service) persistRun(ctx context.Context, actorID int64, report Report) {
	counts := report.Counts()
	record := runRecord{
		RunID:            report.RunID,
		ActorID:          actorID,
		FileName:         report.FileName,
		StartedAt:        report.StartedAt,
		FinishedAt:       report.FinishedAt,
		RowsTotal:        len(report.Outcomes),
		Imported:         counts[RowImported],
		SkippedDuplicate: counts[RowSkippedDuplicate],
		RejectedInvalid:  counts[RowRejectedInvalid],
	}

	if _, err := s.runs.InsertOne(ctx, record); err != nil {
		s.logger.WithFields(logging.Fields{
			"event":  "import_run_record_failed",
			"run_id": report.RunID,
		}).WithError(err).Error("failed to store import run record")
	}
}

func (s *Service) checkReady(ctx context.Context) error {
	if s == nil || s.objects == nil || s.runs == nil {
		return errors.New("import service is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}
