package materials

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"object_registry_bot/internal/audit"
	"object_registry_bot/internal/domain"
	"object_registry_bot/internal/logging"
)

// ActionMaterialsRequest is the audit action for one submitted request.
const ActionMaterialsRequest = "materials_request"

// Request record statuses.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// ObjectDirectory resolves the object a request is raised against.
type ObjectDirectory interface {
	ObjectForGroup(ctx context.Context, chatID int64) (domain.Object, error)
	SearchObjects(ctx context.Context, query string) ([]domain.Object, error)
}

// RecipientSource supplies the delivery address.
type RecipientSource interface {
	RecipientEmail(ctx context.Context) (string, error)
}

// RequestMailer delivers the rendered request.
type RequestMailer interface {
	SendRequest(ctx context.Context, recipient, subject, body, fileName string, workbook []byte) error
}

type counterCollection interface {
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult
}

type requestCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// Request is one numbered materials request ready to render and send.
type Request struct {
	RequestID string
	Number    string
	Date      time.Time
	Counter   int64
	Object    domain.Object
	Requester string
	Lines     []Line
}

// Receipt reports a delivered request back to the submitting chat.
type Receipt struct {
	Number    string
	Recipient string
	Lines     int
	Errors    []string
	Skipped   int
}

type requestRecord struct {
	RequestID string    `bson:"request_id"`
	Number    string    `bson:"number"`
	ActorID   int64     `bson:"actor_id"`
	ChatID    int64     `bson:"chat_id"`
	ObjectID  int64     `bson:"object_id"`
	Recipient string    `bson:"recipient"`
	Status    string    `bson:"status"`
	Error     string    `bson:"error,omitempty"`
	Lines     int       `bson:"lines"`
	CreatedAt time.Time `bson:"created_at"`
}

// Service builds, persists, and mails materials requests.
type Service struct {
	objects    ObjectDirectory
	recipients RecipientSource
	mailer     RequestMailer
	counters   counterCollection
	requests   requestCollection
	audit      *audit.Recorder
	logger     *logrus.Entry
	now        func() time.Time
	newID      func() string
}

// NewService constructs a Service. The mailer may be nil when SMTP is not
// configured; Submit then rejects every request.
func NewService(objects ObjectDirectory, recipients RecipientSource, mailer RequestMailer, counters counterCollection, requests requestCollection, recorder *audit.Recorder, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Service{
		objects:    objects,
		recipients: recipients,
		mailer:     mailer,
		counters:   counters,
		requests:   requests,
		audit:      recorder,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Submit parses the message body into positions, numbers the request against
// a per-scope daily counter, renders the workbook, and mails it. In a group
// chat the request is raised against the group's bound object; in a private
// chat the first line names the object to search for.
func (s *Service) Submit(ctx context.Context, actorID, chatID int64, private bool, requester, text string) (Receipt, error) {
	if err := s.checkReady(ctx); err != nil {
		return Receipt{}, err
	}

	object, body, err := s.resolveObject(ctx, chatID, private, text)
	if err != nil {
		s.audit.Failure(ctx, actorID, ActionMaterialsRequest, domain.TargetRequest, "", err)
		return Receipt{}, err
	}

	parsed := ParseLines(body)
	if len(parsed.Lines) == 0 {
		err := fmt.Errorf("no positions recognized: %w", domain.ErrMalformedInput)
		if len(parsed.Errors) > 0 {
			err = fmt.Errorf("no positions recognized (%s): %w", parsed.Errors[0], domain.ErrMalformedInput)
		}
		s.audit.Failure(ctx, actorID, ActionMaterialsRequest, domain.TargetRequest, "", err)
		return Receipt{}, err
	}

	recipient, err := s.recipients.RecipientEmail(ctx)
	if err != nil {
		s.audit.Failure(ctx, actorID, ActionMaterialsRequest, domain.TargetRequest, "", err)
		return Receipt{}, err
	}
	if strings.TrimSpace(recipient) == "" {
		err := errors.New("no report recipient configured")
		s.audit.Failure(ctx, actorID, ActionMaterialsRequest, domain.TargetRequest, "", err)
		return Receipt{}, err
	}

	// In a private chat each user counts separately; in a group the counter
	// is shared by the whole chat.
	scopeID := chatID
	if private {
		scopeID = actorID
	}
	date := s.now().UTC()
	counter, err := s.nextCounter(ctx, scopeID, date)
	if err != nil {
		s.audit.Failure(ctx, actorID, ActionMaterialsRequest, domain.TargetRequest, "", err)
		return Receipt{}, err
	}

	req := Request{
		RequestID: s.newID(),
		Number:    fmt.Sprintf("%s-%d-%d", date.Format("060102"), object.ObjectID, counter),
		Date:      date,
		Counter:   counter,
		Object:    object,
		Requester: requester,
		Lines:     parsed.Lines,
	}

	workbook, err := BuildWorkbook(req)
	if err != nil {
		s.persistRequest(ctx, actorID, chatID, recipient, req, StatusFailed, err)
		s.audit.Failure(ctx, actorID, ActionMaterialsRequest, domain.TargetRequest, req.Number, err)
		return Receipt{}, fmt.Errorf("render request %s: %w", req.Number, err)
	}

	subject := fmt.Sprintf("Materials request %s", req.Number)
	if err := s.mailer.SendRequest(ctx, recipient, subject, formatBody(req), FileName(req), workbook); err != nil {
		s.persistRequest(ctx, actorID, chatID, recipient, req, StatusFailed, err)
		s.audit.Failure(ctx, actorID, ActionMaterialsRequest, domain.TargetRequest, req.Number, err)
		return Receipt{}, fmt.Errorf("send request %s: %w", req.Number, err)
	}

	s.persistRequest(ctx, actorID, chatID, recipient, req, StatusSent, nil)
	s.audit.Success(ctx, actorID, ActionMaterialsRequest, domain.TargetRequest, req.Number, map[string]string{
		"object_id": strconv.FormatInt(object.ObjectID, 10),
		"recipient": recipient,
		"lines":     strconv.Itoa(len(req.Lines)),
	})
	s.logger.WithFields(logging.Fields{
		"event":     "materials_sent",
		"actor_id":  actorID,
		"chat_id":   chatID,
		"number":    req.Number,
		"object_id": object.ObjectID,
		"lines":     len(req.Lines),
	}).Info("mailed materials request")

	return Receipt{
		Number:    req.Number,
		Recipient: recipient,
		Lines:     len(req.Lines),
		Errors:    parsed.Errors,
		Skipped:   parsed.Skipped,
	}, nil
}

// resolveObject picks the object the request is raised against and returns
// the remaining text holding the positions.
func (s *Service) resolveObject(ctx context.Context, chatID int64, private bool, text string) (domain.Object, string, error) {
	if !private {
		object, err := s.objects.ObjectForGroup(ctx, chatID)
		if err != nil {
			return domain.Object{}, "", err
		}
		return object, text, nil
	}

	lines := strings.Split(text, "\n")
	query := ""
	rest := 0
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "/") {
			continue
		}
		query = line
		rest = i + 1
		break
	}
	if query == "" {
		return domain.Object{}, "", fmt.Errorf("name the object on the first line: %w", domain.ErrMalformedInput)
	}

	matches, err := s.objects.SearchObjects(ctx, query)
	if err != nil {
		return domain.Object{}, "", err
	}
	if len(matches) == 0 {
		return domain.Object{}, "", fmt.Errorf("no object matches %q: %w", query, domain.ErrObjectNotFound)
	}

	return matches[0], strings.Join(lines[rest:], "\n"), nil
}

// nextCounter reserves the next number for the scope's day. The $inc runs
// server-side, so two concurrent requests never share a number.
func (s *Service) nextCounter(ctx context.Context, scopeID int64, date time.Time) (int64, error) {
	result := s.counters.FindOneAndUpdate(ctx,
		bson.M{"scope_id": scopeID, "date": date.Format(time.DateOnly)},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	)
	if result == nil {
		return 0, errors.New("counter update returned no result")
	}
	if err := result.Err(); err != nil {
		return 0, domain.StorageFailure("advance materials counter", err)
	}

	var counter struct {
		Seq int64 `bson:"seq"`
	}
	if err := result.Decode(&counter); err != nil {
		return 0, domain.StorageFailure("decode materials counter", err)
	}

	return counter.Seq, nil
}

// persistRequest stores the outcome record. Like an audit append, a failure
// here never fails a request that was already delivered.
func (s *Service) persistRequest(ctx context.Context, actorID, chatID int64, recipient string, req Request, status string, cause error) {
	record := requestRecord{
		RequestID: req.RequestID,
		Number:    req.Number,
		ActorID:   actorID,
		ChatID:    chatID,
		ObjectID:  req.Object.ObjectID,
		Recipient: recipient,
		Status:    status,
		Lines:     len(req.Lines),
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	if cause != nil {
		record.Error = cause.Error()
	}

	if _, err := s.requests.InsertOne(ctx, record); err != nil {
		s.logger.WithFields(logging.Fields{
			"event":  "materials_record_failed",
			"number": req.Number,
		}).WithError(err).Error("failed to store materials request record")
	}
}

func formatBody(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Materials request %s\n\n", req.Number)
	fmt.Fprintf(&b, "Object: %d\n", req.Object.ObjectID)
	fmt.Fprintf(&b, "Date: %s\n", req.Date.Format("02.01.2006"))
	fmt.Fprintf(&b, "Requested by: %s\n", req.Requester)
	fmt.Fprintf(&b, "Positions: %d\n", len(req.Lines))
	return b.String()
}

func (s *Service) checkReady(ctx context.Context) error {
	if s == nil || s.objects == nil || s.recipients == nil || s.counters == nil || s.requests == nil {
		return errors.New("materials service is not initialized")
	}
	if s.mailer == nil {
		return errors.New("mail dispatch is not configured")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}
