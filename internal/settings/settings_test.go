package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"object_registry_bot/internal/audit"
	"object_registry_bot/internal/domain"
)

func newTestService(t *testing.T, defaults Defaults) (*Service, *fakeSettingCollection, *auditSink) {
	t.Helper()

	settings := newFakeSettingCollection()
	sink := &auditSink{}
	logger, _ := test.NewNullLogger()
	recorder := audit.NewRecorder(sink, logrus.NewEntry(logger))

	return NewService(settings, defaults, recorder, logrus.NewEntry(logger)), settings, sink
}

func TestWindowMinutesFallsBackToDefault(t *testing.T) {
	service, _, _ := newTestService(t, Defaults{WindowMinutes: 30})

	minutes, err := service.WindowMinutes(context.Background())
	if err != nil {
		t.Fatalf("WindowMinutes failed: %v", err)
	}
	if minutes != 30 {
		t.Fatalf("expected default 30, got %d", minutes)
	}
}

func TestSetWindowMinutes(t *testing.T) {
	service, _, sink := newTestService(t, Defaults{WindowMinutes: 30})

	if err := service.SetWindowMinutes(context.Background(), 10, 45); err != nil {
		t.Fatalf("SetWindowMinutes failed: %v", err)
	}

	minutes, err := service.WindowMinutes(context.Background())
	if err != nil {
		t.Fatalf("WindowMinutes failed: %v", err)
	}
	if minutes != 45 {
		t.Fatalf("expected 45, got %d", minutes)
	}
	if got := sink.outcomes(ActionSettingsUpdated); got["success"] != 1 {
		t.Fatalf("expected update audited, got %v", got)
	}
}

func TestSetWindowMinutesRejectsOutOfRange(t *testing.T) {
	service, _, sink := newTestService(t, Defaults{WindowMinutes: 30})

	for _, minutes := range []int{0, -5, MaxWindowMinutes + 1} {
		err := service.SetWindowMinutes(context.Background(), 10, minutes)
		if !errors.Is(err, domain.ErrMalformedInput) {
			t.Fatalf("SetWindowMinutes(%d): expected ErrMalformedInput, got %v", minutes, err)
		}
	}

	minutes, _ := service.WindowMinutes(context.Background())
	if minutes != 30 {
		t.Fatalf("expected rejected updates to leave the default, got %d", minutes)
	}
	if got := sink.outcomes(ActionSettingsUpdated); got["failure"] != 3 {
		t.Fatalf("expected rejected updates audited, got %v", got)
	}
}

func TestSetRecipientEmail(t *testing.T) {
	service, _, _ := newTestService(t, Defaults{WindowMinutes: 30})

	if err := service.SetRecipientEmail(context.Background(), 10, " ops@example.com "); err != nil {
		t.Fatalf("SetRecipientEmail failed: %v", err)
	}

	email, err := service.RecipientEmail(context.Background())
	if err != nil {
		t.Fatalf("RecipientEmail failed: %v", err)
	}
	if email != "ops@example.com" {
		t.Fatalf("expected trimmed address, got %q", email)
	}
}

func TestSetRecipientEmailRejectsInvalid(t *testing.T) {
	service, _, _ := newTestService(t, Defaults{WindowMinutes: 30, RecipientEmail: "fallback@example.com"})

	for _, email := range []string{"", "not-an-address", "a@"} {
		err := service.SetRecipientEmail(context.Background(), 10, email)
		if !errors.Is(err, domain.ErrMalformedInput) {
			t.Fatalf("SetRecipientEmail(%q): expected ErrMalformedInput, got %v", email, err)
		}
	}

	email, _ := service.RecipientEmail(context.Background())
	if email != "fallback@example.com" {
		t.Fatalf("expected default preserved, got %q", email)
	}
}

func TestEnsureDefaultsDoesNotOverwrite(t *testing.T) {
	service, _, _ := newTestService(t, Defaults{WindowMinutes: 30, RecipientEmail: "ops@example.com"})

	if err := service.SetWindowMinutes(context.Background(), 10, 45); err != nil {
		t.Fatalf("SetWindowMinutes failed: %v", err)
	}
	if err := service.EnsureDefaults(context.Background()); err != nil {
		t.Fatalf("EnsureDefaults failed: %v", err)
	}

	minutes, _ := service.WindowMinutes(context.Background())
	if minutes != 45 {
		t.Fatalf("expected operator value to survive seeding, got %d", minutes)
	}

	email, _ := service.RecipientEmail(context.Background())
	if email != "ops@example.com" {
		t.Fatalf("expected seeded recipient, got %q", email)
	}
}

type fakeSettingCollection struct {
	mu   sync.Mutex
	docs map[string]bson.M
}

func newFakeSettingCollection() *fakeSettingCollection {
	return &fakeSettingCollection{docs: map[string]bson.M{}}
}

func (f *fakeSettingCollection) FindOne(_ context.Context, filter interface{}, _ ...*options.FindOneOptions) *mongo.SingleResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, ok := f.docs[filterKey(filter)]
	if !ok {
		return mongo.NewSingleResultFromDocument(bson.M{}, mongo.ErrNoDocuments, nil)
	}

	return mongo.NewSingleResultFromDocument(doc, nil, nil)
}

func (f *fakeSettingCollection) UpdateOne(_ context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := filterKey(filter)
	updateDoc, ok := update.(bson.M)
	if !ok {
		return nil, fmt.Errorf("unexpected update type %T", update)
	}

	doc, exists := f.docs[key]
	result := &mongo.UpdateResult{}
	if exists {
		result.MatchedCount = 1
		result.ModifiedCount = 1
	} else {
		upsert := len(opts) > 0 && opts[0].Upsert != nil && *opts[0].Upsert
		if !upsert {
			return result, nil
		}
		doc = bson.M{"key": key}
		if onInsert, ok := updateDoc["$setOnInsert"].(bson.M); ok {
			for k, v := range onInsert {
				doc[k] = v
			}
		}
		result.UpsertedCount = 1
	}

	if set, ok := updateDoc["$set"].(bson.M); ok {
		for k, v := range set {
			doc[k] = v
		}
	}
	f.docs[key] = doc

	return result, nil
}

type auditSink struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *auditSink) InsertOne(_ context.Context, document interface{}, _ ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := document.(domain.AuditEntry)
	if !ok {
		return nil, fmt.Errorf("unexpected audit document type %T", document)
	}
	a.entries = append(a.entries, entry)

	return &mongo.InsertOneResult{}, nil
}

func (a *auditSink) outcomes(action string) map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	got := map[string]int{}
	for _, entry := range a.entries {
		if entry.Action == action {
			got[entry.Outcome]++
		}
	}

	return got
}

func filterKey(filter interface{}) string {
	doc, ok := filter.(bson.M)
	if !ok {
		return ""
	}
	key, _ := doc["key"].(string)
	return key
}
