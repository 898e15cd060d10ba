// Package store encapsulates MongoDB client management and collection helpers.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"object_registry_bot/internal/config"
)

// Collection names used across the bot.
const (
	CollectionUsers             = "users"
	CollectionGroups            = "groups"
	CollectionObjects           = "objects"
	CollectionBindings          = "bindings"
	CollectionAuditLog          = "audit_log"
	CollectionSettings          = "settings"
	CollectionCounters          = "counters"
	CollectionImportRuns        = "import_runs"
	CollectionMaterialRequests  = "material_requests"
	CollectionMaterialsCounters = "materials_counters"
)

// mongoClient captures the subset of mongo.Client behavior we rely on to allow
// lightweight stubbing in tests without a live Mongo deployment.
type mongoClient interface {
	Ping(context.Context, *readpref.ReadPref) error
	Database(string, ...*options.DatabaseOptions) *mongo.Database
	Disconnect(context.Context) error
}

// connectMongo is overridable for tests.
var connectMongo = func(ctx context.Context, opts *options.ClientOptions) (mongoClient, error) {
	return mongo.Connect(ctx, opts)
}

// createIndexes is overridable for tests.
var createIndexes = func(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) ([]string, error) {
	return coll.Indexes().CreateMany(ctx, models)
}

// Manager owns a MongoDB client and the configured database handle.
type Manager struct {
	client mongoClient
	db     *mongo.Database
}

// NewManager initializes the Mongo client using the supplied configuration and
// verifies connectivity with a ping.
func NewManager(ctx context.Context, cfg config.Config) (*Manager, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	client, err := connectMongo(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Manager{
		client: client,
		db:     client.Database(cfg.MongoDB),
	}, nil
}

// Database returns the configured database handle.
func (m *Manager) Database() *mongo.Database {
	return m.db
}

// Collection returns a collection handle for the given name.
func (m *Manager) Collection(name string) *mongo.Collection {
	return m.db.Collection(name)
}

// Users returns the users collection handle.
func (m *Manager) Users() *mongo.Collection {
	return m.Collection(CollectionUsers)
}

// Groups returns the groups collection handle.
func (m *Manager) Groups() *mongo.Collection {
	return m.Collection(CollectionGroups)
}

// Objects returns the objects collection handle.
func (m *Manager) Objects() *mongo.Collection {
	return m.Collection(CollectionObjects)
}

// Bindings returns the group-to-object bindings collection handle.
func (m *Manager) Bindings() *mongo.Collection {
	return m.Collection(CollectionBindings)
}

// AuditLog returns the audit log collection handle.
func (m *Manager) AuditLog() *mongo.Collection {
	return m.Collection(CollectionAuditLog)
}

// Settings returns the settings collection handle.
func (m *Manager) Settings() *mongo.Collection {
	return m.Collection(CollectionSettings)
}

// Counters returns the id-sequence counters collection handle.
func (m *Manager) Counters() *mongo.Collection {
	return m.Collection(CollectionCounters)
}

// ImportRuns returns the spreadsheet import run collection handle.
func (m *Manager) ImportRuns() *mongo.Collection {
	return m.Collection(CollectionImportRuns)
}

// MaterialRequests returns the materials request record collection handle.
func (m *Manager) MaterialRequests() *mongo.Collection {
	return m.Collection(CollectionMaterialRequests)
}

// MaterialsCounters returns the per-scope daily request counter collection
// handle.
func (m *Manager) MaterialsCounters() *mongo.Collection {
	return m.Collection(CollectionMaterialsCounters)
}

// Ping verifies connectivity against the primary.
func (m *Manager) Ping(ctx context.Context) error {
	if m == nil || m.client == nil {
		return errors.New("store manager is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}

	return nil
}

// EnsureBaseIndexes creates the foundational indexes for the bot collections.
// Collections are created implicitly if they do not already exist.
func (m *Manager) EnsureBaseIndexes(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.db == nil {
		return errors.New("store manager is not initialized")
	}

	specs := []struct {
		collection *mongo.Collection
		models     []mongo.IndexModel
	}{
		{
			collection: m.Users(),
			models: []mongo.IndexModel{{
				Keys: bson.D{{Key: "user_id", Value: 1}},
				Options: options.Index().
					SetName("user_id_unique").
					SetUnique(true),
			}},
		},
		{
			collection: m.Groups(),
			models: []mongo.IndexModel{{
				Keys: bson.D{{Key: "chat_id", Value: 1}},
				Options: options.Index().
					SetName("chat_id_unique").
					SetUnique(true),
			}},
		},
		{
			collection: m.Objects(),
			models: []mongo.IndexModel{
				{
					Keys: bson.D{{Key: "object_id", Value: 1}},
					Options: options.Index().
						SetName("object_id_unique").
						SetUnique(true),
				},
				{
					Keys: bson.D{{Key: "dedup_key", Value: 1}},
					Options: options.Index().
						SetName("dedup_key_unique").
						SetUnique(true),
				},
			},
		},
		{
			// One binding per group chat; rebinding replaces the row.
			collection: m.Bindings(),
			models: []mongo.IndexModel{
				{
					Keys: bson.D{{Key: "chat_id", Value: 1}},
					Options: options.Index().
						SetName("binding_chat_id_unique").
						SetUnique(true),
				},
				{
					Keys: bson.D{{Key: "object_id", Value: 1}},
					Options: options.Index().
						SetName("binding_object_id"),
				},
			},
		},
		{
			collection: m.Settings(),
			models: []mongo.IndexModel{{
				Keys: bson.D{{Key: "key", Value: 1}},
				Options: options.Index().
					SetName("setting_key_unique").
					SetUnique(true),
			}},
		},
		{
			collection: m.Counters(),
			models: []mongo.IndexModel{{
				Keys: bson.D{{Key: "name", Value: 1}},
				Options: options.Index().
					SetName("counter_name_unique").
					SetUnique(true),
			}},
		},
		{
			collection: m.MaterialRequests(),
			models: []mongo.IndexModel{{
				Keys: bson.D{{Key: "request_id", Value: 1}},
				Options: options.Index().
					SetName("material_request_id_unique").
					SetUnique(true),
			}},
		},
		{
			// One counter row per scope and day; increments race on the row.
			collection: m.MaterialsCounters(),
			models: []mongo.IndexModel{{
				Keys: bson.D{{Key: "scope_id", Value: 1}, {Key: "date", Value: 1}},
				Options: options.Index().
					SetName("materials_counter_scope_date_unique").
					SetUnique(true),
			}},
		},
		{
			collection: m.AuditLog(),
			models: []mongo.IndexModel{{
				Keys: bson.D{{Key: "created_at", Value: 1}},
				Options: options.Index().
					SetName("audit_created_at"),
			}},
		},
	}

	for _, spec := range specs {
		if _, err := createIndexes(ctx, spec.collection, spec.models); err != nil {
			return fmt.Errorf("create %s indexes: %w", spec.collection.Name(), err)
		}
	}

	return nil
}

// Close disconnects the Mongo client.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	return m.client.Disconnect(ctx)
}
