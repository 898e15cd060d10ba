// Package store encapsulates MongoDB client management and collection helpers.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type countCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// StatsProvider exposes helper methods to retrieve collection counts for basic
// diagnostics without leaking MongoDB internals to callers.
type StatsProvider struct {
	users    countCollection
	objects  countCollection
	bindings countCollection
}

// NewStatsProvider constructs a StatsProvider backed by the provided
// collections.
func NewStatsProvider(users, objects, bindings countCollection) *StatsProvider {
	return &StatsProvider{
		users:    users,
		objects:  objects,
		bindings: bindings,
	}
}

// CountUsers returns the number of documents in the users collection.
func (p *StatsProvider) CountUsers(ctx context.Context) (int64, error) {
	return p.count(ctx, p.users, "users")
}

// CountObjects returns the number of documents in the objects collection.
func (p *StatsProvider) CountObjects(ctx context.Context) (int64, error) {
	return p.count(ctx, p.objects, "objects")
}

// CountBindings returns the number of documents in the bindings collection.
func (p *StatsProvider) CountBindings(ctx context.Context) (int64, error) {
	return p.count(ctx, p.bindings, "bindings")
}

func (p *StatsProvider) count(ctx context.Context, coll countCollection, name string) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || coll == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	count, err := coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", name, err)
	}

	return count, nil
}
