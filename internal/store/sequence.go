package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SequenceObjects is the counter name backing object id generation.
const SequenceObjects = "objects"

type findOneAndUpdateCollection interface {
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult
}

// Sequence hands out monotonically increasing int64 identifiers from a named
// counter document. The $inc runs server-side, so concurrent callers never
// observe the same value.
type Sequence struct {
	counters findOneAndUpdateCollection
	name     string
}

// NewSequence constructs a Sequence over the counters collection.
func NewSequence(counters findOneAndUpdateCollection, name string) *Sequence {
	return &Sequence{counters: counters, name: name}
}

// Next reserves and returns the next identifier.
func (s *Sequence) Next(ctx context.Context) (int64, error) {
	if s == nil || s.counters == nil {
		return 0, errors.New("sequence is not initialized")
	}
	if ctx == nil {
		return 0, errors.New("context is required")
	}

	result := s.counters.FindOneAndUpdate(ctx,
		bson.M{"name": s.name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	)
	if result == nil {
		return 0, errors.New("sequence update returned no result")
	}
	if err := result.Err(); err != nil {
		return 0, fmt.Errorf("advance %s sequence: %w", s.name, err)
	}

	var counter struct {
		Seq int64 `bson:"seq"`
	}
	if err := result.Decode(&counter); err != nil {
		return 0, fmt.Errorf("decode %s sequence: %w", s.name, err)
	}

	return counter.Seq, nil
}
