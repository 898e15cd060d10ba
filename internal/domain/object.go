package domain

import (
	"sort"
	"strings"
	"time"
)

// Object is a registry entity carrying free-form key/value attributes. The
// integer ObjectID is generated from a store-side sequence; DedupKey is a
// canonical rendering of the attributes enforced unique by the store.
type Object struct {
	ObjectID  int64             `bson:"object_id" json:"object_id"`
	Attrs     map[string]string `bson:"attrs" json:"attrs"`
	DedupKey  string            `bson:"dedup_key" json:"dedup_key"`
	CreatedAt time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time         `bson:"updated_at" json:"updated_at"`
}

// Binding associates one group chat with exactly one object. An object may
// back many groups; a group is bound to at most one object at a time.
type Binding struct {
	ChatID    int64     `bson:"chat_id" json:"chat_id"`
	ObjectID  int64     `bson:"object_id" json:"object_id"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// DedupKey renders attributes as sorted key=value pairs joined with "|",
// giving equal attribute sets an equal key regardless of input order.
func DedupKey(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+attrs[k])
	}

	return strings.Join(pairs, "|")
}
