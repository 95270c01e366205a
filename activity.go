package activity

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Entity identifies the logical resource an activity is about.
// The Type names the kind of resource (usually a collection name, e.g. "orders")
// and the ID identifies the specific document within it.
type Entity struct {
	Type string `bson:"type" json:"type"`
	ID   string `bson:"id,omitempty" json:"id,omitempty"`
}

// Record is one immutable audit-log entry describing something that happened
// to an entity, attributable to a user. Records are append-only: changes to a
// tracked document produce new records, never mutations of prior ones.
//
// Meta is a free-form payload carrying diffs, counts, sampled field values and
// context echoes (requestId, ip, sessionId, traceId). It is omitted from the
// persisted document when empty.
type Record struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	UserID    string             `bson:"userId" json:"userId"`
	Entity    Entity             `bson:"entity" json:"entity"`
	Type      string             `bson:"type" json:"type"`
	Meta      bson.M             `bson:"meta,omitempty" json:"meta,omitempty"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
}

// Params are the caller-supplied inputs to Logger.LogActivity.
// UserID may be left empty, in which case the active Context scope supplies it.
type Params struct {
	UserID string
	Entity Entity
	Type   string
	Meta   bson.M
}

// Change captures the before/after values of one tracked field in an update
// activity's diff map.
type Change struct {
	From interface{} `bson:"from" json:"from"`
	To   interface{} `bson:"to" json:"to"`
}

// Activity type label suffixes. Automatic activities emitted by a Tracker use
// "<collection>" + suffix as their Type (e.g. "orders_created").
const (
	SuffixCreated     = "_created"
	SuffixUpdated     = "_updated"
	SuffixDeleted     = "_deleted"
	SuffixDeletedBulk = "_deleted_bulk"
)

// TypeCreated returns the automatic creation activity type for a collection.
func TypeCreated(collection string) string { return collection + SuffixCreated }

// TypeUpdated returns the automatic update activity type for a collection.
func TypeUpdated(collection string) string { return collection + SuffixUpdated }

// TypeDeleted returns the automatic deletion activity type for a collection.
func TypeDeleted(collection string) string { return collection + SuffixDeleted }

// TypeDeletedBulk returns the summarized bulk-deletion activity type for a collection.
func TypeDeletedBulk(collection string) string { return collection + SuffixDeletedBulk }

// ValidationError reports a record that cannot be persisted because a required
// field is missing or empty. It is surfaced through the error hooks and, in
// synchronous mode with ThrowOnError, returned to the caller.
type ValidationError struct {
	Field string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("activity: invalid record: %s must be a non-empty string", e.Field)
}

// Validate checks the structural invariants a record must satisfy before it is
// written: entity.type, type and userId are all non-empty.
//
// Returns:
//   - error: A *ValidationError naming the offending field, or nil.
func (r *Record) Validate() error {
	if r.Entity.Type == "" {
		return &ValidationError{Field: "entity.type"}
	}
	if r.Type == "" {
		return &ValidationError{Field: "type"}
	}
	if r.UserID == "" {
		return &ValidationError{Field: "userId"}
	}
	return nil
}
