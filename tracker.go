package activity

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultBulkDeleteThreshold is the matched-document count at or above which a
// bulk deletion collapses into one summary activity instead of one record per
// document.
const DefaultBulkDeleteThreshold = 100

// bulkSampleSize bounds the field-value sample embedded in a bulk-deletion
// summary so the meta payload stays small regardless of how many documents
// were removed.
const bulkSampleSize = 10

// trackSettings holds the per-collection tracking configuration.
type trackSettings struct {
	collection     string
	trackedFields  []string
	updateType     string
	trackDiff      bool
	trackDeletions bool
	deletionFields []string
	bulkThreshold  int
	forceBulk      bool
	userIDField    string
}

// TrackOption configures a Tracker.
type TrackOption func(*trackSettings)

// EntityName overrides the logical name used as the entity type and activity
// label prefix. Defaults to the wrapped collection's name.
func EntityName(name string) TrackOption {
	return func(s *trackSettings) {
		if name != "" {
			s.collection = name
		}
	}
}

// TrackedFields sets the document fields (dotted paths allowed) whose changes
// trigger automatic activity emission. With no tracked fields, creation
// activities carry no field values and updates emit nothing.
func TrackedFields(fields ...string) TrackOption {
	return func(s *trackSettings) { s.trackedFields = fields }
}

// UpdateActivityType overrides the type label used for update activities.
// The default is "<collection>_updated".
func UpdateActivityType(t string) TrackOption {
	return func(s *trackSettings) {
		if t != "" {
			s.updateType = t
		}
	}
}

// TrackDiff controls whether update activities carry {from, to} diffs (the
// default) or just the current values of the modified fields.
func TrackDiff(diff bool) TrackOption {
	return func(s *trackSettings) { s.trackDiff = diff }
}

// TrackDeletions controls whether deletions emit activities at all.
func TrackDeletions(track bool) TrackOption {
	return func(s *trackSettings) { s.trackDeletions = track }
}

// DeletionFields restricts the fields captured from a doomed document before
// deletion. Unset, the whole document is preserved in the activity.
func DeletionFields(fields ...string) TrackOption {
	return func(s *trackSettings) { s.deletionFields = fields }
}

// BulkDeleteThreshold sets the matched-document count at or above which a bulk
// deletion is summarized into a single activity.
func BulkDeleteThreshold(n int) TrackOption {
	return func(s *trackSettings) {
		if n > 0 {
			s.bulkThreshold = n
		}
	}
}

// ForceBulkSummary always summarizes bulk deletions, regardless of count.
func ForceBulkSummary(force bool) TrackOption {
	return func(s *trackSettings) { s.forceBulk = force }
}

// UserIDField names the document field holding the owning user id, consulted
// when attributing automatic activities. Defaults to "userId".
func UserIDField(field string) TrackOption {
	return func(s *trackSettings) {
		if field != "" {
			s.userIDField = field
		}
	}
}

// Tracker attaches change tracking to one collection. The Go driver exposes no
// lifecycle middleware, so the Tracker wraps the collection and is itself the
// hook point: mutations performed through it execute against the underlying
// store first and then decide, per operation, what activity (if any) to emit.
//
// A failure while computing or emitting an activity never aborts or rolls back
// the underlying mutation; it is caught, reported through the logger's error
// hooks and a local warning, and the mutation's own result is returned
// unchanged.
type Tracker struct {
	coll   *mongo.Collection
	logger *Logger
	s      trackSettings
	log    logrus.FieldLogger
}

// Track wraps coll with change tracking bound to logger.
//
// Parameters:
//   - coll: The collection whose mutations are tracked.
//   - logger: The Logger activities are emitted through.
//   - opts: Per-collection tracking options.
func Track(coll *mongo.Collection, logger *Logger, opts ...TrackOption) *Tracker {
	s := trackSettings{
		collection:     coll.Name(),
		trackDiff:      true,
		trackDeletions: true,
		bulkThreshold:  DefaultBulkDeleteThreshold,
		userIDField:    "userId",
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.updateType == "" {
		s.updateType = TypeUpdated(s.collection)
	}
	return &Tracker{coll: coll, logger: logger, s: s, log: logger.log}
}

// Collection returns the wrapped collection for untracked operations (reads,
// index management).
func (t *Tracker) Collection() *mongo.Collection { return t.coll }

// emit sends one automatic activity through the logger, absorbing every
// failure mode so the caller's mutation result is never affected.
func (t *Tracker) emit(ctx context.Context, p Params) {
	defer func() {
		if r := recover(); r != nil {
			t.log.WithField("panic", r).Warn("activity: tracker emission panicked")
		}
	}()
	// Emission never throws to the mutating caller, whatever the config says.
	if err := t.logger.LogActivity(ctx, p, ThrowOnError(false)); err != nil {
		t.log.WithError(err).Warn("activity: tracker emission failed")
	}
}

// resolveUser attributes an activity: the owning document's user field wins,
// then the active Context scope. Empty means unattributable; the caller skips
// emission.
func (t *Tracker) resolveUser(ctx context.Context, doc interface{}) string {
	if doc != nil {
		if v, ok := lookupPath(doc, t.s.userIDField); ok {
			if id := idString(v); id != "" {
				return id
			}
		}
	}
	return FromContext(ctx).UserID()
}

// InsertOne inserts a document and, on success, emits one
// "<collection>_created" activity carrying the tracked fields' initial values.
// No activity is emitted when the owning user id cannot be resolved.
func (t *Tracker) InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	res, err := t.coll.InsertOne(ctx, document, opts...)
	if err != nil {
		return res, err
	}
	doc, convErr := toDocument(document)
	if convErr != nil {
		t.log.WithError(convErr).Warn("activity: cannot decode inserted document")
		return res, nil
	}
	userID := t.resolveUser(ctx, doc)
	if userID == "" {
		return res, nil
	}
	var meta bson.M
	if len(t.s.trackedFields) > 0 {
		if fields := pickFields(doc, t.s.trackedFields); fields != nil {
			meta = bson.M{"fields": fields}
		}
	}
	t.emit(ctx, Params{
		UserID: userID,
		Entity: Entity{Type: t.s.collection, ID: idString(res.InsertedID)},
		Type:   TypeCreated(t.s.collection),
		Meta:   meta,
	})
	return res, nil
}

// ReplaceOne is the save-style single-document update. The pre-image is read
// before the replacement so tracked-field changes can be diffed; if no tracked
// field actually changed, nothing is emitted. With diffing enabled (the
// default) the activity carries {field: {from, to}} for each modified field;
// otherwise just the current values. The modified-field list is always
// included.
func (t *Tracker) ReplaceOne(ctx context.Context, filter, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	var pre bson.M
	preErr := t.coll.FindOne(ctx, filter).Decode(&pre)

	res, err := t.coll.ReplaceOne(ctx, filter, replacement, opts...)
	if err != nil || res.MatchedCount == 0 {
		return res, err
	}
	if preErr != nil {
		t.log.WithError(preErr).Warn("activity: pre-image read failed, skipping update activity")
		return res, nil
	}

	post, convErr := toDocument(replacement)
	if convErr != nil {
		t.log.WithError(convErr).Warn("activity: cannot decode replacement document")
		return res, nil
	}
	changed := modifiedFields(pre, post, t.s.trackedFields)
	if len(changed) == 0 {
		return res, nil
	}
	userID := t.resolveUser(ctx, post)
	if userID == "" {
		userID = t.resolveUser(ctx, pre)
	}
	if userID == "" {
		return res, nil
	}
	meta := bson.M{"modifiedFields": changed}
	if t.s.trackDiff {
		meta["changes"] = computeDiff(pre, post, changed)
	} else {
		meta["fields"] = pickFields(post, changed)
	}
	t.emit(ctx, Params{
		UserID: userID,
		Entity: Entity{Type: t.s.collection, ID: idString(pre["_id"])},
		Type:   t.s.updateType,
		Meta:   meta,
	})
	return res, nil
}

// UpdateOne executes a query-style single update and emits one activity when
// the update payload touches tracked fields and a user id can be recovered
// from the payload, the filter or the active scope.
func (t *Tracker) UpdateOne(ctx context.Context, filter, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	res, err := t.coll.UpdateOne(ctx, filter, update, opts...)
	if err != nil {
		return res, err
	}
	t.emitQueryUpdate(ctx, filter, update, "updateOne", res)
	return res, nil
}

// UpdateMany executes a query-style bulk update. One aggregate activity is
// emitted for the whole operation, flagged with a bulk marker, never one per
// affected document.
func (t *Tracker) UpdateMany(ctx context.Context, filter, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	res, err := t.coll.UpdateMany(ctx, filter, update, opts...)
	if err != nil {
		return res, err
	}
	t.emitQueryUpdate(ctx, filter, update, "updateMany", res)
	return res, nil
}

// FindOneAndUpdate executes the driver's findAndModify and emits the same
// aggregate activity as the other query-style updates. The returned
// SingleResult is the driver's, untouched.
func (t *Tracker) FindOneAndUpdate(ctx context.Context, filter, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult {
	res := t.coll.FindOneAndUpdate(ctx, filter, update, opts...)
	if res.Err() == nil {
		t.emitQueryUpdate(ctx, filter, update, "findOneAndUpdate", nil)
	}
	return res
}

// emitQueryUpdate implements the shared query-style update activity: which
// tracked fields were targeted, which operators were used, and how many
// documents the operation touched. An update that matched nothing changed
// nothing and emits nothing.
func (t *Tracker) emitQueryUpdate(ctx context.Context, filter, update interface{}, operation string, res *mongo.UpdateResult) {
	if res != nil && res.MatchedCount == 0 {
		return
	}
	fields, operators := updateTargets(update, t.s.trackedFields)
	if len(fields) == 0 {
		return
	}
	userID := stringValue(update, t.s.userIDField)
	if userID == "" {
		userID = stringValue(filter, t.s.userIDField)
	}
	if userID == "" {
		userID = FromContext(ctx).UserID()
	}
	if userID == "" {
		return
	}
	meta := bson.M{
		"targetedFields": fields,
		"operation":      operation,
	}
	if len(operators) > 0 {
		meta["operators"] = operators
	}
	if res != nil {
		meta["matchedCount"] = res.MatchedCount
		meta["modifiedCount"] = res.ModifiedCount
		if operation == "updateMany" {
			meta["bulk"] = true
		}
	}
	t.emit(ctx, Params{
		UserID: userID,
		Entity: Entity{Type: t.s.collection, ID: idString(filterID(filter))},
		Type:   t.s.updateType,
		Meta:   meta,
	})
}

// DeleteOne captures the configured deletion fields from the doomed document,
// deletes it, and emits one "<collection>_deleted" activity naming the
// operation. Nothing is emitted when deletion tracking is off, nothing
// matched, or no user id is resolvable from the document or the scope.
func (t *Tracker) DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	if !t.s.trackDeletions {
		return t.coll.DeleteOne(ctx, filter, opts...)
	}
	var doomed bson.M
	preErr := t.coll.FindOne(ctx, filter).Decode(&doomed)

	res, err := t.coll.DeleteOne(ctx, filter, opts...)
	if err != nil || res.DeletedCount == 0 || preErr != nil {
		return res, err
	}
	userID := t.resolveUser(ctx, doomed)
	if userID == "" {
		return res, nil
	}
	t.emit(ctx, Params{
		UserID: userID,
		Entity: Entity{Type: t.s.collection, ID: idString(doomed["_id"])},
		Type:   TypeDeleted(t.s.collection),
		Meta: bson.M{
			"fields":    t.capturedFields(doomed),
			"operation": "deleteOne",
		},
	})
	return res, nil
}

// DeleteMany identifies the matching documents, deletes them, and emits either
// one "<collection>_deleted_bulk" summary (forced, or when the match count is
// at or above the threshold) carrying the total count, the affected ids and a
// bounded sample of captured field values, or one "<collection>_deleted"
// activity per document, each carrying the total count and that document's own
// captured fields.
func (t *Tracker) DeleteMany(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	if !t.s.trackDeletions {
		return t.coll.DeleteMany(ctx, filter, opts...)
	}
	doomed, preErr := t.findAll(ctx, filter)

	res, err := t.coll.DeleteMany(ctx, filter, opts...)
	if err != nil || res.DeletedCount == 0 {
		return res, err
	}
	if preErr != nil {
		t.log.WithError(preErr).Warn("activity: pre-delete scan failed, skipping deletion activities")
		return res, nil
	}

	count := len(doomed)
	if t.s.forceBulk || count >= t.s.bulkThreshold {
		t.emitBulkDeleteSummary(ctx, doomed)
		return res, nil
	}
	for _, doc := range doomed {
		userID := t.resolveUser(ctx, doc)
		if userID == "" {
			continue
		}
		t.emit(ctx, Params{
			UserID: userID,
			Entity: Entity{Type: t.s.collection, ID: idString(doc["_id"])},
			Type:   TypeDeleted(t.s.collection),
			Meta: bson.M{
				"fields":       t.capturedFields(doc),
				"deletedCount": count,
				"operation":    "deleteMany",
			},
		})
	}
	return res, nil
}

// emitBulkDeleteSummary emits the single collapsed record for a large bulk
// deletion: total count, every affected id, and field values sampled from the
// first few documents only.
func (t *Tracker) emitBulkDeleteSummary(ctx context.Context, doomed []bson.M) {
	userID := FromContext(ctx).UserID()
	if userID == "" {
		for _, doc := range doomed {
			if userID = t.resolveUser(ctx, doc); userID != "" {
				break
			}
		}
	}
	if userID == "" {
		return
	}
	ids := make([]string, 0, len(doomed))
	for _, doc := range doomed {
		ids = append(ids, idString(doc["_id"]))
	}
	sample := make([]bson.M, 0, bulkSampleSize)
	for _, doc := range doomed {
		if len(sample) == bulkSampleSize {
			break
		}
		if fields := t.capturedFields(doc); fields != nil {
			sample = append(sample, fields)
		}
	}
	t.emit(ctx, Params{
		UserID: userID,
		Entity: Entity{Type: t.s.collection},
		Type:   TypeDeletedBulk(t.s.collection),
		Meta: bson.M{
			"deletedCount": len(doomed),
			"ids":          ids,
			"sample":       sample,
			"operation":    "deleteMany",
		},
	})
}

// capturedFields applies the deletion-field configuration to one document:
// the named fields when configured, otherwise the whole document.
func (t *Tracker) capturedFields(doc bson.M) bson.M {
	if len(t.s.deletionFields) > 0 {
		return pickFields(doc, t.s.deletionFields)
	}
	return doc
}

// findAll returns the decoded documents matching filter.
func (t *Tracker) findAll(ctx context.Context, filter interface{}) ([]bson.M, error) {
	cursor, err := t.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// toDocument converts an arbitrary document value into bson.M through the
// driver's codecs, so tracked-field lookup works on structs and maps alike.
func toDocument(v interface{}) (bson.M, error) {
	if m, ok := v.(bson.M); ok {
		return m, nil
	}
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return doc, nil
}

// filterID extracts the _id constraint from a query filter, when present.
func filterID(filter interface{}) interface{} {
	if v, ok := lookupPath(filter, "_id"); ok {
		return v
	}
	return nil
}

// idString renders a document identifier for the entity reference. ObjectIDs
// become their hex form; nil becomes the empty string.
func idString(v interface{}) string {
	switch id := v.(type) {
	case nil:
		return ""
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	default:
		return fmt.Sprintf("%v", id)
	}
}
