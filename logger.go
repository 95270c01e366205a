package activity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ttlIndexName is the name of the TTL index enforcing the retention period.
// It is dropped and recreated whenever the retention setting changes.
const ttlIndexName = "activity_created_ttl"

// Logger is the single choke point that turns a logical activity into a
// persisted record. It merges Context-scope metadata, runs the candidate past
// the before-log gate, performs the write (synchronously or fire-and-forget)
// and tracks outstanding asynchronous writes for graceful shutdown.
//
// The log collection handle is cached and compared against the configuration
// generation on every use; changing the collection name or retention period
// through Configure causes a lazy rebuild on next access, so no write ever
// lands in a stale collection or under a stale expiry policy.
type Logger struct {
	db      *mongo.Database
	cfg     *Config
	bus     *Bus
	metrics Metrics
	log     logrus.FieldLogger

	// warnLimiter throttles repeated local warnings (e.g. missing user id)
	// so a hot code path cannot flood the diagnostic log.
	warnLimiter *rate.Limiter

	collMu  sync.Mutex
	coll    *mongo.Collection
	collGen uint64

	pendingWg sync.WaitGroup
	pendingN  atomic.Int64

	asyncRetries    uint64
	asyncRetryDelay time.Duration
}

// LoggerOption configures a Logger at construction time.
type LoggerOption func(*Logger)

// WithConfig injects the configuration object the logger consults. Components
// sharing one Config see each other's Configure calls.
func WithConfig(cfg *Config) LoggerOption {
	return func(l *Logger) {
		if cfg != nil {
			l.cfg = cfg
		}
	}
}

// WithBus injects the hook bus. Useful when trackers and loggers share
// subscribers registered ahead of construction.
func WithBus(bus *Bus) LoggerOption {
	return func(l *Logger) {
		if bus != nil {
			l.bus = bus
		}
	}
}

// WithMetrics sets the metrics implementation. Defaults to a no-op.
func WithMetrics(m Metrics) LoggerOption {
	return func(l *Logger) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithLogrus sets the internal diagnostic logger. Defaults to the logrus
// standard logger.
func WithLogrus(log logrus.FieldLogger) LoggerOption {
	return func(l *Logger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithAsyncRetry tunes the retry policy applied to fire-and-forget writes
// before a failure is surfaced through the error hooks.
func WithAsyncRetry(retries uint64, initialDelay time.Duration) LoggerOption {
	return func(l *Logger) {
		l.asyncRetries = retries
		if initialDelay > 0 {
			l.asyncRetryDelay = initialDelay
		}
	}
}

// NewLogger creates a Logger writing to the activity collection of db.
//
// Parameters:
//   - db: The Mongo database holding the activity log collection.
//   - opts: Variadic options; missing pieces get defaults (fresh Config,
//     fresh Bus, no-op metrics, logrus standard logger).
func NewLogger(db *mongo.Database, opts ...LoggerOption) *Logger {
	l := &Logger{
		db:              db,
		metrics:         nopMetrics{},
		warnLimiter:     rate.NewLimiter(rate.Every(time.Second), 5),
		asyncRetries:    3,
		asyncRetryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cfg == nil {
		l.cfg = NewConfig()
	}
	if l.log == nil {
		l.log = logrus.StandardLogger()
	}
	if l.bus == nil {
		l.bus = NewBus(l.cfg, l.log)
	}
	return l
}

// Bus returns the hook bus consumers subscribe to.
func (l *Logger) Bus() *Bus { return l.bus }

// Config returns the configuration object the logger consults.
func (l *Logger) Config() *Config { return l.cfg }

// collection returns the cached log collection handle, rebuilding it when the
// configuration generation has moved since the handle was built. Index setup
// runs on rebuild and is fail-soft: an index error is logged, never fatal to
// the write path.
func (l *Logger) collection(ctx context.Context) *mongo.Collection {
	gen := l.cfg.Generation()
	l.collMu.Lock()
	defer l.collMu.Unlock()
	if l.coll != nil && l.collGen == gen {
		return l.coll
	}
	l.coll = l.db.Collection(l.cfg.CollectionName())
	l.collGen = gen
	if l.cfg.CreateIndexes() {
		if err := l.ensureIndexes(ctx, l.coll); err != nil {
			l.log.WithError(err).Warn("activity: index creation failed")
		}
	}
	return l.coll
}

// ensureIndexes creates the secondary indexes feed queries rely on and the TTL
// index when a retention period is set. The TTL index is dropped first so a
// changed retention period takes effect instead of clashing with the old one.
func (l *Logger) ensureIndexes(ctx context.Context, coll *mongo.Collection) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "entity.type", Value: 1}, {Key: "entity.id", Value: 1}, {Key: "createdAt", Value: -1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("secondary indexes: %w", err)
	}
	if days := l.cfg.RetentionDays(); days > 0 {
		// Recreate rather than collMod: dropping a missing index is harmless.
		_, _ = coll.Indexes().DropOne(ctx, ttlIndexName)
		ttl := mongo.IndexModel{
			Keys: bson.D{{Key: "createdAt", Value: 1}},
			Options: options.Index().
				SetName(ttlIndexName).
				SetExpireAfterSeconds(int32(days * 24 * 60 * 60)),
		}
		if _, err := coll.Indexes().CreateOne(ctx, ttl); err != nil {
			return fmt.Errorf("ttl index: %w", err)
		}
	}
	return nil
}

// logCall holds the per-call overrides of LogActivity.
type logCall struct {
	throwOnError *bool
	async        *bool
	session      mongo.SessionContext
}

// LogOption overrides one configuration default for a single LogActivity call.
type LogOption func(*logCall)

// ThrowOnError overrides the configured error policy for this call. It only
// has effect in synchronous mode; asynchronous write failures never propagate
// to the caller regardless.
func ThrowOnError(v bool) LogOption {
	return func(c *logCall) { c.throwOnError = &v }
}

// Async overrides the configured write mode for this call.
func Async(v bool) LogOption {
	return func(c *logCall) { c.async = &v }
}

// InSession ties the activity write to the caller's session so it commits or
// aborts with the triggering mutation's transaction. The session is an opaque
// pass-through; it is ignored (with a local warning) in asynchronous mode,
// where the write outlives the caller's transaction scope.
func InSession(sess mongo.SessionContext) LogOption {
	return func(c *logCall) { c.session = sess }
}

// LogActivity validates, gates and persists one activity record.
//
// The effective user id is the explicit Params.UserID when set, otherwise the
// one carried by the active Context scope. Records without a resolvable user
// id are still attempted (with a throttled local warning) and rejected by
// validation at write time.
//
// Meta precedence is explicit-caller-wins: requestId, ip and sessionId from
// the scope (and traceId from a valid OpenTelemetry span in ctx) are added
// only for keys the caller did not set. An empty merge leaves Meta unset.
//
// The before-log gate runs after the candidate is built; a veto drops the
// record with no logged or error emission and a nil return. Past the gate the
// write proceeds in the configured or overridden mode:
//
//   - Synchronous: the write happens in-caller. Failures fire the error hooks
//     and are returned only when ThrowOnError applies; otherwise they are
//     swallowed with a local warning.
//   - Asynchronous: the call returns immediately; the write is retried with
//     exponential backoff, tracked in the pending set until it settles, and
//     its outcome surfaces exclusively through the logged/error hooks.
//
// Returns:
//   - error: A validation or storage error in synchronous throwing mode; nil
//     in every other case.
func (l *Logger) LogActivity(ctx context.Context, p Params, opts ...LogOption) error {
	var call logCall
	for _, opt := range opts {
		opt(&call)
	}
	throwOnError := l.cfg.ThrowOnError()
	if call.throwOnError != nil {
		throwOnError = *call.throwOnError
	}
	async := l.cfg.AsyncWrites()
	if call.async != nil {
		async = *call.async
	}

	scope := FromContext(ctx)
	userID := p.UserID
	if userID == "" {
		userID = scope.UserID()
	}
	if userID == "" && l.warnLimiter.Allow() {
		l.log.WithField("type", p.Type).
			Warn("activity: no user id in params or context scope; record will fail validation")
	}

	rec := &Record{
		UserID:    userID,
		Entity:    p.Entity,
		Type:      p.Type,
		Meta:      l.mergeMeta(ctx, p.Meta, scope),
		CreatedAt: time.Now(),
	}

	if !l.bus.emitBeforeLog(rec) {
		l.metrics.ActivityDropped(rec.Type)
		return nil
	}

	if err := rec.Validate(); err != nil {
		l.bus.emitError(err, rec)
		l.metrics.ActivityDropped(rec.Type)
		if !async && throwOnError {
			return err
		}
		l.log.WithError(err).Warn("activity: record rejected")
		return nil
	}

	if async {
		if call.session != nil && l.warnLimiter.Allow() {
			l.log.Warn("activity: session ignored for asynchronous write")
		}
		l.persistAsync(rec)
		return nil
	}

	writeCtx := ctx
	if call.session != nil {
		writeCtx = call.session
	}
	if err := l.persist(writeCtx, rec); err != nil {
		l.bus.emitError(err, rec)
		if throwOnError {
			return err
		}
		l.log.WithError(err).Warn("activity: write failed")
		return nil
	}
	l.bus.emitLogged(rec)
	return nil
}

// mergeMeta overlays scope-derived fields onto the caller's meta without
// overwriting anything the caller set explicitly. The result is nil when the
// merge produced nothing, so the persisted document omits meta entirely.
func (l *Logger) mergeMeta(ctx context.Context, meta bson.M, scope *Context) bson.M {
	merged := make(bson.M, len(meta)+4)
	for k, v := range meta {
		merged[k] = v
	}
	setIfAbsent := func(key, val string) {
		if val == "" {
			return
		}
		if _, ok := merged[key]; !ok {
			merged[key] = val
		}
	}
	setIfAbsent(KeyRequestID, scope.RequestID())
	setIfAbsent(KeyIP, scope.IP())
	setIfAbsent(KeySessionID, scope.SessionID())
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		setIfAbsent("traceId", sc.TraceID().String())
	}
	if len(merged) == 0 {
		return nil
	}
	return sanitizeMeta(merged)
}

// persist writes one record synchronously and records the write latency.
func (l *Logger) persist(ctx context.Context, rec *Record) error {
	coll := l.collection(ctx)
	start := time.Now()
	res, err := coll.InsertOne(ctx, rec)
	l.metrics.WriteLatency(rec.Type, time.Since(start))
	if err != nil {
		return fmt.Errorf("activity: insert failed: %w", err)
	}
	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		rec.ID = id
	}
	l.metrics.ActivityLogged(rec.Type)
	return nil
}

// persistAsync initiates a fire-and-forget write. The in-flight write is
// tracked in the process-wide pending set and removed exactly once when it
// settles, success or failure. Failures are retried with exponential backoff
// before the error hooks fire; they never reach the original caller.
func (l *Logger) persistAsync(rec *Record) {
	l.pendingWg.Add(1)
	l.pendingN.Add(1)
	go func() {
		defer func() {
			l.pendingN.Add(-1)
			l.pendingWg.Done()
		}()
		// Detached from the caller's context: the write must survive the end
		// of the triggering request.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = l.asyncRetryDelay
		err := backoff.Retry(func() error {
			return l.persist(ctx, rec)
		}, backoff.WithMaxRetries(backoff.WithContext(b, ctx), l.asyncRetries))
		if err != nil {
			l.bus.emitError(err, rec)
			return
		}
		l.bus.emitLogged(rec)
	}()
}

// FlushTimeoutError is returned by Flush when the wait ends before every
// pending asynchronous write has settled.
type FlushTimeoutError struct {
	// Pending is the number of writes still outstanding when the wait ended.
	Pending int
}

// Error implements the error interface.
func (e *FlushTimeoutError) Error() string {
	return fmt.Sprintf("activity: flush timed out with %d pending write(s)", e.Pending)
}

// Flush waits for every currently pending asynchronous write to settle,
// success or failure, or until the timeout elapses or ctx is cancelled,
// whichever happens first. It returns immediately when nothing is pending.
// The wait is collective and best-effort: individual write failures do not
// fail the flush, they only surface through the error hooks.
//
// Returns:
//   - error: A *FlushTimeoutError naming the outstanding count on timeout or
//     cancellation; nil once all tracked writes have settled.
func (l *Logger) Flush(ctx context.Context, timeout time.Duration) error {
	if l.pendingN.Load() == 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		l.pendingWg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return &FlushTimeoutError{Pending: int(l.pendingN.Load())}
	case <-ctx.Done():
		return &FlushTimeoutError{Pending: int(l.pendingN.Load())}
	}
}

// Pending reports the number of asynchronous writes currently in flight.
func (l *Logger) Pending() int {
	return int(l.pendingN.Load())
}

// Filter narrows a feed or entity query. Zero values mean "no constraint".
type Filter struct {
	// EntityType restricts results to activities about one kind of entity.
	EntityType string
	// ActivityType restricts results to one activity type label.
	ActivityType string
	// CreatedAfter/CreatedBefore bound the createdAt range (inclusive lower,
	// exclusive upper).
	CreatedAfter  time.Time
	CreatedBefore time.Time
	// Skip and Limit paginate the newest-first result set.
	Skip  int64
	Limit int64
}

// apply folds the filter's constraints into a base Mongo query document.
func (f Filter) apply(query bson.M) bson.M {
	if f.EntityType != "" {
		query["entity.type"] = f.EntityType
	}
	if f.ActivityType != "" {
		query["type"] = f.ActivityType
	}
	created := bson.M{}
	if !f.CreatedAfter.IsZero() {
		created["$gte"] = f.CreatedAfter
	}
	if !f.CreatedBefore.IsZero() {
		created["$lt"] = f.CreatedBefore
	}
	if len(created) > 0 {
		query["createdAt"] = created
	}
	return query
}

// findOpts translates the filter's pagination into find options with the
// canonical newest-first sort.
func (f Filter) findOpts() *options.FindOptions {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if f.Skip > 0 {
		opts.SetSkip(f.Skip)
	}
	if f.Limit > 0 {
		opts.SetLimit(f.Limit)
	}
	return opts
}

// ActivityFeed returns the activities attributed to one user, newest first.
// Pure query translation; no business logic beyond filter assembly.
func (l *Logger) ActivityFeed(ctx context.Context, userID string, f Filter) ([]Record, error) {
	return l.find(ctx, f.apply(bson.M{"userId": userID}), f)
}

// EntityActivity returns the activities concerning one entity, newest first.
func (l *Logger) EntityActivity(ctx context.Context, entityType, entityID string, f Filter) ([]Record, error) {
	query := f.apply(bson.M{"entity.type": entityType, "entity.id": entityID})
	return l.find(ctx, query, f)
}

func (l *Logger) find(ctx context.Context, query bson.M, f Filter) ([]Record, error) {
	cursor, err := l.collection(ctx).Find(ctx, query, f.findOpts())
	if err != nil {
		return nil, fmt.Errorf("activity: query failed: %w", err)
	}
	defer cursor.Close(ctx)
	var records []Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("activity: decoding records failed: %w", err)
	}
	return records, nil
}
