// Package activity provides an append-only activity log for MongoDB-backed
// applications: automatic change tracking on selected collections, a manual
// logging API, contextual metadata propagation, and retention management.
// It is designed as an add-on — applications keep using the Mongo driver as
// usual and route mutations on tracked collections through a wrapping Tracker.
//
// Core Concepts:
//
//   - Record: One immutable log entry attributing an activity (a typed label
//     such as "orders_created") to a user and an entity. Records carry an
//     optional free-form Meta payload with diffs, counts, sampled values and
//     contextual echoes (requestId, ip, sessionId, traceId).
//
//   - Logger: The single choke point that turns a logical activity into a
//     persisted record. `LogActivity` resolves the acting user, merges scope
//     metadata (explicit caller values win), runs the before-log gate,
//     validates, and writes synchronously or fire-and-forget. Feed queries
//     (`ActivityFeed`, `EntityActivity`) read the log back newest-first.
//
//   - Context: Ambient per-request metadata riding on context.Context. The
//     HTTP `Middleware` installs one scope per request; `Run` installs one for
//     an arbitrary function's dynamic extent. Values flow into every record
//     logged inside the scope without parameter threading.
//
//   - Tracker: Per-collection change tracking. Wrapping a collection with
//     `Track` makes InsertOne, ReplaceOne, UpdateOne/Many, FindOneAndUpdate,
//     DeleteOne and DeleteMany emit activities automatically: creation values,
//     tracked-field diffs, deletion snapshots, and collapsed summaries for
//     large bulk deletions. The mutation always runs first and its result is
//     never affected by tracking failures.
//
//   - Bus: Hook dispatch between the Logger and its consumers. `OnBeforeLog`
//     registers a cancellable gate (return false to veto a write), `OnLogged`
//     and `OnError` observe outcomes. Registration returns an unsubscribe
//     function; panicking hooks are recovered and never break the pipeline.
//
//   - Config: Process-wide mutable settings (collection name, async mode,
//     retention period, error policy), reconfigurable at runtime through
//     `Configure` with lazy rebuild of cached collection handles.
//     `LoadConfigFromEnv` reads the ACTIVITY_* environment variables.
//
//   - Pruner: Manual and cron-scheduled removal of aged records, complementing
//     the TTL index the Logger maintains when a retention period is set.
//
// Persistence and Observability:
//
// Successful writes can be mirrored into secondary stores: `SetupSinks`
// attaches a rotated JSON-lines file archive (lumberjack) and a batched SQL
// archive, and `ForwardLogged` streams records to Kafka or AMQP through the
// Transport implementations. The Metrics interface (with a Prometheus
// implementation) counts logged and dropped records and observes write
// latency. Meta payloads pass through registered Sanitizers before
// persistence, redacting fields such as "email" and "password".
//
// Usage:
//
//	cfg := activity.NewConfig(activity.WithRetentionDays(90))
//	logger := activity.NewLogger(db, activity.WithConfig(cfg))
//
//	orders := activity.Track(db.Collection("orders"), logger,
//	    activity.TrackedFields("status", "total"),
//	)
//	// Mutations through the wrapper emit activities automatically.
//	orders.InsertOne(ctx, order)
//
//	// Manual logging with contextual metadata.
//	activity.Run(ctx, scope, func(ctx context.Context) error {
//	    return logger.LogActivity(ctx, activity.Params{
//	        Entity: activity.Entity{Type: "report", ID: reportID},
//	        Type:   "report_exported",
//	    })
//	})
//
// Concurrency:
//
// All components are safe for concurrent use. Asynchronous writes are tracked
// in a pending set; `Flush` waits for them to settle during shutdown.
package activity
