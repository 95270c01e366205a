package activity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultPruneAge is the retention horizon applied when PruneOptions.OlderThan
// is unset.
const DefaultPruneAge = 90 * 24 * time.Hour

// PruneOptions narrows a manual pruning pass.
type PruneOptions struct {
	// OlderThan selects the age cutoff. Accepted forms:
	//   - a relative-age string: "30d", "12h", "45m"
	//   - a time.Time: the absolute cutoff itself
	//   - an int/int64/float64: a Unix timestamp, seconds or milliseconds
	//   - nil: the 90-day default
	// An unparseable value prunes nothing rather than guessing a cutoff.
	OlderThan interface{}
	// EntityType, when set, restricts pruning to records about one entity kind.
	EntityType string
	// Limit caps the number of records removed in one pass. Zero means
	// unlimited.
	Limit int64
}

// PruneResult reports the outcome of one pruning pass.
type PruneResult struct {
	// DeletedCount is the number of records removed.
	DeletedCount int64
	// Cutoff is the resolved age boundary; records created before it were
	// eligible. Zero when the requested cutoff could not be parsed.
	Cutoff time.Time
}

// Pruner removes aged activity records on demand or on a cron schedule. It is
// the manual counterpart to the TTL index the Logger maintains: useful where
// store-side expiry is unavailable or where per-entity-type and capped passes
// are needed.
type Pruner struct {
	logger *Logger
	log    logrus.FieldLogger
	cron   *cron.Cron
}

// NewPruner creates a Pruner operating on logger's activity collection.
func NewPruner(logger *Logger) *Pruner {
	return &Pruner{logger: logger, log: logger.log}
}

// Prune removes records older than the resolved cutoff, honoring the entity
// type and count constraints in opts.
//
// A capped pass selects the ids of the oldest eligible records first and
// deletes exactly those, so the limit holds even when eligible records keep
// arriving concurrently.
//
// Returns:
//   - PruneResult: The removed count and the cutoff applied. A zero result
//     with a zero Cutoff means the OlderThan value was unparseable and nothing
//     was touched.
//   - error: A storage error; parse failures are not errors, they fail soft.
func (p *Pruner) Prune(ctx context.Context, opts PruneOptions) (PruneResult, error) {
	cutoff, ok := resolveCutoff(opts.OlderThan, time.Now())
	if !ok {
		p.log.WithField("olderThan", fmt.Sprintf("%v", opts.OlderThan)).
			Warn("activity: unparseable prune cutoff, nothing pruned")
		return PruneResult{}, nil
	}

	coll := p.logger.collection(ctx)
	query := bson.M{"createdAt": bson.M{"$lt": cutoff}}
	if opts.EntityType != "" {
		query["entity.type"] = opts.EntityType
	}

	if opts.Limit > 0 {
		ids, err := p.oldestIDs(ctx, query, opts.Limit)
		if err != nil {
			return PruneResult{Cutoff: cutoff}, fmt.Errorf("activity: prune selection failed: %w", err)
		}
		if len(ids) == 0 {
			return PruneResult{Cutoff: cutoff}, nil
		}
		query = bson.M{"_id": bson.M{"$in": ids}}
	}

	res, err := coll.DeleteMany(ctx, query)
	if err != nil {
		return PruneResult{Cutoff: cutoff}, fmt.Errorf("activity: prune failed: %w", err)
	}
	p.log.WithFields(logrus.Fields{
		"deleted": res.DeletedCount,
		"cutoff":  cutoff.Format(time.RFC3339),
	}).Info("activity: prune pass complete")
	return PruneResult{DeletedCount: res.DeletedCount, Cutoff: cutoff}, nil
}

// oldestIDs returns the _id values of the oldest records matching query, up to
// limit, so a capped deletion targets a fixed set.
func (p *Pruner) oldestIDs(ctx context.Context, query bson.M, limit int64) ([]interface{}, error) {
	findOpts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetLimit(limit).
		SetProjection(bson.M{"_id": 1})
	cursor, err := p.logger.collection(ctx).Find(ctx, query, findOpts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	ids := make([]interface{}, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc["_id"])
	}
	return ids, nil
}

// Schedule runs Prune with opts on the given cron expression (standard
// five-field syntax, e.g. "0 3 * * *" for daily at 03:00) until Stop is
// called. Scheduled pass failures are logged, never fatal.
//
// Returns:
//   - error: An invalid cron expression.
func (p *Pruner) Schedule(expr string, opts PruneOptions) error {
	if p.cron == nil {
		p.cron = cron.New()
	}
	_, err := p.cron.AddFunc(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := p.Prune(ctx, opts); err != nil {
			p.log.WithError(err).Warn("activity: scheduled prune failed")
		}
	})
	if err != nil {
		return fmt.Errorf("activity: invalid prune schedule %q: %w", expr, err)
	}
	p.cron.Start()
	return nil
}

// Stop halts the pruning schedule. Running passes finish; no new ones start.
func (p *Pruner) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
}

// resolveCutoff turns the accepted OlderThan forms into an absolute cutoff
// time relative to now. The boolean is false when the value is unrecognized.
func resolveCutoff(olderThan interface{}, now time.Time) (time.Time, bool) {
	switch v := olderThan.(type) {
	case nil:
		return now.Add(-DefaultPruneAge), true
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false
		}
		return v, true
	case time.Duration:
		return now.Add(-v), true
	case string:
		d, ok := parseAge(v)
		if !ok {
			return time.Time{}, false
		}
		return now.Add(-d), true
	case int:
		return epochTime(int64(v)), true
	case int64:
		return epochTime(v), true
	case float64:
		return epochTime(int64(v)), true
	}
	return time.Time{}, false
}

// epochTime interprets a Unix timestamp, treating magnitudes that cannot be a
// plausible seconds value as milliseconds.
func epochTime(n int64) time.Time {
	if n >= 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

// parseAge parses the compact relative-age syntax: a positive integer followed
// by "d" (days), "h" (hours) or "m" (minutes).
func parseAge(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	switch s[len(s)-1] {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'm':
		return time.Duration(n) * time.Minute, true
	}
	return 0, false
}
