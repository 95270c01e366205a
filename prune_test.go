package activity

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestResolveCutoff(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		in    interface{}
		want  time.Time
		valid bool
	}{
		{"nil defaults to 90 days", nil, now.Add(-DefaultPruneAge), true},
		{"days string", "30d", now.Add(-30 * 24 * time.Hour), true},
		{"hours string", "12h", now.Add(-12 * time.Hour), true},
		{"minutes string", "45m", now.Add(-45 * time.Minute), true},
		{"absolute time", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"duration", 24 * time.Hour, now.Add(-24 * time.Hour), true},
		{"unix seconds", int64(1735689600), time.Unix(1735689600, 0), true},
		{"unix millis", int64(1735689600000), time.UnixMilli(1735689600000), true},
		{"garbage string", "soon", time.Time{}, false},
		{"negative count", "-3d", time.Time{}, false},
		{"unknown unit", "3w", time.Time{}, false},
		{"zero time", time.Time{}, time.Time{}, false},
		{"unsupported type", []string{"30d"}, time.Time{}, false},
	}
	for _, tc := range cases {
		got, ok := resolveCutoff(tc.in, now)
		if ok != tc.valid {
			t.Errorf("%s: expected valid=%v, got %v", tc.name, tc.valid, ok)
			continue
		}
		if ok && !got.Equal(tc.want) {
			t.Errorf("%s: expected cutoff %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestPrune(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("unbounded prune deletes by cutoff", func(mt *mtest.T) {
		pruner := NewPruner(testLogger(mt))
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 42}))

		res, err := pruner.Prune(context.Background(), PruneOptions{OlderThan: "30d"})
		if err != nil {
			t.Fatalf("Prune failed: %v", err)
		}
		if res.DeletedCount != 42 {
			t.Errorf("Expected 42 deleted, got %d", res.DeletedCount)
		}
		if res.Cutoff.IsZero() {
			t.Error("Expected resolved cutoff in result")
		}
	})

	mt.Run("limited prune selects ids first", func(mt *mtest.T) {
		pruner := NewPruner(testLogger(mt))

		id1, id2 := primitive.NewObjectID(), primitive.NewObjectID()
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "app.activities", mtest.FirstBatch,
				bson.D{{Key: "_id", Value: id1}},
				bson.D{{Key: "_id", Value: id2}},
			),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 2}),
		)

		res, err := pruner.Prune(context.Background(), PruneOptions{OlderThan: "1d", Limit: 2})
		if err != nil {
			t.Fatalf("Prune failed: %v", err)
		}
		if res.DeletedCount != 2 {
			t.Errorf("Expected 2 deleted, got %d", res.DeletedCount)
		}
	})

	mt.Run("limited prune with nothing eligible skips deletion", func(mt *mtest.T) {
		pruner := NewPruner(testLogger(mt))
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "app.activities", mtest.FirstBatch))

		res, err := pruner.Prune(context.Background(), PruneOptions{OlderThan: "1d", Limit: 5})
		if err != nil {
			t.Fatalf("Prune failed: %v", err)
		}
		if res.DeletedCount != 0 {
			t.Errorf("Expected nothing deleted, got %d", res.DeletedCount)
		}
	})

	mt.Run("unparseable cutoff prunes nothing", func(mt *mtest.T) {
		pruner := NewPruner(testLogger(mt))

		// No mock response: a delete attempt would fail the test.
		res, err := pruner.Prune(context.Background(), PruneOptions{OlderThan: "whenever"})
		if err != nil {
			t.Fatalf("Expected fail-soft nil error, got %v", err)
		}
		if res.DeletedCount != 0 || !res.Cutoff.IsZero() {
			t.Errorf("Expected zero result, got %+v", res)
		}
	})
}

func TestScheduleRejectsBadExpression(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("invalid cron expression", func(mt *mtest.T) {
		pruner := NewPruner(testLogger(mt))
		defer pruner.Stop()

		if err := pruner.Schedule("not a cron expr", PruneOptions{}); err == nil {
			t.Error("Expected error for invalid cron expression")
		}
		if err := pruner.Schedule("0 3 * * *", PruneOptions{OlderThan: "90d"}); err != nil {
			t.Errorf("Expected valid expression accepted, got %v", err)
		}
	})
}
