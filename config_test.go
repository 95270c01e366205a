package activity

import (
	"os"
	"testing"
)

func TestConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	if cfg.CollectionName() != DefaultCollectionName {
		t.Errorf("Expected collection %q, got %q", DefaultCollectionName, cfg.CollectionName())
	}
	if !cfg.CreateIndexes() {
		t.Error("Expected index creation enabled by default")
	}
	if cfg.AsyncWrites() {
		t.Error("Expected synchronous writes by default")
	}
	if cfg.RetentionDays() != 0 {
		t.Errorf("Expected no retention by default, got %d", cfg.RetentionDays())
	}
	if cfg.ThrowOnError() {
		t.Error("Expected fail-soft error policy by default")
	}
	if cfg.MaxSubscribers() != DefaultMaxSubscribers {
		t.Errorf("Expected max subscribers %d, got %d", DefaultMaxSubscribers, cfg.MaxSubscribers())
	}
}

func TestConfigurePartialUpdate(t *testing.T) {
	cfg := NewConfig()
	before := cfg.Generation()

	cfg.Configure(WithCollectionName("audit_trail"), WithRetentionDays(30))

	if cfg.CollectionName() != "audit_trail" {
		t.Errorf("Expected collection audit_trail, got %q", cfg.CollectionName())
	}
	if cfg.RetentionDays() != 30 {
		t.Errorf("Expected retention 30, got %d", cfg.RetentionDays())
	}
	// Untouched settings survive.
	if cfg.AsyncWrites() {
		t.Error("Expected async setting unchanged")
	}
	if cfg.Generation() <= before {
		t.Error("Expected Configure to bump the generation")
	}
}

func TestConfigureRejectsInvalidValues(t *testing.T) {
	cfg := NewConfig()
	cfg.Configure(WithCollectionName(""), WithRetentionDays(-5), WithMaxSubscribers(0))
	if cfg.CollectionName() != DefaultCollectionName {
		t.Errorf("Expected empty collection name ignored, got %q", cfg.CollectionName())
	}
	if cfg.RetentionDays() != 0 {
		t.Errorf("Expected negative retention ignored, got %d", cfg.RetentionDays())
	}
	if cfg.MaxSubscribers() != DefaultMaxSubscribers {
		t.Errorf("Expected non-positive max subscribers ignored, got %d", cfg.MaxSubscribers())
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	cfg := NewConfig(WithAsyncWrites(true), WithThrowOnError(true))
	before := cfg.Generation()
	cfg.Reset()

	if cfg.AsyncWrites() || cfg.ThrowOnError() {
		t.Error("Expected Reset to restore defaults")
	}
	if cfg.Generation() <= before {
		t.Error("Expected Reset to bump the generation")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	os.Setenv("ACTIVITY_COLLECTION", "env_activities")
	os.Setenv("ACTIVITY_ASYNC", "true")
	os.Setenv("ACTIVITY_RETENTION_DAYS", "7")
	os.Setenv("ACTIVITY_THROW_ON_ERROR", "not-a-bool")
	defer func() {
		os.Unsetenv("ACTIVITY_COLLECTION")
		os.Unsetenv("ACTIVITY_ASYNC")
		os.Unsetenv("ACTIVITY_RETENTION_DAYS")
		os.Unsetenv("ACTIVITY_THROW_ON_ERROR")
	}()

	cfg := NewConfig(LoadConfigFromEnv()...)
	if cfg.CollectionName() != "env_activities" {
		t.Errorf("Expected collection env_activities, got %q", cfg.CollectionName())
	}
	if !cfg.AsyncWrites() {
		t.Error("Expected async writes enabled from env")
	}
	if cfg.RetentionDays() != 7 {
		t.Errorf("Expected retention 7, got %d", cfg.RetentionDays())
	}
	if cfg.ThrowOnError() {
		t.Error("Expected malformed boolean to be ignored")
	}
}

func TestRecordValidate(t *testing.T) {
	rec := &Record{UserID: "u1", Entity: Entity{Type: "orders"}, Type: "orders_created"}
	if err := rec.Validate(); err != nil {
		t.Errorf("Expected valid record, got %v", err)
	}

	cases := []struct {
		name  string
		rec   Record
		field string
	}{
		{"missing entity type", Record{UserID: "u1", Type: "x"}, "entity.type"},
		{"missing type", Record{UserID: "u1", Entity: Entity{Type: "orders"}}, "type"},
		{"missing user", Record{Entity: Entity{Type: "orders"}, Type: "x"}, "userId"},
	}
	for _, tc := range cases {
		err := tc.rec.Validate()
		ve, ok := err.(*ValidationError)
		if !ok {
			t.Errorf("%s: expected *ValidationError, got %v", tc.name, err)
			continue
		}
		if ve.Field != tc.field {
			t.Errorf("%s: expected field %q, got %q", tc.name, tc.field, ve.Field)
		}
	}
}

func TestActivityTypeHelpers(t *testing.T) {
	if got := TypeCreated("orders"); got != "orders_created" {
		t.Errorf("Expected orders_created, got %q", got)
	}
	if got := TypeUpdated("orders"); got != "orders_updated" {
		t.Errorf("Expected orders_updated, got %q", got)
	}
	if got := TypeDeleted("orders"); got != "orders_deleted" {
		t.Errorf("Expected orders_deleted, got %q", got)
	}
	if got := TypeDeletedBulk("orders"); got != "orders_deleted_bulk" {
		t.Errorf("Expected orders_deleted_bulk, got %q", got)
	}
}
