package server

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(SQLiteStoreConfig{
		DSN: filepath.Join(t.TempDir(), "apps.db"),
	})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func sampleRecord(t *testing.T, slug string) AppRecord {
	t.Helper()
	app := testApp()
	app.Slug = slug
	source, err := json.Marshal(app)
	if err != nil {
		t.Fatalf("marshal app: %v", err)
	}
	return AppRecord{Slug: slug, Name: app.Name, Source: source, App: app}
}

func TestSQLiteStore_RequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(SQLiteStoreConfig{}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestSQLiteStore_CRUD(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := t.Context()

	rec := sampleRecord(t, "weather")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, rec); err != ErrAppExists {
		t.Fatalf("duplicate Create error = %v, want ErrAppExists", err)
	}

	got, ok, err := store.Get(ctx, "weather")
	if err != nil || !ok {
		t.Fatalf("Get: ok = %v, err = %v", ok, err)
	}
	if got.App == nil || got.App.Slug != "weather" || len(got.App.Flows) != 1 {
		t.Fatalf("decoded app = %+v", got.App)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be set")
	}

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get missing: ok = %v, err = %v", ok, err)
	}

	rec.Name = "Weather v2"
	rec.Source, _ = json.Marshal(map[string]any{"slug": "weather", "name": "Weather v2", "flows": rec.App.Flows})
	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _, err = store.Get(ctx, "weather")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if got.Name != "Weather v2" {
		t.Fatalf("Name = %q, want Weather v2", got.Name)
	}
	if got.CreatedAt.After(got.UpdatedAt) {
		t.Fatal("CreatedAt should not move past UpdatedAt")
	}

	other := sampleRecord(t, "climate")
	if err := store.Create(ctx, other); err != nil {
		t.Fatalf("Create second: %v", err)
	}
	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 || records[0].Slug != "weather" || records[1].Slug != "climate" {
		t.Fatalf("List order = %+v", records)
	}

	if err := store.Delete(ctx, "weather"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "weather"); err != ErrAppNotFound {
		t.Fatalf("Delete missing error = %v, want ErrAppNotFound", err)
	}
	if err := store.Update(ctx, rec); err != ErrAppNotFound {
		t.Fatalf("Update missing error = %v, want ErrAppNotFound", err)
	}
}
