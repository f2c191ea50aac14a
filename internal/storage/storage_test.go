package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/chaz8081/clocklink/internal/alarm"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "clocklink.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenSetsSchemaVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "app.db")
	db, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	_ = db.Close()

	// Reopening an already migrated database is a no-op.
	db, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer func() { _ = db.Close() }()

	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != schemaVersion {
		t.Fatalf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestAlarmRepoRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewAlarmRepo(openTestDB(t))

	got, err := repo.LoadAlarms(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no alarms, got %d", len(got))
	}

	a := alarm.New("Morning", 7, 30, 0, alarm.Weekdays)
	a.ScheduledOnDevice = true
	b := alarm.New("Nap", 14, 0, 0, alarm.Once)
	b.Enabled = false
	if err := repo.SaveAlarms(ctx, []alarm.Alarm{a, b}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.SaveAlarms(ctx, []alarm.Alarm{b, a}); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, err = repo.LoadAlarms(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 alarms, got %d", len(got))
	}
	if got[0] != b || got[1] != a {
		t.Fatalf("loaded %+v, want [%+v %+v]", got, b, a)
	}
}

func TestAlarmRepoCorruptDocument(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	if _, err := db.ExecContext(ctx, `INSERT INTO alarms(id, doc, updated_at) VALUES(1, '{not json', 0)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := NewAlarmRepo(db).LoadAlarms(ctx)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestAlarmRepoRejectsOutOfRangeTimes(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	doc := `[{"id":"` + uuid.NewString() + `","name":"x","hour":30,"minute":0,"second":0,"enabled":true,"repeat_days":0}]`
	if _, err := db.ExecContext(ctx, `INSERT INTO alarms(id, doc, updated_at) VALUES(1, ?, 0)`, doc); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := NewAlarmRepo(db).LoadAlarms(ctx); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestSettingsRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewSettingsRepo(openTestDB(t))

	if _, ok, err := repo.Get(ctx, "buzzer_volume"); err != nil || ok {
		t.Fatalf("Get missing = ok %v err %v, want false nil", ok, err)
	}
	if err := repo.Set(ctx, "buzzer_volume", "80"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := repo.Set(ctx, "buzzer_volume", "65"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, ok, err := repo.Get(ctx, "buzzer_volume")
	if err != nil || !ok || v != "65" {
		t.Fatalf("Get = %q %v %v, want 65 true nil", v, ok, err)
	}
	all, err := repo.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 || all["buzzer_volume"] != "65" {
		t.Fatalf("All = %v", all)
	}
}

func TestFontRepoSaveLoadDedupe(t *testing.T) {
	ctx := context.Background()
	repo := NewFontRepo(openTestDB(t))
	blob := bytes.Repeat([]byte{0xAA, 0x55}, 600)

	first, err := repo.Save(ctx, "Pixel", blob)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if first.Size != len(blob) || first.Digest != Digest(blob) {
		t.Fatalf("unexpected metadata %+v", first)
	}

	again, err := repo.Save(ctx, "Pixel", blob)
	if err != nil {
		t.Fatalf("save duplicate: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("same name and bytes created new entry %s, want %s", again.ID, first.ID)
	}

	meta, data, err := repo.Load(ctx, first.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(data, blob) {
		t.Fatal("loaded blob differs from saved one")
	}
	if meta.Name != "Pixel" {
		t.Fatalf("expected name Pixel, got %q", meta.Name)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 font, got %d", len(list))
	}
}

func TestFontRepoSharesBlobAcrossNames(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewFontRepo(db)
	blob := bytes.Repeat([]byte{0x0F}, 64)

	first, err := repo.Save(ctx, "Pixel", blob)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	copyFont, err := repo.Save(ctx, "Pixel copy", blob)
	if err != nil {
		t.Fatalf("save copy: %v", err)
	}
	if copyFont.ID == first.ID {
		t.Fatal("new name should create a new entry")
	}
	if copyFont.Name != "Pixel copy" || copyFont.Digest != first.Digest {
		t.Fatalf("copy = %+v", copyFont)
	}

	countBlobs := func() int {
		t.Helper()
		var n int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM font_blobs`).Scan(&n); err != nil {
			t.Fatalf("count blobs: %v", err)
		}
		return n
	}
	if n := countBlobs(); n != 1 {
		t.Fatalf("expected 1 shared blob, got %d", n)
	}
	list, _ := repo.List(ctx)
	if len(list) != 2 {
		t.Fatalf("expected 2 fonts, got %d", len(list))
	}

	// Deleting one entry keeps the blob the other still uses.
	if err := repo.Delete(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := countBlobs(); n != 1 {
		t.Fatalf("shared blob removed while still referenced, %d left", n)
	}
	if _, data, err := repo.Load(ctx, copyFont.ID); err != nil || !bytes.Equal(data, blob) {
		t.Fatalf("load copy after delete: %v", err)
	}
	if err := repo.Delete(ctx, copyFont.ID); err != nil {
		t.Fatalf("delete copy: %v", err)
	}
	if n := countBlobs(); n != 0 {
		t.Fatalf("expected orphaned blob to be removed, %d left", n)
	}
}

func TestFontRepoRenameDelete(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewFontRepo(db)

	f, err := repo.Save(ctx, "  ", []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if f.Name != "Custom Font" {
		t.Fatalf("expected default name, got %q", f.Name)
	}
	if err := repo.Rename(ctx, f.ID, "Retro"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := repo.Rename(ctx, uuid.New(), "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rename unknown: expected ErrNotFound, got %v", err)
	}
	list, _ := repo.List(ctx)
	if len(list) != 1 || list[0].Name != "Retro" {
		t.Fatalf("list after rename = %+v", list)
	}

	if err := repo.Delete(ctx, f.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := repo.Load(ctx, f.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load deleted: expected ErrNotFound, got %v", err)
	}
	if err := repo.Delete(ctx, f.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete twice: expected ErrNotFound, got %v", err)
	}

	var blobs int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM font_blobs`).Scan(&blobs); err != nil {
		t.Fatalf("count blobs: %v", err)
	}
	if blobs != 0 {
		t.Fatalf("expected orphaned blob to be removed, %d left", blobs)
	}
}
