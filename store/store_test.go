package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestStore_AddAndGetByID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := Record{ID: "w1", Data: json.RawMessage(`{"reps":10,"exercise":"squat"}`)}
	if err := s.Add(ctx, "workouts", rec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := s.GetByID(ctx, "workouts", "w1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.ID != "w1" {
		t.Errorf("ID = %q, want %q", got.ID, "w1")
	}
	if string(got.Data) != string(rec.Data) {
		t.Errorf("Data = %s, want %s", got.Data, rec.Data)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt is zero, want a stamped time")
	}
}

func TestStore_AddDuplicateIDAborts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := Record{ID: "w1", Data: json.RawMessage(`{}`)}
	if err := s.Add(ctx, "workouts", rec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	err := s.Add(ctx, "workouts", rec)
	if !errors.Is(err, ErrTransactionAborted) {
		t.Errorf("Add duplicate = %v, want ErrTransactionAborted", err)
	}
}

func TestStore_AddRequiresID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Add(ctx, "workouts", Record{Data: json.RawMessage(`{}`)}); err == nil {
		t.Error("Add without id succeeded, want error")
	}
}

func TestStore_UpdateUpserts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	// Update on an absent id creates the record.
	if err := s.Update(ctx, "workouts", Record{ID: "w1", Data: json.RawMessage(`{"reps":5}`)}); err != nil {
		t.Fatalf("Update (insert): %v", err)
	}
	got, err := s.GetByID(ctx, "workouts", "w1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if string(got.Data) != `{"reps":5}` {
		t.Errorf("Data = %s, want inserted payload", got.Data)
	}

	// Update on an existing id replaces it.
	if err := s.Update(ctx, "workouts", Record{ID: "w1", Data: json.RawMessage(`{"reps":8}`)}); err != nil {
		t.Fatalf("Update (replace): %v", err)
	}
	got, err = s.GetByID(ctx, "workouts", "w1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if string(got.Data) != `{"reps":8}` {
		t.Errorf("Data = %s, want replaced payload", got.Data)
	}
}

func TestStore_DeleteRemovesRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Add(ctx, "workouts", Record{ID: "w1", Data: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Delete(ctx, "workouts", "w1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.GetByID(ctx, "workouts", "w1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID after delete = %v, want ErrNotFound", err)
	}

	// Deleting an absent id is a no-op, not an error.
	if err := s.Delete(ctx, "workouts", "w1"); err != nil {
		t.Errorf("Delete absent = %v, want nil", err)
	}
}

func TestStore_GetAllOrdersByID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, id := range []string{"c", "a", "b"} {
		if err := s.Add(ctx, "workouts", Record{ID: id, Data: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
	}

	recs, err := s.GetAll(ctx, "workouts")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(recs) != len(want) {
		t.Fatalf("GetAll returned %d records, want %d", len(recs), len(want))
	}
	for i := range want {
		if recs[i].ID != want[i] {
			t.Errorf("recs[%d].ID = %q, want %q", i, recs[i].ID, want[i])
		}
	}
}

func TestStore_GetAllEmptyCollection(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	recs, err := s.GetAll(ctx, "workouts")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("GetAll on empty collection returned %d records, want 0", len(recs))
	}
}

func TestStore_UnknownCollection(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rec := Record{ID: "x", Data: json.RawMessage(`{}`)}

	ops := []struct {
		name string
		call func() error
	}{
		{"Add", func() error { return s.Add(ctx, "nope", rec) }},
		{"Update", func() error { return s.Update(ctx, "nope", rec) }},
		{"Delete", func() error { return s.Delete(ctx, "nope", "x") }},
		{"GetAll", func() error { _, err := s.GetAll(ctx, "nope"); return err }},
		{"GetByID", func() error { _, err := s.GetByID(ctx, "nope", "x"); return err }},
	}
	for _, op := range ops {
		if err := op.call(); !errors.Is(err, ErrUnknownCollection) {
			t.Errorf("%s on unknown collection = %v, want ErrUnknownCollection", op.name, err)
		}
	}
}

func TestStore_ClosedStoreRejectsEverything(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	if err := s.Add(ctx, "workouts", Record{ID: "w1"}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Add after Close = %v, want ErrNotInitialized", err)
	}
	if _, err := s.GetAll(ctx, "workouts"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("GetAll after Close = %v, want ErrNotInitialized", err)
	}
	if _, err := s.Transaction(ctx, []string{"workouts"}, ModeReadWrite); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Transaction after Close = %v, want ErrNotInitialized", err)
	}
}

func TestStore_UpdatedAtUsesClock(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	fixed := time.Date(2026, 3, 1, 10, 30, 0, 123456789, time.UTC)
	s.now = func() time.Time { return fixed }

	if err := s.Add(ctx, "workouts", Record{ID: "w1", Data: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := s.GetByID(ctx, "workouts", "w1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !got.UpdatedAt.Equal(fixed) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, fixed)
	}
}

func TestOpen_OwnsConnection(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/store.db"

	s, err := Open(ctx, path, []Migration{collectionMigration(1, "workouts")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Add(ctx, "workouts", Record{ID: "w1", Data: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening sees the committed data.
	s2, err := Open(ctx, path, []Migration{collectionMigration(1, "workouts")})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if _, err := s2.GetByID(ctx, "workouts", "w1"); err != nil {
		t.Errorf("GetByID after reopen = %v, want nil", err)
	}
}
