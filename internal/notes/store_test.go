package notes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var storeEpoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func TestStoreUpsertStampsUpdatedAtOnce(t *testing.T) {
	clock := newSteppingClock(storeEpoch.Add(123456789), time.Second)
	store, _ := newTestStore(t, clock.Now)

	stale := time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	stored, err := store.Upsert(context.Background(), Note{Title: "todo", Content: "a", UpdatedAt: stale})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := storeEpoch.Add(123 * time.Millisecond)
	if !stored.UpdatedAt.Equal(want) {
		t.Fatalf("expected stamp %s, got %s", want, stored.UpdatedAt)
	}

	snapshot, err := store.Get(context.Background(), "todo")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if !snapshot.Found {
		t.Fatalf("expected note to be found")
	}
	if diff := cmp.Diff(stored, snapshot.Note); diff != "" {
		t.Fatalf("stored note mismatch (-want +got):\n%s", diff)
	}

	// The next call to the clock should be the second upsert, not a hidden extra stamp.
	second := mustUpsert(t, store, "todo", "b")
	if !second.UpdatedAt.Equal(want.Add(time.Second)) {
		t.Fatalf("expected exactly one clock read per upsert, got %s", second.UpdatedAt)
	}
}

func TestStoreApplyRemotePreservesTimestamp(t *testing.T) {
	store, _ := newTestStore(t, newSteppingClock(storeEpoch, time.Second).Now)

	remoteAt := time.Date(2024, 2, 2, 2, 2, 2, 2000000, time.UTC)
	applied, err := store.ApplyRemote(context.Background(), Note{Title: "todo", Content: "remote", UpdatedAt: remoteAt})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied.UpdatedAt.Equal(remoteAt) {
		t.Fatalf("expected remote timestamp to be kept, got %s", applied.UpdatedAt)
	}
	snapshot, err := store.Get(context.Background(), "todo")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if snapshot.Note.Content != "remote" || !snapshot.Note.UpdatedAt.Equal(remoteAt) {
		t.Fatalf("unexpected stored note %#v", snapshot.Note)
	}
}

func TestStoreMergeRemoteWritesOnlyStrictlyNewer(t *testing.T) {
	store, _ := newTestStore(t, newSteppingClock(storeEpoch, time.Second).Now)
	ctx := context.Background()

	absentAt := storeEpoch.Add(-time.Hour)
	merged, written, err := store.MergeRemote(ctx, Note{Title: "fresh", Content: "remote", UpdatedAt: absentAt})
	if err != nil || !written || !merged.UpdatedAt.Equal(absentAt) {
		t.Fatalf("expected absent note to be written, got %#v written=%v err=%v", merged, written, err)
	}

	local := mustUpsert(t, store, "plan", "local")
	testCases := []struct {
		name    string
		offset  time.Duration
		written bool
	}{
		{name: "older", offset: -time.Minute, written: false},
		{name: "tie", offset: 0, written: false},
		{name: "newer", offset: time.Minute, written: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			remoteAt := local.UpdatedAt.Add(testCase.offset)
			stored, written, err := store.MergeRemote(ctx, Note{Title: "plan", Content: testCase.name, UpdatedAt: remoteAt})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if written != testCase.written {
				t.Fatalf("expected written=%v, got %v", testCase.written, written)
			}
			wantContent := "local"
			if testCase.written {
				wantContent = testCase.name
			}
			if stored.Content != wantContent {
				t.Fatalf("expected stored content %q, got %q", wantContent, stored.Content)
			}
		})
	}
}

func TestStoreMergeRemoteKeepsConcurrentLocalEdit(t *testing.T) {
	store, _ := newTestStore(t, newSteppingClock(storeEpoch, time.Hour).Now)
	ctx := context.Background()

	mustUpsert(t, store, "race", "first")
	// A remote value newer than the first edit but older than an edit that lands before the merge.
	remoteAt := storeEpoch.Add(30 * time.Minute)
	edit := mustUpsert(t, store, "race", "newest local edit")

	stored, written, err := store.MergeRemote(ctx, Note{Title: "race", Content: "remote", UpdatedAt: remoteAt})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written {
		t.Fatalf("older remote value must not replace a newer local edit")
	}
	if stored.Content != edit.Content || !stored.UpdatedAt.Equal(edit.UpdatedAt) {
		t.Fatalf("expected %#v to remain, got %#v", edit, stored)
	}
}

func TestStoreGetMissingNote(t *testing.T) {
	store, _ := newTestStore(t, nil)

	snapshot, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot.Found {
		t.Fatalf("expected absent snapshot, got %#v", snapshot)
	}
	exists, err := store.Exists(context.Background(), "missing")
	if err != nil || exists {
		t.Fatalf("expected missing note to not exist, got %v %v", exists, err)
	}
}

func TestStoreWatchEmitsInitialValueThenChangesInOrder(t *testing.T) {
	store, _ := newTestStore(t, newSteppingClock(storeEpoch, time.Second).Now)
	mustUpsert(t, store, "todo", "first")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := store.Watch(ctx, "todo")
	if err != nil {
		t.Fatalf("unexpected watch error: %v", err)
	}

	initial := receiveSnapshot(t, stream)
	if !initial.Found || initial.Note.Content != "first" {
		t.Fatalf("unexpected initial snapshot %#v", initial)
	}

	mustUpsert(t, store, "other", "ignored")
	mustUpsert(t, store, "todo", "second")
	next := receiveSnapshot(t, stream)
	if next.Note.Content != "second" {
		t.Fatalf("expected second edit, got %#v", next)
	}
	if next.Revision <= initial.Revision {
		t.Fatalf("expected revision to increase, %d -> %d", initial.Revision, next.Revision)
	}

	if err := store.Delete(context.Background(), "todo"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	deleted := receiveSnapshot(t, stream)
	if deleted.Found {
		t.Fatalf("expected absent snapshot after delete, got %#v", deleted)
	}
}

func TestStoreWatchCoalescesToLatest(t *testing.T) {
	store, _ := newTestStore(t, newSteppingClock(storeEpoch, time.Second).Now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := store.Watch(ctx, "todo")
	if err != nil {
		t.Fatalf("unexpected watch error: %v", err)
	}

	for _, content := range []string{"a", "b", "c"} {
		mustUpsert(t, store, "todo", content)
	}

	latest := receiveSnapshot(t, stream)
	if latest.Note.Content != "c" {
		t.Fatalf("expected slow watcher to see the latest value, got %#v", latest)
	}
}

func TestStoreWatchClosesOnCancel(t *testing.T) {
	store, _ := newTestStore(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := store.Watch(ctx, "todo")
	if err != nil {
		t.Fatalf("unexpected watch error: %v", err)
	}
	receiveSnapshot(t, stream)
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatalf("expected closed stream")
		}
	case <-time.After(time.Second):
		t.Fatalf("stream was not closed after cancel")
	}
}

func TestStoreListAndWatchAllOrderByTitle(t *testing.T) {
	store, _ := newTestStore(t, newSteppingClock(storeEpoch, time.Second).Now)
	mustUpsert(t, store, "zebra", "z")
	mustUpsert(t, store, "apple", "a")

	list, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(list) != 2 || list[0].Title != "apple" || list[1].Title != "zebra" {
		t.Fatalf("unexpected list order %#v", list)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := store.WatchAll(ctx)
	if err != nil {
		t.Fatalf("unexpected watch all error: %v", err)
	}
	select {
	case initial := <-stream:
		if len(initial) != 2 {
			t.Fatalf("expected 2 notes initially, got %d", len(initial))
		}
	case <-time.After(time.Second):
		t.Fatalf("expected initial list")
	}

	mustUpsert(t, store, "mango", "m")
	select {
	case updated := <-stream:
		titles := make([]string, 0, len(updated))
		for _, note := range updated {
			titles = append(titles, note.Title)
		}
		if diff := cmp.Diff([]string{"apple", "mango", "zebra"}, titles); diff != "" {
			t.Fatalf("unexpected titles (-want +got):\n%s", diff)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected updated list")
	}
}

func TestStoreRejectsInvalidTitle(t *testing.T) {
	store, _ := newTestStore(t, nil)

	_, err := store.Upsert(context.Background(), Note{Title: " ", Content: "x"})
	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if storeErr.Code() != "notes.store.upsert.invalid_title" {
		t.Fatalf("unexpected code %s", storeErr.Code())
	}
	if !errors.Is(err, ErrInvalidTitle) {
		t.Fatalf("expected ErrInvalidTitle in chain")
	}
}

func TestStoreSurfacesDatabaseFailures(t *testing.T) {
	store, db := newTestStore(t, nil)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	_ = sqlDB.Close()

	if _, err := store.Upsert(context.Background(), Note{Title: "todo", Content: "x"}); err == nil {
		t.Fatalf("expected upsert to fail on closed database")
	}
	if _, err := store.Get(context.Background(), "todo"); err == nil {
		t.Fatalf("expected get to fail on closed database")
	}
}

func TestNewStoreRequiresDatabase(t *testing.T) {
	if _, err := NewStore(StoreConfig{}); err == nil {
		t.Fatalf("expected missing database error")
	}
}
