package notes

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func newSteppingClock(start time.Time, step time.Duration) *steppingClock {
	return &steppingClock{current: start, step: step}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	value := c.current
	c.current = c.current.Add(c.step)
	return value
}

func newTestStore(t *testing.T, clock func() time.Time) (*Store, *gorm.DB) {
	t.Helper()

	databasePath := filepath.Join(t.TempDir(), "notes.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&NoteRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func receiveSnapshot(t *testing.T, stream <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snapshot, ok := <-stream:
		if !ok {
			t.Fatalf("stream closed unexpectedly")
		}
		return snapshot
	case <-time.After(time.Second):
		t.Fatalf("expected snapshot within deadline")
	}
	return Snapshot{}
}

func mustUpsert(t *testing.T, store *Store, title, content string) Note {
	t.Helper()
	note, err := store.Upsert(context.Background(), Note{Title: title, Content: content})
	if err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	return note
}
