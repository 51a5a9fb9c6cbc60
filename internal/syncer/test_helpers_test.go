package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sharednotes/internal/notes"
	"github.com/MarcoPoloResearchLab/sharednotes/internal/remote"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testPollInterval = 20 * time.Millisecond

var (
	baseTime         = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	errRemoteOffline = errors.New("remote offline")
)

type fetchResponse struct {
	note notes.Note
	err  error
}

// fakeRemote serves scripted fetch responses per title. The last response for a title
// repeats; titles without a script report remote.ErrNotFound.
type fakeRemote struct {
	mu        sync.Mutex
	responses map[string][]fetchResponse
	storeErr  error
	stored    []notes.Note
	fetches   map[string]int
	gates     map[string]chan struct{}
	started   chan string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		responses: make(map[string][]fetchResponse),
		fetches:   make(map[string]int),
		gates:     make(map[string]chan struct{}),
		started:   make(chan string, 64),
	}
}

func (f *fakeRemote) script(title string, responses ...fetchResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[title] = responses
}

func (f *fakeRemote) setStoreErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeErr = err
}

// gate makes fetches of title block until the returned function is called, ignoring
// cancellation the way a slow network read would.
func (f *fakeRemote) gate(title string) func() {
	release := make(chan struct{})
	f.mu.Lock()
	f.gates[title] = release
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(release) }) }
}

func (f *fakeRemote) Fetch(ctx context.Context, title string) (notes.Note, error) {
	f.mu.Lock()
	f.fetches[title]++
	gate := f.gates[title]
	var response fetchResponse
	script := f.responses[title]
	switch {
	case len(script) == 0:
		response = fetchResponse{err: remote.ErrNotFound}
	case len(script) == 1:
		response = script[0]
	default:
		response = script[0]
		f.responses[title] = script[1:]
	}
	f.mu.Unlock()

	select {
	case f.started <- title:
	default:
	}
	if gate != nil {
		<-gate
	}
	return response.note, response.err
}

func (f *fakeRemote) Store(ctx context.Context, note notes.Note) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored = append(f.stored, note)
	return nil
}

func (f *fakeRemote) fetchCount(title string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[title]
}

func (f *fakeRemote) storedNotes() []notes.Note {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notes.Note(nil), f.stored...)
}

// countingStore records how often remote values are written locally.
type countingStore struct {
	*notes.Store
	applied atomic.Int64
}

func (s *countingStore) MergeRemote(ctx context.Context, note notes.Note) (notes.Note, bool, error) {
	stored, written, err := s.Store.MergeRemote(ctx, note)
	if written {
		s.applied.Add(1)
	}
	return stored, written, err
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	value := c.current
	c.current = c.current.Add(time.Second)
	return value
}

func newTestStore(t *testing.T) *countingStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "local.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&notes.NoteRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &steppingClock{current: baseTime}
	store, err := notes.NewStore(notes.StoreConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return &countingStore{Store: store}
}

func newTestEngine(t *testing.T, store LocalStore, client RemoteClient) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{
		Store:        store,
		Remote:       client,
		PollInterval: testPollInterval,
		FlushTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close(context.Background()) })
	return engine
}

func mustGetSynced(t *testing.T, engine *Engine, title string) *View {
	t.Helper()
	view, err := engine.GetSynced(context.Background(), title)
	if err != nil {
		t.Fatalf("GetSynced(%q) failed: %v", title, err)
	}
	t.Cleanup(view.Close)
	return view
}

func mustUpsertLocal(t *testing.T, engine *Engine, title, content string) notes.Note {
	t.Helper()
	note, err := engine.UpsertLocal(context.Background(), notes.Note{Title: title, Content: content})
	if err != nil {
		t.Fatalf("UpsertLocal failed: %v", err)
	}
	return note
}

// awaitSnapshot reads the view until match accepts a snapshot.
func awaitSnapshot(t *testing.T, view *View, match func(notes.Snapshot) bool) notes.Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	var last notes.Snapshot
	for {
		select {
		case snapshot, ok := <-view.Updates():
			if !ok {
				t.Fatalf("view closed before expected snapshot; last %#v", last)
			}
			last = snapshot
			if match(snapshot) {
				return snapshot
			}
		case <-deadline:
			t.Fatalf("expected snapshot within deadline; last %#v", last)
		}
	}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func expectClosed(t *testing.T, view *View) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-view.Updates():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("expected view for %q to be closed", view.Title())
		}
	}
}

func mustGet(t *testing.T, store LocalStore, title string) notes.Snapshot {
	t.Helper()
	snapshot, err := store.Get(context.Background(), title)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", title, err)
	}
	return snapshot
}
