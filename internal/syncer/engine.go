// Package syncer keeps notes consistent between the local store and the shared server.
//
// An Engine owns at most one sync session at a time. A session merges the local
// store's change stream with a remote poller into one view, applying remote values
// only when they are strictly newer than what is held locally.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sharednotes/internal/notes"
	"go.uber.org/zap"
)

// ErrEngineClosed is returned by synced operations after Close.
var ErrEngineClosed = errors.New("syncer: engine closed")

var (
	errMissingStore  = errors.New("local store is required")
	errMissingRemote = errors.New("remote client is required")
	noOpLogger       = zap.NewNop()
)

const (
	defaultPollInterval = 3 * time.Second
	defaultFlushTimeout = 5 * time.Second

	opEngineNew    = "syncer.engine.new"
	opGetSynced    = "syncer.get_synced"
	opUpsertSynced = "syncer.upsert_synced"
	opPush         = "syncer.push"
	opClose        = "syncer.close"

	fieldTitle     = "title"
	fieldSessionID = "session_id"
)

// EngineError carries a stable code of the form syncer.<operation>.<reason>.
type EngineError struct {
	code string
	err  error
}

func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *EngineError) Unwrap() error {
	return e.err
}

func (e *EngineError) Code() string {
	return e.code
}

func newEngineError(operation, reason string, cause error) error {
	return &EngineError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// LocalStore is the durable local side of synchronization.
type LocalStore interface {
	Get(ctx context.Context, title string) (notes.Snapshot, error)
	Watch(ctx context.Context, title string) (<-chan notes.Snapshot, error)
	List(ctx context.Context) ([]notes.Note, error)
	WatchAll(ctx context.Context) (<-chan []notes.Note, error)
	Upsert(ctx context.Context, note notes.Note) (notes.Note, error)
	// MergeRemote writes note only if the stored note is absent or strictly older, checked
	// atomically with the write. It reports whether note was written.
	MergeRemote(ctx context.Context, note notes.Note) (notes.Note, bool, error)
	Delete(ctx context.Context, title string) error
	Exists(ctx context.Context, title string) (bool, error)
}

// RemoteClient is the shared server. Fetch returns remote.ErrNotFound when the server has no note.
type RemoteClient interface {
	Fetch(ctx context.Context, title string) (notes.Note, error)
	Store(ctx context.Context, note notes.Note) error
}

// IDProvider issues identifiers for sync sessions.
type IDProvider interface {
	NewID() (string, error)
}

// EngineConfig describes the dependencies of an Engine.
type EngineConfig struct {
	Store        LocalStore
	Remote       RemoteClient
	Logger       *zap.Logger
	PollInterval time.Duration
	FlushTimeout time.Duration
	IDProvider   IDProvider
}

// Engine is the consumer-facing synchronization surface.
type Engine struct {
	store        LocalStore
	remote       RemoteClient
	logger       *zap.Logger
	pollInterval time.Duration
	flushTimeout time.Duration
	ids          IDProvider

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	// pendingMu is taken by session actors, so it must never be held while waiting on a session.
	pendingMu sync.Mutex
	// pending holds the latest unacknowledged local edit per title.
	pending map[string]notes.Note

	pushWake chan struct{}
	pushDone chan struct{}
}

// NewEngine constructs an Engine and starts its push worker.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newEngineError(opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, newEngineError(opEngineNew, "missing_remote", errMissingRemote)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	flushTimeout := cfg.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = defaultFlushTimeout
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}

	ctx, cancel := context.WithCancel(context.Background())
	engine := &Engine{
		store:        cfg.Store,
		remote:       cfg.Remote,
		logger:       logger,
		pollInterval: pollInterval,
		flushTimeout: flushTimeout,
		ids:          ids,
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*session),
		pending:      make(map[string]notes.Note),
		pushWake:     make(chan struct{}, 1),
		pushDone:     make(chan struct{}),
	}
	go engine.runPusher()
	return engine, nil
}

// GetSynced returns a view of title that follows both local edits and newer remote values.
// Calls for the title of the running session share its poller; a call for another title
// stops the running session first. ctx bounds only the setup; the view lives until it is
// closed, superseded, or the engine is closed.
func (e *Engine) GetSynced(ctx context.Context, title string) (*View, error) {
	normalized, err := notes.NormalizeTitle(title)
	if err != nil {
		return nil, newEngineError(opGetSynced, "invalid_title", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, newEngineError(opGetSynced, "context_done", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}

	if existing, ok := e.sessions[normalized]; ok {
		view, attachErr := existing.attach()
		if attachErr == nil {
			return view, nil
		}
		existing.stop()
		delete(e.sessions, normalized)
	}

	for otherTitle, other := range e.sessions {
		other.stop()
		delete(e.sessions, otherTitle)
		e.logger.Info("sync session superseded",
			zap.String(fieldSessionID, other.id),
			zap.String(fieldTitle, otherTitle),
			zap.String("next_title", normalized))
	}
	// A superseded title may still have an unacknowledged edit.
	e.wakePusher()

	created, err := e.startSession(normalized)
	if err != nil {
		return nil, err
	}
	e.sessions[normalized] = created

	view, err := created.attach()
	if err != nil {
		return nil, newEngineError(opGetSynced, "attach_failed", err)
	}
	return view, nil
}

// UpsertSynced writes note locally, then queues it for the server. Only the local write can fail
// the call; remote failures are logged and retried on later poll ticks and on Close.
func (e *Engine) UpsertSynced(ctx context.Context, note notes.Note) (notes.Note, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return notes.Note{}, ErrEngineClosed
	}

	stored, err := e.store.Upsert(ctx, note)
	if err != nil {
		return notes.Note{}, newEngineError(opUpsertSynced, "local_write_failed", err)
	}

	e.mu.Lock()
	if !e.closed {
		e.pendingMu.Lock()
		e.pending[stored.Title] = stored
		e.pendingMu.Unlock()
	}
	e.mu.Unlock()
	e.wakePusher()

	return stored, nil
}

// PendingTitles lists titles whose latest local edit has not been acknowledged by the server.
func (e *Engine) PendingTitles() []string {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	titles := make([]string, 0, len(e.pending))
	for title := range e.pending {
		titles = append(titles, title)
	}
	sort.Strings(titles)
	return titles
}

// GetLocal watches the local copy of title without involving the server.
func (e *Engine) GetLocal(ctx context.Context, title string) (<-chan notes.Snapshot, error) {
	return e.store.Watch(ctx, title)
}

// GetAllLocal watches every local note, ordered by title.
func (e *Engine) GetAllLocal(ctx context.Context) (<-chan []notes.Note, error) {
	return e.store.WatchAll(ctx)
}

// UpsertLocal writes note locally only.
func (e *Engine) UpsertLocal(ctx context.Context, note notes.Note) (notes.Note, error) {
	return e.store.Upsert(ctx, note)
}

// DeleteLocal removes the local copy of title. The server has no delete operation.
func (e *Engine) DeleteLocal(ctx context.Context, title string) error {
	return e.store.Delete(ctx, title)
}

// ExistsLocal reports whether title is stored locally.
func (e *Engine) ExistsLocal(ctx context.Context, title string) (bool, error) {
	return e.store.Exists(ctx, title)
}

// Close stops every session, then makes one last attempt, bounded by the flush timeout,
// to push unacknowledged edits. It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for title, running := range e.sessions {
		running.stop()
		delete(e.sessions, title)
	}
	e.mu.Unlock()

	e.cancel()
	<-e.pushDone

	flushCtx, cancel := context.WithTimeout(ctx, e.flushTimeout)
	defer cancel()
	e.pushPending(flushCtx)

	if remaining := e.PendingTitles(); len(remaining) > 0 {
		e.logger.Warn("unsynced notes remain after flush", zap.Strings("titles", remaining))
		return newEngineError(opClose, "flush_incomplete", fmt.Errorf("%d notes not pushed", len(remaining)))
	}
	return nil
}

func (e *Engine) startSession(title string) (*session, error) {
	sessionID, err := e.ids.NewID()
	if err != nil {
		return nil, newEngineError(opGetSynced, "id_generation_failed", err)
	}

	sessionCtx, cancel := context.WithCancel(e.ctx)
	localStream, err := e.store.Watch(sessionCtx, title)
	if err != nil {
		cancel()
		return nil, newEngineError(opGetSynced, "local_watch_failed", err)
	}

	created := newSession(sessionConfig{
		id:           sessionID,
		title:        title,
		ctx:          sessionCtx,
		cancel:       cancel,
		local:        localStream,
		store:        e.store,
		remote:       e.remote,
		logger:       e.logger.With(zap.String(fieldSessionID, sessionID), zap.String(fieldTitle, title)),
		pollInterval: e.pollInterval,
		beforeFetch:  e.wakePusher,
		onMerged:     e.dropOutdatedPush,
	})
	created.start()
	e.logger.Info("sync session started", zap.String(fieldSessionID, sessionID), zap.String(fieldTitle, title))
	return created, nil
}

func (e *Engine) wakePusher() {
	select {
	case e.pushWake <- struct{}{}:
	default:
	}
}

func (e *Engine) runPusher() {
	defer close(e.pushDone)
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.pushWake:
			e.pushPending(e.ctx)
		}
	}
}

// pushPending sends every pending edit once. An edit is sent only while its slot still holds
// it and the local store still holds it; the slot is cleared only if it still holds the edit
// that the server acknowledged.
func (e *Engine) pushPending(ctx context.Context) {
	e.pendingMu.Lock()
	batch := make([]notes.Note, 0, len(e.pending))
	for _, note := range e.pending {
		batch = append(batch, note)
	}
	e.pendingMu.Unlock()
	sort.Slice(batch, func(i, j int) bool { return batch[i].Title < batch[j].Title })

	for _, note := range batch {
		if ctx.Err() != nil {
			return
		}
		if !e.stillPending(note) {
			continue
		}
		if !e.stillLocal(ctx, note) {
			continue
		}
		if err := e.remote.Store(ctx, note); err != nil {
			e.logWarn(opPush, "remote_store_failed", err, zap.String(fieldTitle, note.Title))
			continue
		}
		e.clearPending(note)
		e.logger.Debug("note pushed", zap.String(fieldTitle, note.Title))
	}
}

// stillLocal reports whether the local store still holds note. When it does not, a newer
// remote note or a local delete replaced the edit, and the slot is dropped.
func (e *Engine) stillLocal(ctx context.Context, note notes.Note) bool {
	snapshot, err := e.store.Get(ctx, note.Title)
	if err != nil {
		e.logWarn(opPush, "local_read_failed", err, zap.String(fieldTitle, note.Title))
		return false
	}
	if snapshot.Found && sameEdit(snapshot.Note, note) {
		return true
	}
	if e.clearPending(note) {
		e.logger.Info("pending push dropped, local note replaced", zap.String(fieldTitle, note.Title))
	}
	return false
}

// dropOutdatedPush forgets a pending edit once a remote note at least as new has been merged
// for its title; pushing it would roll the server back.
func (e *Engine) dropOutdatedPush(merged notes.Note) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	pending, ok := e.pending[merged.Title]
	if !ok || pending.NewerThan(merged) {
		return
	}
	delete(e.pending, merged.Title)
	e.logger.Info("pending push superseded by newer remote note",
		zap.String(fieldTitle, merged.Title),
		zap.Time("pending_updated_at", pending.UpdatedAt),
		zap.Time("remote_updated_at", merged.UpdatedAt))
}

func (e *Engine) stillPending(note notes.Note) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	current, ok := e.pending[note.Title]
	return ok && sameEdit(current, note)
}

// clearPending removes the slot for note's title if it still holds note.
func (e *Engine) clearPending(note notes.Note) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if current, ok := e.pending[note.Title]; ok && sameEdit(current, note) {
		delete(e.pending, note.Title)
		return true
	}
	return false
}

func sameEdit(a, b notes.Note) bool {
	return a.Content == b.Content && a.UpdatedAt.Equal(b.UpdatedAt)
}

func (e *Engine) logWarn(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Warn("sync engine warning", attrs...)
}
