package notes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError carries a stable code of the form notes.store.<operation>.<reason>.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew         = "notes.store.new"
	opStoreGet         = "notes.store.get"
	opStoreList        = "notes.store.list"
	opStoreWatch       = "notes.store.watch"
	opStoreWatchAll    = "notes.store.watch_all"
	opStoreUpsert      = "notes.store.upsert"
	opStoreApplyRemote = "notes.store.apply_remote"
	opStoreMergeRemote = "notes.store.merge_remote"
	opStoreDelete      = "notes.store.delete"
	opStoreExists      = "notes.store.exists"
	fieldTitle         = "title"
	queryTitle         = "title = ?"
	orderTitleAsc      = "title ASC"
	reasonMissingDB    = "missing_database"
	reasonInvalidTitle = "invalid_title"
	reasonQueryFailed  = "query_failed"
	reasonSaveFailed   = "save_failed"
	reasonDeleteFailed = "delete_failed"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable local note store. Writes are serialized and every committed
// write is published to watchers in commit order.
type Store struct {
	db       *gorm.DB
	clock    func() time.Time
	logger   *zap.Logger
	writeMu  sync.Mutex
	revision atomic.Uint64
	changes  *changeDispatcher
}

// NewStore constructs a Store over an already migrated database.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, reasonMissingDB, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:      cfg.Database,
		clock:   clock,
		logger:  logger,
		changes: newChangeDispatcher(),
	}, nil
}

// Get returns the current snapshot for title.
func (store *Store) Get(ctx context.Context, title string) (Snapshot, error) {
	normalized, err := NormalizeTitle(title)
	if err != nil {
		return Snapshot{}, newStoreError(opStoreGet, reasonInvalidTitle, err)
	}
	snapshot, err := store.load(ctx, normalized)
	if err != nil {
		store.logError(opStoreGet, reasonQueryFailed, err, zap.String(fieldTitle, normalized))
		return Snapshot{}, newStoreError(opStoreGet, reasonQueryFailed, err)
	}
	return snapshot, nil
}

// Watch emits the current snapshot for title, then one snapshot per committed change
// to that title. The channel is closed once ctx is done.
func (store *Store) Watch(ctx context.Context, title string) (<-chan Snapshot, error) {
	normalized, err := NormalizeTitle(title)
	if err != nil {
		return nil, newStoreError(opStoreWatch, reasonInvalidTitle, err)
	}

	store.writeMu.Lock()
	defer store.writeMu.Unlock()

	initial, err := store.load(ctx, normalized)
	if err != nil {
		store.logError(opStoreWatch, reasonQueryFailed, err, zap.String(fieldTitle, normalized))
		return nil, newStoreError(opStoreWatch, reasonQueryFailed, err)
	}
	return store.changes.subscribeNote(ctx, normalized, initial), nil
}

// List returns every stored note ordered by title.
func (store *Store) List(ctx context.Context) ([]Note, error) {
	list, err := store.loadAll(ctx)
	if err != nil {
		store.logError(opStoreList, reasonQueryFailed, err)
		return nil, newStoreError(opStoreList, reasonQueryFailed, err)
	}
	return list, nil
}

// WatchAll emits the full ordered note list now and after every committed change.
func (store *Store) WatchAll(ctx context.Context) (<-chan []Note, error) {
	store.writeMu.Lock()
	defer store.writeMu.Unlock()

	list, err := store.loadAll(ctx)
	if err != nil {
		store.logError(opStoreWatchAll, reasonQueryFailed, err)
		return nil, newStoreError(opStoreWatchAll, reasonQueryFailed, err)
	}
	return store.changes.subscribeList(ctx, list), nil
}

// Upsert writes a local edit. UpdatedAt is stamped here, once, with the store clock.
func (store *Store) Upsert(ctx context.Context, note Note) (Note, error) {
	normalized, err := NormalizeTitle(note.Title)
	if err != nil {
		return Note{}, newStoreError(opStoreUpsert, reasonInvalidTitle, err)
	}
	note.Title = normalized

	store.writeMu.Lock()
	defer store.writeMu.Unlock()

	note.UpdatedAt = CanonicalTime(store.clock())
	if err := store.save(ctx, note); err != nil {
		store.logError(opStoreUpsert, reasonSaveFailed, err, zap.String(fieldTitle, normalized))
		return Note{}, newStoreError(opStoreUpsert, reasonSaveFailed, err)
	}
	store.publish(ctx, Snapshot{Title: normalized, Note: note, Found: true})
	return note, nil
}

// ApplyRemote writes a note that originated elsewhere, keeping its own UpdatedAt.
func (store *Store) ApplyRemote(ctx context.Context, note Note) (Note, error) {
	normalized, err := NormalizeTitle(note.Title)
	if err != nil {
		return Note{}, newStoreError(opStoreApplyRemote, reasonInvalidTitle, err)
	}
	note.Title = normalized
	note.UpdatedAt = CanonicalTime(note.UpdatedAt)

	store.writeMu.Lock()
	defer store.writeMu.Unlock()

	if err := store.save(ctx, note); err != nil {
		store.logError(opStoreApplyRemote, reasonSaveFailed, err, zap.String(fieldTitle, normalized))
		return Note{}, newStoreError(opStoreApplyRemote, reasonSaveFailed, err)
	}
	store.publish(ctx, Snapshot{Title: normalized, Note: note, Found: true})
	return note, nil
}

// MergeRemote writes a note that originated elsewhere only if no note is stored under its
// title or the stored one is strictly older. The comparison and the write happen under the
// write lock, so a local edit committed meanwhile is never overwritten by an older value.
// It returns the note that is stored afterwards and whether note was written.
func (store *Store) MergeRemote(ctx context.Context, note Note) (Note, bool, error) {
	normalized, err := NormalizeTitle(note.Title)
	if err != nil {
		return Note{}, false, newStoreError(opStoreMergeRemote, reasonInvalidTitle, err)
	}
	note.Title = normalized
	note.UpdatedAt = CanonicalTime(note.UpdatedAt)

	store.writeMu.Lock()
	defer store.writeMu.Unlock()

	existing, err := store.load(ctx, normalized)
	if err != nil {
		store.logError(opStoreMergeRemote, reasonQueryFailed, err, zap.String(fieldTitle, normalized))
		return Note{}, false, newStoreError(opStoreMergeRemote, reasonQueryFailed, err)
	}
	if existing.Found && !note.NewerThan(existing.Note) {
		return existing.Note, false, nil
	}

	if err := store.save(ctx, note); err != nil {
		store.logError(opStoreMergeRemote, reasonSaveFailed, err, zap.String(fieldTitle, normalized))
		return Note{}, false, newStoreError(opStoreMergeRemote, reasonSaveFailed, err)
	}
	store.publish(ctx, Snapshot{Title: normalized, Note: note, Found: true})
	return note, true, nil
}

// Delete removes the note stored under title. Deleting an absent note is not an error.
func (store *Store) Delete(ctx context.Context, title string) error {
	normalized, err := NormalizeTitle(title)
	if err != nil {
		return newStoreError(opStoreDelete, reasonInvalidTitle, err)
	}

	store.writeMu.Lock()
	defer store.writeMu.Unlock()

	result := store.db.WithContext(ctx).Where(queryTitle, normalized).Delete(&NoteRecord{})
	if result.Error != nil {
		store.logError(opStoreDelete, reasonDeleteFailed, result.Error, zap.String(fieldTitle, normalized))
		return newStoreError(opStoreDelete, reasonDeleteFailed, result.Error)
	}
	if result.RowsAffected > 0 {
		store.publish(ctx, Snapshot{Title: normalized, Found: false})
	}
	return nil
}

// Exists reports whether a note is stored under title.
func (store *Store) Exists(ctx context.Context, title string) (bool, error) {
	normalized, err := NormalizeTitle(title)
	if err != nil {
		return false, newStoreError(opStoreExists, reasonInvalidTitle, err)
	}
	var count int64
	if err := store.db.WithContext(ctx).Model(&NoteRecord{}).Where(queryTitle, normalized).Count(&count).Error; err != nil {
		store.logError(opStoreExists, reasonQueryFailed, err, zap.String(fieldTitle, normalized))
		return false, newStoreError(opStoreExists, reasonQueryFailed, err)
	}
	return count > 0, nil
}

func (store *Store) save(ctx context.Context, note Note) error {
	record := recordFromNote(note)
	return store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "title"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at_ms"}),
	}).Create(&record).Error
}

func (store *Store) load(ctx context.Context, title string) (Snapshot, error) {
	revision := store.revision.Load()
	var record NoteRecord
	err := store.db.WithContext(ctx).Where(queryTitle, title).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{Title: title, Found: false, Revision: revision}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Title: title, Note: record.note(), Found: true, Revision: revision}, nil
}

func (store *Store) loadAll(ctx context.Context) ([]Note, error) {
	var records []NoteRecord
	if err := store.db.WithContext(ctx).Order(orderTitleAsc).Find(&records).Error; err != nil {
		return nil, err
	}
	list := make([]Note, 0, len(records))
	for _, record := range records {
		list = append(list, record.note())
	}
	return list, nil
}

// publish must be called with writeMu held, right after a committed write.
func (store *Store) publish(ctx context.Context, snapshot Snapshot) {
	snapshot.Revision = store.revision.Add(1)
	store.changes.publishNote(snapshot)

	if !store.changes.hasListSubscribers() {
		return
	}
	list, err := store.loadAll(context.WithoutCancel(ctx))
	if err != nil {
		store.logError(opStoreWatchAll, reasonQueryFailed, err)
		return
	}
	store.changes.publishList(list)
}

func (store *Store) loggerOrDefault() *zap.Logger {
	if store == nil || store.logger == nil {
		return noOpLogger
	}
	return store.logger
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.loggerOrDefault().Error("notes store error", attrs...)
}
