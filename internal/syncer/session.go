package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sharednotes/internal/notes"
	"github.com/MarcoPoloResearchLab/sharednotes/internal/remote"
	"go.uber.org/zap"
)

var errSessionEnded = errors.New("sync session ended")

type sessionConfig struct {
	id           string
	title        string
	ctx          context.Context
	cancel       context.CancelFunc
	local        <-chan notes.Snapshot
	store        LocalStore
	remote       RemoteClient
	logger       *zap.Logger
	pollInterval time.Duration
	beforeFetch  func()
	onMerged     func(notes.Note)
}

// session is the single writer of the merged value for one title. Its actor goroutine
// consumes local snapshots and fetched remote notes one at a time; its poller goroutine
// is the only caller of Fetch, so fetches for a title never overlap.
type session struct {
	sessionConfig

	remoteInbox chan notes.Note
	wg          sync.WaitGroup
	stopOnce    sync.Once

	mu         sync.Mutex
	current    notes.Snapshot
	hasCurrent bool
	views      map[int64]*View
	nextView   int64
	ended      bool
}

func newSession(cfg sessionConfig) *session {
	return &session{
		sessionConfig: cfg,
		remoteInbox:   make(chan notes.Note),
		views:         make(map[int64]*View),
	}
}

func (s *session) start() {
	s.wg.Add(2)
	go s.runActor()
	go s.runPoller()
}

// stop cancels the session and waits for both goroutines. Once it returns nothing from
// this session writes to the store. It is idempotent.
func (s *session) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.logger.Info("sync session stopped")
	})
}

func (s *session) runActor() {
	defer s.wg.Done()
	defer s.endViews()

	// Watch delivers the current local value first; take it before any remote value.
	select {
	case <-s.ctx.Done():
		return
	case snapshot, ok := <-s.local:
		if !ok {
			return
		}
		s.applyLocal(snapshot)
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case snapshot, ok := <-s.local:
			if !ok {
				return
			}
			s.applyLocal(snapshot)
		case theirs := <-s.remoteInbox:
			s.mergeRemote(theirs)
		}
	}
}

func (s *session) runPoller() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if s.beforeFetch != nil {
			s.beforeFetch()
		}
		s.fetchOnce()

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *session) fetchOnce() {
	if s.ctx.Err() != nil {
		return
	}
	theirs, err := s.remote.Fetch(s.ctx, s.title)
	switch {
	case err == nil:
	case errors.Is(err, remote.ErrNotFound):
		s.logger.Debug("remote has no note")
		return
	case s.ctx.Err() != nil:
		return
	case errors.Is(err, notes.ErrDecode):
		s.logger.Warn("remote note could not be decoded", zap.Error(err))
		return
	default:
		s.logger.Warn("remote fetch failed", zap.Error(err))
		return
	}

	theirs.Title = s.title
	select {
	case s.remoteInbox <- theirs:
	case <-s.ctx.Done():
	}
}

func (s *session) applyLocal(snapshot notes.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasCurrent && snapshot.Revision <= s.current.Revision {
		return
	}
	s.current = snapshot
	s.hasCurrent = true
	for _, view := range s.views {
		notes.OfferLatest(view.updates, snapshot)
	}
}

// mergeRemote writes theirs to the store only when it is strictly newer than the local value.
// Ties keep the local value. The cached comparison only skips needless writes; the store
// repeats it under its write lock, so a local edit committed in between wins.
func (s *session) mergeRemote(theirs notes.Note) {
	s.drainLocal()

	s.mu.Lock()
	ours, found := s.current.Note, s.hasCurrent && s.current.Found
	s.mu.Unlock()

	if found && !theirs.NewerThan(ours) {
		s.logger.Debug("remote note not newer, keeping local",
			zap.Time("local_updated_at", ours.UpdatedAt),
			zap.Time("remote_updated_at", theirs.UpdatedAt))
		return
	}
	if s.ctx.Err() != nil {
		return
	}

	stored, written, err := s.store.MergeRemote(s.ctx, theirs)
	if err != nil {
		s.logger.Error("applying remote note failed", zap.Error(err))
		return
	}
	s.drainLocal()
	if !written {
		s.logger.Debug("local note changed before merge, keeping local",
			zap.Time("local_updated_at", stored.UpdatedAt),
			zap.Time("remote_updated_at", theirs.UpdatedAt))
		return
	}
	s.logger.Debug("remote note applied", zap.Time("remote_updated_at", stored.UpdatedAt))
	if s.onMerged != nil {
		s.onMerged(stored)
	}
}

// drainLocal takes a pending local snapshot without blocking. The store publishes before a
// write returns, so after a write the slot already holds that write or a later one.
func (s *session) drainLocal() {
	select {
	case snapshot, ok := <-s.local:
		if ok {
			s.applyLocal(snapshot)
		}
	default:
	}
}

func (s *session) snapshot() (notes.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.hasCurrent
}

func (s *session) attach() (*View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, errSessionEnded
	}
	s.nextView++
	view := &View{
		id:      s.nextView,
		session: s,
		updates: make(chan notes.Snapshot, 1),
	}
	if s.hasCurrent {
		view.updates <- s.current
	}
	s.views[view.id] = view
	return view, nil
}

func (s *session) detach(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if view, ok := s.views[id]; ok {
		delete(s.views, id)
		close(view.updates)
	}
}

func (s *session) endViews() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	for id, view := range s.views {
		delete(s.views, id)
		close(view.updates)
	}
}
