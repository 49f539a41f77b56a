// Package session owns the current kit-tracking session: an append-only log
// of scanned kits, the pending kit awaiting confirmation, and its durable
// snapshot.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kit-tracker/internal/models"
	"kit-tracker/internal/storage"
)

// StorageKey is the fixed key the session snapshot is stored under.
const StorageKey = "kit-tracking-session"

var (
	ErrNotFound         = errors.New("session: kit not found")
	ErrAlreadyConfirmed = errors.New("session: kit already confirmed with another account")
)

// StorageError wraps a failed read or write of the snapshot. It never blocks
// in-memory operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("session storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

type Store struct {
	storage         storage.Store
	logger          *zap.Logger
	now             func() time.Time
	newID           func() string
	rejectReconfirm bool

	mu         sync.RWMutex
	session    models.Session
	pending    *models.PendingKit
	hydrated   bool
	version    uint64
	storageErr error

	// persistMu orders snapshot writes; persisted is the last version written.
	persistMu sync.Mutex
	persisted uint64
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// RejectReconfirm makes UpdateKitAccount refuse to replace an already
// confirmed account with a different one.
func RejectReconfirm() Option {
	return func(s *Store) { s.rejectReconfirm = true }
}

// New returns a store holding a fresh session. Nothing is persisted until
// Hydrate has run, and Hydrate replaces the session with the stored one when
// it exists, discarding any kits added in between. Use Open unless the read
// must be deferred.
func New(st storage.Store, opts ...Option) *Store {
	s := &Store{
		storage: st,
		logger:  zap.NewNop(),
		now:     time.Now,
		newID:   newID,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.session = s.freshSession()
	return s
}

// Open builds a store and hydrates it. A storage read failure is logged and
// the store starts with a fresh session.
func Open(ctx context.Context, st storage.Store, opts ...Option) *Store {
	s := New(st, opts...)
	_ = s.Hydrate(ctx)
	return s
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (s *Store) freshSession() models.Session {
	return models.Session{ID: s.newID(), StartedAt: s.now(), Kits: []models.ScannedKit{}}
}

// Hydrate loads the persisted session. Missing or malformed snapshots leave a
// fresh session in place; only a storage read failure is returned.
func (s *Store) Hydrate(ctx context.Context) error {
	raw, ok, err := s.storage.Get(ctx, StorageKey)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrated = true

	if err != nil {
		serr := &StorageError{Op: "read", Err: err}
		s.storageErr = serr
		s.logger.Warn("failed to load session, starting fresh", zap.Error(serr))
		return serr
	}
	if !ok {
		s.logger.Info("no stored session, starting fresh", zap.String("session_id", s.session.ID))
		return nil
	}
	restored, err := Decode(raw)
	if err != nil {
		s.logger.Warn("discarding unreadable stored session", zap.Error(err))
		return nil
	}
	s.session = restored
	s.pending = nil
	s.logger.Info("session restored",
		zap.String("session_id", restored.ID),
		zap.Int("kits", len(restored.Kits)))
	return nil
}

func (s *Store) Hydrated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hydrated
}

// AddScannedKit appends an unconfirmed kit and makes it the pending kit.
func (s *Store) AddScannedKit(ctx context.Context, code string, location models.Coordinate) models.ScannedKit {
	kit := models.ScannedKit{
		ID:        s.newID(),
		Code:      code,
		ScannedAt: s.now(),
		Location:  location,
	}

	s.mu.Lock()
	s.session.Kits = append(s.session.Kits, kit)
	s.pending = &models.PendingKit{KitID: kit.ID, Code: code, Location: location}
	snap, version, hydrated := s.changedLocked()
	s.mu.Unlock()

	s.logger.Info("kit scanned", zap.String("kit_id", kit.ID), zap.String("code", code))
	if hydrated {
		s.persist(ctx, snap, version)
	} else {
		s.logger.Warn("kit added before session was loaded, it may be replaced", zap.String("kit_id", kit.ID))
	}
	return kit.Clone()
}

// UpdateKitAccount associates account with the kit and clears the pending
// kit. Unknown ids return ErrNotFound without touching state.
func (s *Store) UpdateKitAccount(ctx context.Context, kitID string, account models.Account) error {
	s.mu.Lock()
	idx := s.indexLocked(kitID)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, kitID)
	}
	kit := &s.session.Kits[idx]
	if s.rejectReconfirm && kit.SelectedAccount != nil && kit.SelectedAccount.ID != account.ID {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyConfirmed, kitID)
	}
	acc := account.Clone()
	kit.SelectedAccount = &acc
	s.pending = nil
	snap, version, hydrated := s.changedLocked()
	s.mu.Unlock()

	s.logger.Info("kit confirmed", zap.String("kit_id", kitID), zap.String("account_id", account.ID))
	if hydrated {
		s.persist(ctx, snap, version)
	}
	return nil
}

// ClearPendingKit drops the pending kit. The kit itself stays in the session
// without an account.
func (s *Store) ClearPendingKit(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
}

// StartNewSession replaces the current session with an empty one. The old
// session is not archived.
func (s *Store) StartNewSession(ctx context.Context) models.Session {
	fresh := s.freshSession()

	s.mu.Lock()
	old := s.session
	s.session = fresh
	s.pending = nil
	snap, version, hydrated := s.changedLocked()
	s.mu.Unlock()

	s.logger.Info("new session started",
		zap.String("session_id", fresh.ID),
		zap.String("previous_session_id", old.ID),
		zap.Int("previous_kits", len(old.Kits)))
	if hydrated {
		s.persist(ctx, snap, version)
	}
	return fresh.Clone()
}

func (s *Store) GetKitByID(kitID string) (models.ScannedKit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexLocked(kitID)
	if idx < 0 {
		return models.ScannedKit{}, false
	}
	return s.session.Kits[idx].Clone(), true
}

// Current returns a copy of the current session.
func (s *Store) Current() models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Clone()
}

func (s *Store) Pending() (models.PendingKit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pending == nil {
		return models.PendingKit{}, false
	}
	return *s.pending, true
}

// LastStorageError is the most recent storage failure, nil once a later
// write succeeds.
func (s *Store) LastStorageError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storageErr
}

func (s *Store) indexLocked(kitID string) int {
	for i := range s.session.Kits {
		if s.session.Kits[i].ID == kitID {
			return i
		}
	}
	return -1
}

func (s *Store) changedLocked() (models.Session, uint64, bool) {
	s.version++
	return s.session.Clone(), s.version, s.hydrated
}

func (s *Store) persist(ctx context.Context, snap models.Session, version uint64) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if version <= s.persisted {
		return
	}

	raw, err := Encode(snap)
	if err == nil {
		err = s.storage.Set(ctx, StorageKey, raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		serr := &StorageError{Op: "write", Err: err}
		s.storageErr = serr
		s.logger.Warn("failed to save session", zap.String("session_id", snap.ID), zap.Error(serr))
		return
	}
	s.persisted = version
	s.storageErr = nil
}
