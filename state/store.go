package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/recovery"
	"github.com/ahmed-com/telemetry-agent/storage"
)

// Backend loads and saves the persisted state of a poller.
// GetStorage returns a nil state when nothing was stored yet.
type Backend interface {
	GetStorage(ctx context.Context, pollerID string) (*telemetry.PollerState, error)
	SaveStorage(ctx context.Context, pollerID string, state *telemetry.PollerState) error
}

// Store owns the PollerState of a single poller
type Store struct {
	mu sync.RWMutex

	pollerID   string
	backend    Backend
	historyCap int
	tolerance  time.Duration
	logger     *zap.SugaredLogger
	state      *telemetry.PollerState
}

// Option configures a Store
type Option func(*Store)

// WithBackend enables persistence through the given backend
func WithBackend(b Backend) Option {
	return func(s *Store) {
		s.backend = b
	}
}

// WithTolerance overrides how late a stored execution date may be
func WithTolerance(d time.Duration) Option {
	return func(s *Store) {
		s.tolerance = d
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a store holding a fresh state. A historyCap of zero keeps no history.
func NewStore(pollerID string, historyCap int, opts ...Option) *Store {
	s := &Store{
		pollerID:   pollerID,
		historyCap: max(historyCap, 0),
		tolerance:  recovery.DefaultTolerance,
		logger:     zap.NewNop().Sugar(),
		state:      telemetry.NewPollerState(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Persistent reports whether Save writes to a backend
func (s *Store) Persistent() bool {
	return s.backend != nil
}

// Load replaces the in-memory state with the stored one. A missing state or one
// written with another layout version yields a fresh state.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}

	stored, err := s.backend.GetStorage(ctx, s.pollerID)
	if err != nil {
		return fmt.Errorf("failed to load state for poller %s: %w", s.pollerID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case stored == nil:
		s.state = telemetry.NewPollerState()
	case stored.Version != telemetry.StateVersion:
		s.logger.Infow("discarding stored state with different version",
			"poller", s.pollerID, "storedVersion", stored.Version, "version", telemetry.StateVersion)
		s.state = telemetry.NewPollerState()
	default:
		s.state = stored.Clone()
		s.trim()
	}
	return nil
}

// Save hands a snapshot of the state to the backend
func (s *Store) Save(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.SaveStorage(ctx, s.pollerID, s.Snapshot()); err != nil {
		return fmt.Errorf("failed to save state for poller %s: %w", s.pollerID, err)
	}
	return nil
}

// AppendHistory adds a record, evicting the oldest entries beyond the cap
func (s *Store) AppendHistory(record telemetry.CycleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.History = append(s.state.History, record)
	s.trim()
}

func (s *Store) trim() {
	if excess := len(s.state.History) - s.historyCap; excess > 0 {
		s.state.History = append(s.state.History[:0:0], s.state.History[excess:]...)
	}
}

// Reconcile applies the startup rules to the loaded state. ActionPastDue means the
// stored execution date was missed. Stats are never reset here.
func (s *Store) Reconcile(now time.Time) recovery.Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	return recovery.Reconcile(&s.state.State, now, s.tolerance)
}

// MergeStats adds a cycle's counters into the lifetime stats
func (s *Store) MergeStats(delta telemetry.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Stats.Merge(delta)
}

// SetWaiting records the next scheduled execution
func (s *Store) SetWaiting(execDate time.Time, cycleNo uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.State = telemetry.ScheduleState{
		LastKnownState: telemetry.StateWaiting,
		ExecDate:       execDate,
		CycleNo:        cycleNo,
	}
}

// SetRunning records the step the current cycle is executing
func (s *Store) SetRunning(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.State.LastKnownState = telemetry.RunningState(step)
	s.state.State.ErrorMsg = ""
}

// SetFinished records the terminal state of the last cycle
func (s *Store) SetFinished(record telemetry.CycleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.State == telemetry.CycleStateDone {
		s.state.State.LastKnownState = telemetry.StateDone
	} else {
		s.state.State.LastKnownState = telemetry.StateFailed
	}
	s.state.State.ErrorMsg = record.ErrorMsg
}

// Schedule returns the schedule part of the state
func (s *Store) Schedule() telemetry.ScheduleState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.State
}

// LastRecord returns the newest history entry
func (s *Store) LastRecord() (telemetry.CycleRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LastRecord()
}

// Snapshot returns a deep copy of the state
func (s *Store) Snapshot() *telemetry.PollerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// storageBackend adapts a storage.Storage to a Backend
type storageBackend struct {
	storage storage.Storage
}

// FromStorage returns a Backend persisting through s
func FromStorage(s storage.Storage) Backend {
	return &storageBackend{storage: s}
}

func (b *storageBackend) GetStorage(ctx context.Context, pollerID string) (*telemetry.PollerState, error) {
	st, err := b.storage.GetPollerState(ctx, pollerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return st, err
}

func (b *storageBackend) SaveStorage(ctx context.Context, pollerID string, state *telemetry.PollerState) error {
	return b.storage.SavePollerState(ctx, pollerID, state)
}
