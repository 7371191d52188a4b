package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/storage"
)

const pollerPrefix = "poller/"

// BadgerStorage implements the Storage interface using BadgerDB
type BadgerStorage struct {
	db *badger.DB
}

// NewBadgerStorage creates a new BadgerDB storage instance
func NewBadgerStorage(path string) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable default logging

	return open(opts)
}

// NewInMemoryBadgerStorage creates a BadgerDB storage that keeps everything in memory
func NewInMemoryBadgerStorage() (*BadgerStorage, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	return open(opts)
}

func open(opts badger.Options) (*BadgerStorage, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	return &BadgerStorage{db: db}, nil
}

// Hierarchical key schema implementation
func (s *BadgerStorage) stateKey(pollerID string) []byte {
	return []byte(fmt.Sprintf("%s%s/state", pollerPrefix, pollerID))
}

func (s *BadgerStorage) GetPollerState(ctx context.Context, pollerID string) (*telemetry.PollerState, error) {
	var state *telemetry.PollerState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.stateKey(pollerID))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			decoded, err := storage.Decode(val)
			if err != nil {
				return err
			}
			state = decoded
			return nil
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, pollerID)
	}
	if err != nil {
		return nil, err
	}

	return state, nil
}

func (s *BadgerStorage) SavePollerState(ctx context.Context, pollerID string, state *telemetry.PollerState) error {
	data, err := storage.Encode(state)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.stateKey(pollerID), data)
	})
}

func (s *BadgerStorage) DeletePollerState(ctx context.Context, pollerID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.stateKey(pollerID))
	})
}

func (s *BadgerStorage) ListPollerIDs(ctx context.Context) ([]string, error) {
	var ids []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pollerPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			id, ok := strings.CutSuffix(strings.TrimPrefix(key, pollerPrefix), "/state")
			if !ok {
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})

	return ids, err
}

// Close closes the storage connection
func (s *BadgerStorage) Close() error {
	return s.db.Close()
}
