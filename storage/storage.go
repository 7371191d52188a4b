package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	telemetry "github.com/ahmed-com/telemetry-agent"
)

// ErrNotFound is returned when no state was persisted for a poller
var ErrNotFound = errors.New("poller state not found")

// Storage defines the interface for persisting poller state across restarts
type Storage interface {
	// GetPollerState returns the stored state, or ErrNotFound
	GetPollerState(ctx context.Context, pollerID string) (*telemetry.PollerState, error)
	SavePollerState(ctx context.Context, pollerID string, state *telemetry.PollerState) error
	DeletePollerState(ctx context.Context, pollerID string) error
	ListPollerIDs(ctx context.Context) ([]string, error)

	// Close closes the storage connection
	Close() error
}

// Encode serializes a poller state in its persisted JSON shape
func Encode(state *telemetry.PollerState) ([]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("cannot encode nil poller state")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal poller state: %w", err)
	}
	return data, nil
}

// Decode parses a persisted poller state. A state written with another layout
// version is returned with only its Version set so callers can discard it.
func Decode(data []byte) (*telemetry.PollerState, error) {
	var header struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal poller state: %w", err)
	}
	if header.Version != telemetry.StateVersion {
		return &telemetry.PollerState{Version: header.Version}, nil
	}

	state := telemetry.NewPollerState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal poller state: %w", err)
	}
	if state.Stats == nil {
		state.Stats = make(telemetry.Stats)
	}
	if state.History == nil {
		state.History = make([]telemetry.CycleRecord, 0)
	}
	return state, nil
}
