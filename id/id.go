package id

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Namespace UUIDs for different entity types (UUIDv5 requires a namespace)
var (
	PollerNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	CycleNamespace  = uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8")
)

// GeneratePollerID generates a deterministic ID for a configured poller based on its
// system and poller names, so persisted state is found again after a restart
func GeneratePollerID(system, poller string) string {
	combined := fmt.Sprintf("%s:%s", system, poller)
	id := uuid.NewSHA1(PollerNamespace, []byte(combined))
	return fmt.Sprintf("poller_%s", id.String())
}

// GenerateCycleID generates a deterministic ID for one cycle of a poller
// based on the poller ID and the scheduled time
func GenerateCycleID(pollerID string, scheduled time.Time) string {
	// Use RFC3339 format for consistent time representation
	timeStr := scheduled.UTC().Format(time.RFC3339)
	combined := fmt.Sprintf("%s:%s", pollerID, timeStr)
	id := uuid.NewSHA1(CycleNamespace, []byte(combined))
	return fmt.Sprintf("cycle_%s", id.String())
}

// NewDemoPollerID generates a random ID for a demo poller. Demo pollers are never
// persisted, so their IDs need not be stable.
func NewDemoPollerID() string {
	return fmt.Sprintf("demo_%s", uuid.NewString())
}
