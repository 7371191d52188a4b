package telemetry

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// StateVersion is the version of the persisted PollerState layout.
// A stored state carrying a different version is discarded on load.
const StateVersion = "2.0"

// CycleState represents the terminal outcome of a cycle
type CycleState string

const (
	CycleStateDone   CycleState = "DONE"
	CycleStateFailed CycleState = "FAILED"
)

// LastKnownState represents the schedule state persisted between restarts
type LastKnownState string

const (
	StateWaiting LastKnownState = "WAITING"
	StatePastDue LastKnownState = "PAST_DUE"
	StateDone    LastKnownState = "DONE"
	StateFailed  LastKnownState = "FAILED"

	runningPrefix = "RUNNING:"
)

// RunningState builds the RUNNING:<step> state for the given step name
func RunningState(step string) LastKnownState {
	return LastKnownState(runningPrefix + step)
}

// IsRunning reports whether the state is a RUNNING:<step> state
func (s LastKnownState) IsRunning() bool {
	return strings.HasPrefix(string(s), runningPrefix)
}

// Step returns the step name of a RUNNING:<step> state
func (s LastKnownState) Step() string {
	return strings.TrimPrefix(string(s), runningPrefix)
}

// CycleRecord is one history entry, written for every completed or failed cycle
type CycleRecord struct {
	CycleNo  uint64     `json:"cycleNo"`
	Schedule time.Time  `json:"schedule"`
	Start    time.Time  `json:"start"`
	End      time.Time  `json:"end"`
	State    CycleState `json:"state"`
	ErrorMsg string     `json:"errorMsg,omitempty"`
}

// Duration returns how long the cycle ran
func (r CycleRecord) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Stats maps a counter name to a non-decreasing value
type Stats map[string]uint64

// Inc increments a counter by one
func (s Stats) Inc(name string) {
	s[name]++
}

// Add increments a counter by n
func (s Stats) Add(name string, n uint64) {
	s[name] += n
}

// Merge folds the counters of other into s
func (s Stats) Merge(other Stats) {
	for k, v := range other {
		s[k] += v
	}
}

// ScheduleState is the part of PollerState describing the upcoming cycle
type ScheduleState struct {
	LastKnownState LastKnownState `json:"lastKnownState"`
	ExecDate       time.Time      `json:"execDate"`
	CycleNo        uint64         `json:"cycleNo"`
	ErrorMsg       string         `json:"errorMsg,omitempty"`
}

// PollerState is the versioned structure persisted for every poller
type PollerState struct {
	Version string        `json:"version"`
	State   ScheduleState `json:"state"`
	History []CycleRecord `json:"history"`
	Stats   Stats         `json:"stats"`
}

// NewPollerState creates a fresh state for the current version
func NewPollerState() *PollerState {
	return &PollerState{
		Version: StateVersion,
		State:   ScheduleState{LastKnownState: StateWaiting},
		History: make([]CycleRecord, 0),
		Stats:   make(Stats),
	}
}

// Clone returns a deep copy of the state
func (s *PollerState) Clone() *PollerState {
	if s == nil {
		return nil
	}
	out := *s
	out.History = append(make([]CycleRecord, 0, len(s.History)), s.History...)
	out.Stats = maps.Clone(s.Stats)
	if out.Stats == nil {
		out.Stats = make(Stats)
	}
	return &out
}

// LastRecord returns the newest history entry
func (s *PollerState) LastRecord() (CycleRecord, bool) {
	if s == nil || len(s.History) == 0 {
		return CycleRecord{}, false
	}
	return s.History[len(s.History)-1], true
}

// Target is the decrypted declarative configuration of one poller
type Target struct {
	Host                string       `json:"host" mapstructure:"host"`
	Port                int          `json:"port" mapstructure:"port"`
	Protocol            string       `json:"protocol" mapstructure:"protocol"`
	Username            string       `json:"username" mapstructure:"username"`
	Passphrase          string       `json:"-" mapstructure:"passphrase"`
	AllowSelfSignedCert bool         `json:"allowSelfSignedCert" mapstructure:"allowSelfSignedCert"`
	DownloadFolder      string       `json:"downloadFolder,omitempty" mapstructure:"downloadFolder"`
	Diagnostics         *Diagnostics `json:"diagnostics,omitempty" mapstructure:"diagnostics"`
}

// Diagnostics holds the credentials of the remote diagnostic service
type Diagnostics struct {
	URL        string `json:"url" mapstructure:"url"`
	Username   string `json:"username" mapstructure:"username"`
	Passphrase string `json:"-" mapstructure:"passphrase"`
	Proxy      string `json:"proxy,omitempty" mapstructure:"proxy"`
}

// BaseURL returns the device base URL, defaulting to https on port 443
func (t *Target) BaseURL() string {
	protocol := t.Protocol
	if protocol == "" {
		protocol = "https"
	}
	port := t.Port
	if port == 0 {
		port = 443
	}
	return fmt.Sprintf("%s://%s:%d", protocol, t.Host, port)
}
