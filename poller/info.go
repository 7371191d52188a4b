package poller

import (
	"time"

	telemetry "github.com/ahmed-com/telemetry-agent"
)

const (
	notSet       = "not set"
	notAvailable = "not available"
)

// Info is a point-in-time view of a poller
type Info struct {
	ID                     string                 `json:"id"`
	Name                   string                 `json:"name"`
	Terminated             bool                   `json:"terminated"`
	NextFireDate           string                 `json:"nextFireDate"`
	PrevFireDate           string                 `json:"prevFireDate"`
	TimeUntilNextExecution string                 `json:"timeUntilNextExecution"`
	State                  *telemetry.PollerState `json:"state"`
	DemoMode               bool                   `json:"demoMode"`
	Lifecycle              string                 `json:"lifecycle"`
}

// Info returns a snapshot of the poller. State is nil until the stored state was loaded.
func (p *Poller) Info() Info {
	p.mu.RLock()
	next := p.nextFire
	prev := p.anchor.PrevSchedule
	terminated := p.terminated
	loaded := p.loaded
	p.mu.RUnlock()

	info := Info{
		ID:                     p.cfg.ID,
		Name:                   p.cfg.Name,
		Terminated:             terminated,
		NextFireDate:           formatDate(next),
		PrevFireDate:           formatDate(prev),
		TimeUntilNextExecution: notAvailable,
		DemoMode:               p.cfg.Demo,
		Lifecycle:              p.fsm.Current(),
	}
	if !next.IsZero() {
		if until := next.Sub(p.now()); until >= 0 {
			info.TimeUntilNextExecution = until.Round(time.Second).String()
		}
	}
	if loaded {
		info.State = p.store.Snapshot()
	}
	return info
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return notSet
	}
	return t.Format(time.RFC3339)
}
