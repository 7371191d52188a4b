package recovery

import (
	"fmt"
	"time"

	telemetry "github.com/ahmed-com/telemetry-agent"
)

// DefaultTolerance is how late a stored execution date may be before it counts as missed
const DefaultTolerance = 10 * time.Second

// Action is the outcome of reconciling a stored schedule state on startup
type Action int

const (
	// ActionNone means the stored state can be resumed as is
	ActionNone Action = iota
	// ActionPastDue means the scheduled execution was missed while the agent was down
	ActionPastDue
	// ActionInterrupted means the agent stopped in the middle of a cycle
	ActionInterrupted
)

func (a Action) String() string {
	switch a {
	case ActionPastDue:
		return "past_due"
	case ActionInterrupted:
		return "interrupted"
	default:
		return "none"
	}
}

// Reconcile applies the startup rules to a stored schedule state, updating it in place.
//
// A WAITING state whose execution date is older than now minus tolerance becomes
// PAST_DUE. A RUNNING state is an abandoned cycle and goes back to WAITING.
func Reconcile(s *telemetry.ScheduleState, now time.Time, tolerance time.Duration) Action {
	switch {
	case s.LastKnownState == telemetry.StateWaiting:
		if s.ExecDate.IsZero() || !s.ExecDate.Before(now.Add(-tolerance)) {
			return ActionNone
		}
		s.LastKnownState = telemetry.StatePastDue
		s.ErrorMsg = telemetry.ErrExecDateExpired.Error()
		return ActionPastDue
	case s.LastKnownState.IsRunning():
		s.ErrorMsg = fmt.Sprintf("cycle interrupted during step %s", s.LastKnownState.Step())
		s.LastKnownState = telemetry.StateWaiting
		return ActionInterrupted
	default:
		return ActionNone
	}
}

// PastDueRecord builds the FAILED history entry recorded for a missed execution
func PastDueRecord(s telemetry.ScheduleState, now time.Time) telemetry.CycleRecord {
	return telemetry.CycleRecord{
		CycleNo:  s.CycleNo,
		Schedule: s.ExecDate,
		Start:    now,
		End:      now,
		State:    telemetry.CycleStateFailed,
		ErrorMsg: telemetry.ErrExecDateExpired.Error(),
	}
}
