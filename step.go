package telemetry

import (
	"context"
	"fmt"
	"time"
)

// StepFunc defines the function signature for step execution
type StepFunc func(ctx context.Context, ec *ExecutionContext) error

// Step is a single named, independently retryable unit of work within a cycle
type Step struct {
	Name       string
	MaxRetries int
	Retryable  bool
	// RetryStat names the counter incremented on every retry. Defaults to "<Name>_retries".
	RetryStat string
	Execute   StepFunc
}

// RetryCounter returns the stats counter name used for retries of this step
func (s Step) RetryCounter() string {
	if s.RetryStat != "" {
		return s.RetryStat
	}
	return s.Name + "_retries"
}

// StepTable is the ordered list of steps run by every cycle of a collector
type StepTable struct {
	steps []Step
}

// NewStepTable creates a step table from the given steps, rejecting duplicates
func NewStepTable(steps ...Step) (*StepTable, error) {
	t := &StepTable{steps: make([]Step, 0, len(steps))}
	for _, s := range steps {
		if err := t.add(s); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// MustStepTable is like NewStepTable but panics on error
func MustStepTable(steps ...Step) *StepTable {
	t, err := NewStepTable(steps...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *StepTable) add(s Step) error {
	if s.Name == "" {
		return fmt.Errorf("step at position %d has no name", len(t.steps))
	}
	if s.Execute == nil {
		return fmt.Errorf("step %q has no execute function", s.Name)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("step %q has negative max retries", s.Name)
	}
	for _, existing := range t.steps {
		if existing.Name == s.Name {
			return fmt.Errorf("duplicate step name %q", s.Name)
		}
	}
	t.steps = append(t.steps, s)
	return nil
}

// Steps returns a copy of the steps in execution order
func (t *StepTable) Steps() []Step {
	return append([]Step(nil), t.steps...)
}

// Len returns the number of steps
func (t *StepTable) Len() int {
	return len(t.steps)
}

// First returns the name of the first step
func (t *StepTable) First() string {
	if len(t.steps) == 0 {
		return ""
	}
	return t.steps[0].Name
}

// ExecutionContext is the per-cycle scratch state handed to every step
type ExecutionContext struct {
	PollerID   string
	PollerName string
	CycleID    string
	CycleNo    uint64
	Scheduled  time.Time
	Target     *Target

	// StepIndex and Attempt are maintained by the executor
	StepIndex int
	StepName  string
	Attempt   int

	// Stats collects the counters produced by this cycle only
	Stats Stats

	artifacts map[string]any
}

// NewExecutionContext creates an empty execution context
func NewExecutionContext(pollerID, pollerName string) *ExecutionContext {
	return &ExecutionContext{
		PollerID:   pollerID,
		PollerName: pollerName,
		Stats:      make(Stats),
		artifacts:  make(map[string]any),
	}
}

// Put stores an artifact for later steps
func (ec *ExecutionContext) Put(key string, value any) {
	if ec.artifacts == nil {
		ec.artifacts = make(map[string]any)
	}
	ec.artifacts[key] = value
}

// Get returns a stored artifact
func (ec *ExecutionContext) Get(key string) (any, bool) {
	v, ok := ec.artifacts[key]
	return v, ok
}

// Artifact returns a typed artifact stored by a previous step
func Artifact[T any](ec *ExecutionContext, key string) (T, error) {
	var zero T
	v, ok := ec.Get(key)
	if !ok {
		return zero, fmt.Errorf("artifact %q not found", key)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("artifact %q has type %T, want %T", key, v, zero)
	}
	return typed, nil
}
