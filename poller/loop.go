package poller

import (
	"context"
	"fmt"
	"time"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/id"
	"github.com/ahmed-com/telemetry-agent/recovery"
	"github.com/ahmed-com/telemetry-agent/ticker"
)

// loop is the supervised body of a poller. It is recreated from the stored
// state after every fatal error.
func (p *Poller) loop(ctx context.Context) error {
	if err := p.restore(ctx); err != nil {
		return err
	}

	for {
		if p.Terminated() {
			return nil
		}

		scheduled, cycleNo := p.schedule()
		if scheduled.IsZero() {
			p.terminate("schedule has no further fire dates")
			return nil
		}

		p.store.SetWaiting(scheduled, cycleNo)
		if err := p.store.Save(ctx); err != nil {
			return err
		}
		p.logger.Infow("next cycle scheduled", "poller", p.cfg.Name, "cycle", cycleNo, "at", scheduled)

		if err := p.sleepUntil(ctx, scheduled); err != nil {
			return err
		}
		if err := p.runCycle(ctx, scheduled, cycleNo); err != nil {
			return err
		}

		if p.cfg.Demo {
			p.terminate("demo cycle finished")
			return nil
		}
	}
}

// restore loads the stored state and applies the startup rules. After a restart
// within the same Start the in-memory state and cadence base are kept, since a
// failed save leaves the stored state behind them.
func (p *Poller) restore(ctx context.Context) error {
	p.mu.RLock()
	warm := p.warm
	base := p.anchor.Base
	p.mu.RUnlock()

	if !warm {
		if err := p.store.Load(ctx); err != nil {
			return err
		}
		base = time.Time{}
	}

	now := p.now()
	before := p.store.Schedule()
	action := p.store.Reconcile(now)
	sched := p.store.Schedule()
	last, hasLast := p.store.LastRecord()

	p.mu.Lock()
	p.loaded = true
	p.warm = true
	p.anchor = ticker.Anchor{Base: base}
	p.resumeAt = time.Time{}
	p.cycleNo = 1
	if hasLast {
		p.anchor.PrevSchedule = last.Schedule
		p.anchor.PrevStart = last.Start
		p.anchor.PrevEnd = last.End
		if p.anchor.Base.IsZero() {
			p.anchor.Base = last.Schedule
		}
		p.cycleNo = last.CycleNo + 1
	}
	if sched.CycleNo > p.cycleNo {
		p.cycleNo = sched.CycleNo
	}
	if action == recovery.ActionNone && sched.LastKnownState == telemetry.StateWaiting && !sched.ExecDate.IsZero() {
		// keep the persisted fire date instead of drawing a new one
		p.resumeAt = sched.ExecDate
	}
	p.mu.Unlock()

	switch action {
	case recovery.ActionPastDue:
		p.logger.Warnw("scheduled execution was missed", "poller", p.cfg.Name, "execDate", sched.ExecDate)
		p.metrics.IncRecoveryRuns(p.cfg.Name, action.String())
		return p.finish(ctx, recovery.PastDueRecord(sched, now), nil)
	case recovery.ActionInterrupted:
		p.logger.Warnw("previous cycle was interrupted", "poller", p.cfg.Name, "step", before.LastKnownState.Step())
		p.metrics.IncRecoveryRuns(p.cfg.Name, action.String())
	}
	return nil
}

// schedule computes the next fire instant and the number of the cycle it starts
func (p *Poller) schedule() (time.Time, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var next time.Time
	if !p.resumeAt.IsZero() {
		next = p.resumeAt
		p.resumeAt = time.Time{}
	} else {
		a := p.anchor
		a.Now = p.now()
		next = p.cfg.Schedule.Next(a)
	}
	if !next.IsZero() && p.anchor.Base.IsZero() {
		p.anchor.Base = next
	}
	p.nextFire = next
	return next, p.cycleNo
}

func (p *Poller) sleepUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(p.now())
	if d <= 0 {
		if ctx.Err() != nil {
			return telemetry.ErrTerminated
		}
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return telemetry.ErrTerminated
	case <-timer.C:
		return nil
	}
}

func (p *Poller) runCycle(ctx context.Context, scheduled time.Time, cycleNo uint64) error {
	ec := telemetry.NewExecutionContext(p.cfg.ID, p.cfg.Name)
	ec.CycleID = id.GenerateCycleID(p.cfg.ID, scheduled)
	ec.CycleNo = cycleNo
	ec.Scheduled = scheduled

	p.mu.Lock()
	p.anchor.PrevSchedule = scheduled
	p.nextFire = time.Time{}
	p.mu.Unlock()

	p.store.SetRunning(p.cfg.Steps.First())
	if err := p.store.Save(ctx); err != nil {
		return err
	}

	record, err := p.execute(ctx, ec)
	if err != nil {
		return err
	}
	return p.finish(ctx, record, ec)
}

// execute fetches the configuration and runs the step table
func (p *Poller) execute(ctx context.Context, ec *telemetry.ExecutionContext) (telemetry.CycleRecord, error) {
	started := p.now()
	target, err := p.manager.GetConfig(ctx, p.cfg.ID, true)
	if err != nil {
		if ctx.Err() != nil {
			return telemetry.CycleRecord{}, telemetry.ErrTerminated
		}
		p.logger.Errorw(fmt.Sprintf("%s cycle failed due task error", p.cfg.Name), "poller", p.cfg.Name, "error", err)
		p.metrics.IncCycles(p.cfg.Name, string(telemetry.CycleStateFailed))
		return telemetry.CycleRecord{
			CycleNo:  ec.CycleNo,
			Schedule: ec.Scheduled,
			Start:    started,
			End:      p.now(),
			State:    telemetry.CycleStateFailed,
			ErrorMsg: err.Error(),
		}, nil
	}
	defer p.manager.CleanupConfig(context.WithoutCancel(ctx), p.cfg.ID)

	ec.Target = target
	record, err := p.executor.RunCycle(ctx, p.cfg.Steps, ec)
	if err != nil {
		p.logger.Infow("cycle abandoned", "poller", p.cfg.Name, "cycle", ec.CycleNo, "step", ec.StepName)
		return record, err
	}
	if record.State == telemetry.CycleStateFailed {
		p.logger.Errorw(fmt.Sprintf("%s cycle failed due task error", p.cfg.Name), "poller", p.cfg.Name, "error", record.ErrorMsg)
	}
	return record, nil
}

// finish records a terminal cycle, persists the state and notifies the handler
func (p *Poller) finish(ctx context.Context, record telemetry.CycleRecord, ec *telemetry.ExecutionContext) error {
	p.store.AppendHistory(record)
	if ec != nil {
		p.store.MergeStats(ec.Stats)
	}
	p.store.SetFinished(record)

	p.mu.Lock()
	p.anchor.PrevSchedule = record.Schedule
	p.anchor.PrevStart = record.Start
	p.anchor.PrevEnd = record.End
	if p.anchor.Base.IsZero() {
		p.anchor.Base = record.Schedule
	}
	p.cycleNo = record.CycleNo + 1
	p.mu.Unlock()

	// the record is final in memory even if the save fails; the restarted loop persists it
	saveErr := p.store.Save(ctx)
	p.logger.Infow("cycle finished", "poller", p.cfg.Name, "cycle", record.CycleNo,
		"state", record.State, "duration", record.Duration(), "error", record.ErrorMsg)

	if p.cfg.OnCycleComplete != nil {
		var artifact any
		if ec != nil && p.cfg.ResultKey != "" && record.State == telemetry.CycleStateDone {
			artifact, _ = ec.Get(p.cfg.ResultKey)
		}
		p.cfg.OnCycleComplete(ctx, p, record, artifact)
	}
	return saveErr
}

// onStep publishes RUNNING:<step> while a cycle progresses
func (p *Poller) onStep(ctx context.Context, step string) {
	if p.store.Schedule().LastKnownState == telemetry.RunningState(step) {
		return
	}
	p.store.SetRunning(step)
	if err := p.store.Save(ctx); err != nil {
		p.logger.Warnw("failed to persist running step", "poller", p.cfg.Name, "step", step, "error", err)
	}
}

func (p *Poller) terminate(reason string) {
	p.mu.Lock()
	p.terminated = true
	p.nextFire = time.Time{}
	p.mu.Unlock()

	p.logger.Infow("poller terminated", "poller", p.cfg.Name, "reason", reason)
}
