package domain

import (
	"testing"

	"github.com/zmlAEQ/odis-domains/internal/eip712"
)

func mustDomain(t *testing.T, stages ...SequentialDelayStage) *SequentialDelayDomain {
	t.Helper()
	d, err := NewSequentialDelay(stages, nil, eip712.None[string]())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return d
}

type step struct {
	now      float64
	accepted bool
	counter  uint64
	timer    float64
}

func run(t *testing.T, d *SequentialDelayDomain, steps []step) State {
	t.Helper()
	var st State
	for i, s := range steps {
		res := d.Evaluate(s.now, st)
		if res.Accepted != s.accepted {
			t.Fatalf("step %d (now=%v counter=%d): accepted=%v want %v", i, s.now, st.Counter, res.Accepted, s.accepted)
		}
		if !res.Accepted {
			if res.State != st {
				t.Fatalf("step %d: rejected request mutated state %+v -> %+v", i, st, res.State)
			}
			continue
		}
		if res.State.Counter != s.counter || res.State.Timer != s.timer {
			t.Fatalf("step %d: got counter=%d timer=%v want %d/%v", i, res.State.Counter, res.State.Timer, s.counter, s.timer)
		}
		st = res.State
	}
	return st
}

func TestEvaluate_BatchThenSpacedStage(t *testing.T) {
	d := mustDomain(t,
		SequentialDelayStage{Delay: 0, BatchSize: eip712.Some[uint64](2)},
		SequentialDelayStage{Delay: 5, BatchSize: eip712.Some[uint64](1), Repetitions: eip712.Some[uint64](3)},
	)
	run(t, d, []step{
		{now: 100, accepted: true, counter: 1, timer: 100},
		{now: 100, accepted: true, counter: 2, timer: 100},
		{now: 104, accepted: false},
		{now: 105, accepted: true, counter: 3, timer: 105},
		{now: 109, accepted: false},
		{now: 110, accepted: true, counter: 4, timer: 110},
		{now: 115, accepted: true, counter: 5, timer: 115},
		// last stage keeps applying past its repetitions
		{now: 119, accepted: false},
		{now: 120, accepted: true, counter: 6, timer: 120},
	})
}

func TestEvaluate_ConcreteScenarioDivergesAtStageBoundary(t *testing.T) {
	d := mustDomain(t,
		SequentialDelayStage{Delay: 1},
		SequentialDelayStage{Delay: 4},
	)
	// The stage is chosen from the counter, not the request index: counter=1
	// already sits in the second stage, so the second request waits 4s rather
	// than the 1s a per-request walk would give.
	run(t, d, []step{
		{now: 0, accepted: true, counter: 1, timer: 0},
		{now: 0.5, accepted: false},
		{now: 1, accepted: false},
		{now: 3, accepted: false},
		{now: 4, accepted: true, counter: 2, timer: 4},
		{now: 7.9, accepted: false},
		{now: 8, accepted: true, counter: 3, timer: 8},
	})
}

func TestEvaluate_NotBefore(t *testing.T) {
	d := mustDomain(t, SequentialDelayStage{Delay: 10})
	res := d.Evaluate(3, State{Counter: 2, Timer: 1})
	if res.Accepted || res.NotBefore != 11 {
		t.Fatalf("got %+v", res)
	}
}

func TestEvaluate_ZeroDelayAlwaysPasses(t *testing.T) {
	d := mustDomain(t, SequentialDelayStage{Delay: 0})
	st := State{Timer: 50}
	for i := 0; i < 5; i++ {
		res := d.Evaluate(50, st)
		if !res.Accepted {
			t.Fatalf("request %d rejected", i)
		}
		st = res.State
	}
	if st.Counter != 5 {
		t.Fatalf("counter=%d", st.Counter)
	}
}

func TestEvaluate_ZeroRepetitionStageSkipped(t *testing.T) {
	d := mustDomain(t,
		SequentialDelayStage{Delay: 1000, Repetitions: eip712.Some[uint64](0)},
		SequentialDelayStage{Delay: 2},
	)
	run(t, d, []step{
		{now: 10, accepted: true, counter: 1, timer: 10},
		{now: 11, accepted: false},
		{now: 12, accepted: true, counter: 2, timer: 12},
	})
}

func TestEvaluate_ResetTimerFalseKeepsBatchStart(t *testing.T) {
	d := mustDomain(t,
		SequentialDelayStage{Delay: 10, BatchSize: eip712.Some[uint64](3), ResetTimer: eip712.Some(false)},
	)
	run(t, d, []step{
		{now: 1, accepted: true, counter: 1, timer: 1},
		// inside the batch: no delay, timer stays at the batch start
		{now: 2, accepted: true, counter: 2, timer: 1},
		{now: 3, accepted: true, counter: 3, timer: 1},
		// next batch measured from the batch start
		{now: 10, accepted: false},
		{now: 11, accepted: true, counter: 4, timer: 11},
	})
}

func TestEvaluate_DisabledRejectsRegardless(t *testing.T) {
	d := mustDomain(t, SequentialDelayStage{Delay: 0})
	st := State{Disabled: true}
	for _, now := range []float64{0, 1, 1e9} {
		res := d.Evaluate(now, st)
		if res.Accepted || !res.State.Disabled || res.State.Counter != 0 {
			t.Fatalf("disabled domain accepted at %v: %+v", now, res)
		}
	}
}

func TestEvaluate_TimerNeverMovesBackward(t *testing.T) {
	d := mustDomain(t, SequentialDelayStage{Delay: 0})
	res := d.Evaluate(5, State{Counter: 3, Timer: 10})
	if !res.Accepted || res.State.Timer != 10 {
		t.Fatalf("timer moved backward: %+v", res)
	}
}

func TestEvaluate_CounterStrictlyIncrements(t *testing.T) {
	d := mustDomain(t,
		SequentialDelayStage{Delay: 0, BatchSize: eip712.Some[uint64](4)},
		SequentialDelayStage{Delay: 1, Repetitions: eip712.Some[uint64](2)},
	)
	var st State
	now := 1.0
	for i := uint64(0); i < 20; i++ {
		res := d.Evaluate(now, st)
		for !res.Accepted {
			now = res.NotBefore
			res = d.Evaluate(now, st)
		}
		if res.State.Counter != st.Counter+1 {
			t.Fatalf("counter jumped %d -> %d", st.Counter, res.State.Counter)
		}
		st = res.State
	}
}

func FuzzEvaluate_NoPanic(f *testing.F) {
	f.Add(uint64(0), uint64(1), uint64(1), uint64(0), 1.5)
	f.Add(uint64(1<<63), uint64(1<<40), uint64(1<<40), uint64(7), 0.0)
	f.Fuzz(func(t *testing.T, counter, batch, reps, delay uint64, now float64) {
		if batch == 0 {
			batch = 1
		}
		d, err := NewSequentialDelay([]SequentialDelayStage{
			{Delay: delay, BatchSize: eip712.Some(batch), Repetitions: eip712.Some(reps)},
			{Delay: delay + 1},
		}, nil, eip712.None[string]())
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		res := d.Evaluate(now, State{Counter: counter, Timer: 1})
		if res.Accepted && res.State.Counter != counter+1 {
			t.Fatalf("bad counter")
		}
	})
}
