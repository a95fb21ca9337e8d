package voice

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

// fakeClock captures scheduled callbacks so tests fire them deterministically.
type fakeClock struct {
	entries []*schedEntry
}

type schedEntry struct {
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (e *schedEntry) Stop() bool {
	if e.stopped || e.fired {
		return false
	}
	e.stopped = true
	return true
}

func (c *fakeClock) schedule(d time.Duration, fn func()) stopper {
	e := &schedEntry{d: d, fn: fn}
	c.entries = append(c.entries, e)
	return e
}

// fire runs the oldest pending callback scheduled with the given delay.
func (c *fakeClock) fire(t *testing.T, d time.Duration) {
	t.Helper()
	for _, e := range c.entries {
		if e.d == d && !e.stopped && !e.fired {
			e.fired = true
			e.fn()
			return
		}
	}
	t.Fatalf("no pending timer with delay %s", d)
}

// pending counts armed, unfired callbacks with the given delay.
func (c *fakeClock) pending(d time.Duration) int {
	n := 0
	for _, e := range c.entries {
		if e.d == d && !e.stopped && !e.fired {
			n++
		}
	}
	return n
}

// turnRig is a turn detector with recorded outputs and a fake clock.
type turnRig struct {
	det    *turnDetector
	clock  *fakeClock
	opens  []TurnInfo
	preds  []TurnPrediction
	closes []TurnInfo
	posts  chan func()
}

func newTurnRig(mutate func(*Config), classifier TurnClassifier) *turnRig {
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	r := &turnRig{clock: &fakeClock{}, posts: make(chan func(), 4)}
	r.det = newTurnDetector(&cfg, classifier)
	r.det.schedule = r.clock.schedule
	r.det.post = func(fn func()) { r.posts <- fn }
	r.det.onOpen = func(i TurnInfo) { r.opens = append(r.opens, i) }
	r.det.onPredict = func(p TurnPrediction) { r.preds = append(r.preds, p) }
	r.det.onClose = func(i TurnInfo, _ float64) { r.closes = append(r.closes, i) }
	return r
}

// runPost executes the next callback the detector posted from a goroutine.
func (r *turnRig) runPost(t *testing.T) {
	t.Helper()
	select {
	case fn := <-r.posts:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("no posted callback within deadline")
	}
}

func TestTurn_FixedPolicy(t *testing.T) {
	r := newTurnRig(nil, nil)

	r.det.onWord(0.1, 0.4)
	if len(r.opens) != 1 || r.opens[0].TurnID != 0 {
		t.Fatalf("opens = %+v", r.opens)
	}

	r.det.onEndOfUtterance(false, true, true, 0.5)
	r.clock.fire(t, minQuiescence)

	if len(r.closes) != 1 || r.closes[0].TurnID != 0 {
		t.Fatalf("closes = %+v, want one with turn_id 0", r.closes)
	}
	if r.closes[0].StartTime != 0.1 || r.closes[0].EndTime != 0.4 {
		t.Errorf("turn range = [%g, %g]", r.closes[0].StartTime, r.closes[0].EndTime)
	}
}

func TestTurn_IDsDenseAndMonotonic(t *testing.T) {
	r := newTurnRig(nil, nil)

	for i := 0; i < 5; i++ {
		r.det.onWord(float64(i), float64(i)+0.4)
		r.det.onEndOfUtterance(false, true, true, float64(i)+0.5)
		r.clock.fire(t, minQuiescence)
	}

	if len(r.closes) != 5 {
		t.Fatalf("closes = %d, want 5", len(r.closes))
	}
	for i, c := range r.closes {
		if c.TurnID != i {
			t.Errorf("turn %d has id %d", i, c.TurnID)
		}
	}
}

func TestTurn_QuiescenceReopens(t *testing.T) {
	r := newTurnRig(nil, nil)

	r.det.onWord(0, 0.4)
	r.det.onEndOfUtterance(false, true, true, 0.5)

	// Speech arrives inside the quiescence gate: the stale timer fires but
	// the close is abandoned.
	quiesce := r.clock.entries[len(r.clock.entries)-1]
	r.det.onWord(0.45, 0.7)
	if !quiesce.stopped {
		quiesce.fired = true
		quiesce.fn()
	}
	if len(r.closes) != 0 {
		t.Fatalf("turn closed despite speech in the quiescence gate")
	}

	// The next decision closes it for real.
	r.det.onEndOfUtterance(false, true, true, 0.8)
	r.clock.fire(t, minQuiescence)
	if len(r.closes) != 1 || r.closes[0].TurnID != 0 {
		t.Fatalf("closes = %+v", r.closes)
	}
	if len(r.opens) != 1 {
		t.Errorf("reopen within a turn must not announce a new turn: %+v", r.opens)
	}
}

func TestTurn_AdaptiveWindowBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndOfUtteranceSilenceTrigger = 0.2
	cfg.MaxDelay = 1.0
	det := newTurnDetector(&cfg, nil)

	for _, disfluent := range []bool{false, true} {
		for _, punctuated := range []bool{false, true} {
			for _, eos := range []bool{false, true} {
				d, _ := det.adaptiveWindow(disfluent, punctuated, eos)
				if d < cfg.EndOfUtteranceSilenceTrigger || d > cfg.MaxDelay {
					t.Errorf("window %g outside [%g, %g] for disfluent=%v punct=%v eos=%v",
						d, cfg.EndOfUtteranceSilenceTrigger, cfg.MaxDelay,
						disfluent, punctuated, eos)
				}
			}
		}
	}
}

func TestTurn_AdaptiveClosesAfterWindow(t *testing.T) {
	r := newTurnRig(func(c *Config) {
		c.TurnPolicy = TurnPolicyAdaptive
		c.EndOfUtteranceSilenceTrigger = 0.2
		c.MaxDelay = 1.0
	}, nil)

	// "um yes" with no trailing punctuation.
	r.det.onWord(0, 0.2)
	r.det.onWord(0.4, 0.6)
	r.det.onEndOfUtterance(false, false, false, 0.6)

	if len(r.preds) != 1 {
		t.Fatalf("predictions = %d, want 1", len(r.preds))
	}
	p := r.preds[0]
	if p.TTL <= 0.2 || p.TTL > 1.0 {
		t.Errorf("ttl = %g, want in (0.2, 1.0]", p.TTL)
	}
	if p.TurnID != 0 {
		t.Errorf("prediction turn_id = %d", p.TurnID)
	}

	wait := time.Duration(p.TTL * float64(time.Second))
	r.clock.fire(t, wait)
	r.clock.fire(t, minQuiescence)

	if len(r.closes) != 1 || r.closes[0].TurnID != 0 {
		t.Fatalf("closes = %+v, want exactly one with turn_id 0", r.closes)
	}
}

func TestTurn_AdaptiveWindowCancelledBySpeech(t *testing.T) {
	r := newTurnRig(func(c *Config) { c.TurnPolicy = TurnPolicyAdaptive }, nil)

	r.det.onWord(0, 0.4)
	r.det.onEndOfUtterance(false, false, false, 0.4)
	if len(r.preds) != 1 {
		t.Fatalf("predictions = %d, want 1", len(r.preds))
	}

	window := r.clock.entries[len(r.clock.entries)-1]
	r.det.onWord(0.5, 0.8)
	if !window.stopped {
		window.fired = true
		window.fn()
	}

	if len(r.closes) != 0 {
		t.Fatal("window closed the turn despite new speech")
	}
}

func TestTurn_AdaptiveTimeSlipShortensTimer(t *testing.T) {
	r := newTurnRig(func(c *Config) {
		c.TurnPolicy = TurnPolicyAdaptive
		c.EndOfUtteranceSilenceTrigger = 0.2
		c.MaxDelay = 1.0
	}, nil)

	// 0.3s of audio already sent beyond the last transcribed word.
	r.det.onWord(0, 0.4)
	r.det.onEndOfUtterance(false, false, false, 0.7)

	p := r.preds[0]
	if math.Abs(p.TimeSlip-0.3) > 1e-9 {
		t.Errorf("time slip = %g, want 0.3", p.TimeSlip)
	}
	want := time.Duration((p.TTL - p.TimeSlip) * float64(time.Second))
	if r.clock.pending(want) != 1 {
		t.Errorf("no timer armed for slip-adjusted wait %s", want)
	}
}

func TestTurn_ExternalPolicy(t *testing.T) {
	r := newTurnRig(func(c *Config) { c.TurnPolicy = TurnPolicyExternal }, nil)

	r.det.onWord(0, 0.4)
	for i := 0; i < 3; i++ {
		r.det.onEndOfUtterance(false, true, true, 0.5)
	}
	if len(r.closes) != 0 {
		t.Fatalf("external policy closed on end of utterance: %+v", r.closes)
	}

	r.det.forceClose()
	if len(r.closes) != 1 || r.closes[0].TurnID != 0 {
		t.Fatalf("closes = %+v, want exactly one with turn_id 0", r.closes)
	}

	// A second force close is a no-op with no open turn.
	r.det.forceClose()
	if len(r.closes) != 1 {
		t.Fatalf("duplicate close: %+v", r.closes)
	}
}

func TestTurn_HardCeilingForcesClose(t *testing.T) {
	r := newTurnRig(func(c *Config) {
		c.TurnPolicy = TurnPolicyExternal
		c.EndOfUtteranceMaxDelay = 3
	}, nil)

	r.det.onWord(0, 0.4)
	r.clock.fire(t, 3*time.Second)

	if len(r.closes) != 1 || r.closes[0].TurnID != 0 {
		t.Fatalf("ceiling did not close the turn: %+v", r.closes)
	}
}

type stubClassifier struct {
	p       float64
	loadErr error
	err     error
	calls   int
}

func (s *stubClassifier) Load(_ context.Context) error { return s.loadErr }

func (s *stubClassifier) Infer(_ []byte, _ int) (float64, error) {
	s.calls++
	return s.p, s.err
}

func TestTurn_SmartCloses(t *testing.T) {
	cls := &stubClassifier{p: 0.9}
	r := newTurnRig(func(c *Config) { c.TurnPolicy = TurnPolicySmart }, cls)

	r.det.onWord(0, 0.4)
	r.det.onEndOfUtterance(false, true, true, 0.5)
	r.runPost(t)
	r.clock.fire(t, minQuiescence)

	if cls.calls != 1 {
		t.Errorf("classifier calls = %d, want 1", cls.calls)
	}
	if len(r.closes) != 1 || r.closes[0].TurnID != 0 {
		t.Fatalf("closes = %+v", r.closes)
	}
	if len(r.preds) != 0 {
		t.Errorf("confident smart close must not open a window: %+v", r.preds)
	}
}

func TestTurn_SmartIncompleteFallsBackToWindow(t *testing.T) {
	cls := &stubClassifier{p: 0.1}
	r := newTurnRig(func(c *Config) { c.TurnPolicy = TurnPolicySmart }, cls)

	r.det.onWord(0, 0.4)
	r.det.onEndOfUtterance(false, false, false, 0.5)
	r.runPost(t)

	if len(r.preds) != 1 {
		t.Fatalf("predictions = %d, want 1", len(r.preds))
	}
	if !hasReason(r.preds[0].Reasons, reasonSmartTurnIncomplete) {
		t.Errorf("reasons = %v", r.preds[0].Reasons)
	}
	if len(r.closes) != 0 {
		t.Fatalf("turn closed despite low confidence")
	}
}

func TestTurn_SmartClassifierErrorDowngrades(t *testing.T) {
	cls := &stubClassifier{err: errors.New("model exploded")}
	r := newTurnRig(func(c *Config) { c.TurnPolicy = TurnPolicySmart }, cls)

	r.det.onWord(0, 0.4)
	r.det.onEndOfUtterance(false, false, false, 0.5)
	r.runPost(t)

	if len(r.preds) != 1 || !hasReason(r.preds[0].Reasons, reasonClassifierUnavailable) {
		t.Fatalf("predictions = %+v, want adaptive fallback", r.preds)
	}
}

func TestTurn_SmartWithoutClassifierDowngrades(t *testing.T) {
	r := newTurnRig(func(c *Config) { c.TurnPolicy = TurnPolicySmart }, nil)

	r.det.onWord(0, 0.4)
	r.det.onEndOfUtterance(false, false, false, 0.5)

	if len(r.preds) != 1 || !hasReason(r.preds[0].Reasons, reasonClassifierUnavailable) {
		t.Fatalf("predictions = %+v, want adaptive fallback", r.preds)
	}
}

func hasReason(reasons []string, want string) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}
