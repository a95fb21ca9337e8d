package voice

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// minQuiescence is how long the word stream must stay quiet after a
	// close decision before the turn actually closes. A word arriving in
	// the gap reopens the turn.
	minQuiescence = 50 * time.Millisecond

	// minTimer is the floor for prediction timers after the time-slip
	// adjustment.
	minTimer = 25 * time.Millisecond

	// Adaptive window adjustments, in seconds on top of the silence
	// trigger baseline.
	disfluencyDelta = 0.3
	noPunctDelta    = 0.2
	eosDelta        = 0.2
)

// Adaptive window reasons reported in EndOfTurnPrediction.
const (
	reasonTrailingDisfluency    = "trailing_disfluency"
	reasonNoTrailingPunct       = "no_trailing_punctuation"
	reasonEndsWithEOS           = "ends_with_eos"
	reasonSmartTurnIncomplete   = "smart_turn_incomplete"
	reasonClassifierUnavailable = "classifier_unavailable"
)

// stopper is the cancellable half of a timer. *time.Timer satisfies it.
type stopper interface {
	Stop() bool
}

// scheduleFunc plants a callback after a delay. The client's implementation
// routes the callback through the worker so timer work never races message
// processing.
type scheduleFunc func(d time.Duration, fn func()) stopper

// turnDetector decides when the current speaker's turn is over, under one
// of four policies. All methods and timer callbacks run on the client
// worker goroutine; the only concurrency inside is the classifier call.
type turnDetector struct {
	policy    TurnPolicy
	trigger   float64
	maxDelay  float64
	ceiling   float64
	threshold float64

	classifier TurnClassifier
	schedule   scheduleFunc
	post       func(func())

	// pcmSlice returns the trailing audio window ending at a transcript
	// time, installed by the client when smart turn is active.
	pcmSlice func(endTime float64) (pcm []byte, sampleRate int)

	onOpen    func(TurnInfo)
	onPredict func(TurnPrediction)
	onClose   func(info TurnInfo, window float64)

	turnID    int
	open      bool
	closing   bool
	turnStart float64
	lastEnd   float64

	// wordSerial increments on every word; pending decisions compare it to
	// detect speech that arrived after they were scheduled.
	wordSerial uint64

	windowTimer  stopper
	quiesceTimer stopper
	ceilTimer    stopper
	ceilGen      uint64

	// window is the prediction window of the pending close, reported to
	// metrics when the turn completes.
	window float64

	fallbackOnce sync.Once
}

func newTurnDetector(cfg *Config, classifier TurnClassifier) *turnDetector {
	return &turnDetector{
		policy:     cfg.TurnPolicy,
		trigger:    cfg.EndOfUtteranceSilenceTrigger,
		maxDelay:   cfg.MaxDelay,
		ceiling:    cfg.EndOfUtteranceMaxDelay,
		threshold:  cfg.SmartTurn.Threshold,
		classifier: classifier,
		schedule: func(d time.Duration, fn func()) stopper {
			return time.AfterFunc(d, fn)
		},
		post: func(fn func()) { fn() },
	}
}

// onWord notes new speech. It opens a turn if none is active, cancels any
// pending prediction window, and reopens a turn caught mid-close.
func (t *turnDetector) onWord(start, end float64) {
	t.wordSerial++
	if end > t.lastEnd {
		t.lastEnd = end
	}
	t.stopWindow()
	if t.closing {
		t.closing = false
		t.stopQuiesce()
	}
	if !t.open {
		t.open = true
		t.window = 0
		t.turnStart = start
		t.armCeiling()
		if t.onOpen != nil {
			t.onOpen(TurnInfo{TurnID: t.turnID, StartTime: start})
		}
	}
}

// onEndOfUtterance reacts to the service's silence endpointing according to
// the active policy. tail* describe the last open segment; audioTime is how
// many seconds of audio have been sent, for the time-slip adjustment.
func (t *turnDetector) onEndOfUtterance(tailDisfluent, tailPunct, tailEOS bool, audioTime float64) {
	if !t.open {
		return
	}
	switch t.policy {
	case TurnPolicyExternal:
		// The application decides; the service's opinion is ignored.
	case TurnPolicyFixed:
		t.beginClose()
	case TurnPolicyAdaptive:
		d, reasons := t.adaptiveWindow(tailDisfluent, tailPunct, tailEOS)
		t.openWindow(d, reasons, audioTime)
	case TurnPolicySmart:
		t.smartDecision(tailDisfluent, tailPunct, tailEOS, audioTime)
	}
}

// adaptiveWindow computes the content-aware wait before closing: trailing
// disfluencies and missing punctuation suggest the speaker will continue, a
// finished sentence suggests they are done. The result is clamped to
// [trigger, maxDelay].
func (t *turnDetector) adaptiveWindow(tailDisfluent, tailPunct, tailEOS bool) (float64, []string) {
	d := t.trigger
	var reasons []string
	if tailDisfluent {
		d += disfluencyDelta
		reasons = append(reasons, reasonTrailingDisfluency)
	}
	if !tailPunct {
		d += noPunctDelta
		reasons = append(reasons, reasonNoTrailingPunct)
	}
	if tailEOS {
		d -= eosDelta
		reasons = append(reasons, reasonEndsWithEOS)
	}
	if d < t.trigger {
		d = t.trigger
	}
	if d > t.maxDelay {
		d = t.maxDelay
	}
	return d, reasons
}

// smartDecision asks the classifier for P(turn complete). The inference
// runs off the worker; its result is posted back and discarded when speech
// arrived in the meantime.
func (t *turnDetector) smartDecision(tailDisfluent, tailPunct, tailEOS bool, audioTime float64) {
	if t.classifier == nil {
		t.warnFallback(nil)
		d, reasons := t.adaptiveWindow(tailDisfluent, tailPunct, tailEOS)
		t.openWindow(d, append(reasons, reasonClassifierUnavailable), audioTime)
		return
	}
	pcm, sampleRate := t.slicePCM(audioTime)
	serial := t.wordSerial
	go func() {
		p, err := t.classifier.Infer(pcm, sampleRate)
		t.post(func() {
			if t.wordSerial != serial || !t.open || t.closing {
				return
			}
			if err != nil {
				t.warnFallback(err)
				d, reasons := t.adaptiveWindow(tailDisfluent, tailPunct, tailEOS)
				t.openWindow(d, append(reasons, reasonClassifierUnavailable), audioTime)
				return
			}
			if p >= t.threshold {
				t.beginClose()
				return
			}
			d, reasons := t.adaptiveWindow(tailDisfluent, tailPunct, tailEOS)
			t.openWindow(d, append(reasons, reasonSmartTurnIncomplete), audioTime)
		})
	}()
}

func (t *turnDetector) slicePCM(endTime float64) ([]byte, int) {
	if t.pcmSlice == nil {
		return nil, 0
	}
	return t.pcmSlice(endTime)
}

// warnFallback logs the one-time downgrade to adaptive.
func (t *turnDetector) warnFallback(err error) {
	t.fallbackOnce.Do(func() {
		if err != nil {
			slog.Warn("smart turn classifier failed, falling back to adaptive",
				slog.String("error", err.Error()))
			return
		}
		slog.Warn("smart turn classifier not configured, falling back to adaptive")
	})
}

// openWindow announces and arms a prediction window. The timer is shortened
// by the transcription lag so the perceived wait matches real time.
func (t *turnDetector) openWindow(d float64, reasons []string, audioTime float64) {
	t.stopWindow()
	t.window = d

	slip := audioTime - t.lastEnd
	if slip < 0 {
		slip = 0
	}
	if t.onPredict != nil {
		t.onPredict(TurnPrediction{
			TurnID:   t.turnID,
			TTL:      d,
			TimeSlip: slip,
			Reasons:  reasons,
		})
	}

	wait := time.Duration((d - slip) * float64(time.Second))
	if wait < minTimer {
		wait = minTimer
	}
	serial := t.wordSerial
	t.windowTimer = t.schedule(wait, func() {
		if t.wordSerial != serial || !t.open || t.closing {
			return
		}
		t.beginClose()
	})
}

// beginClose moves the turn to closing and arms the quiescence gate.
func (t *turnDetector) beginClose() {
	if !t.open || t.closing {
		return
	}
	t.closing = true
	serial := t.wordSerial
	t.quiesceTimer = t.schedule(minQuiescence, func() {
		if !t.closing || t.wordSerial != serial {
			return
		}
		t.finish()
	})
}

// forceClose closes an open turn immediately, skipping the quiescence gate.
// Used by the explicit finalize path and the hard ceiling.
func (t *turnDetector) forceClose() {
	if !t.open {
		return
	}
	t.finish()
}

// finish performs the single closing→closed transition: exactly one
// EndOfTurn per turn, ids dense from zero.
func (t *turnDetector) finish() {
	t.stopWindow()
	t.stopQuiesce()
	t.stopCeiling()
	info := TurnInfo{TurnID: t.turnID, StartTime: t.turnStart, EndTime: t.lastEnd}
	window := t.window
	t.turnID++
	t.open = false
	t.closing = false
	t.window = 0
	if t.onClose != nil {
		t.onClose(info, window)
	}
}

// armCeiling guarantees the turn closes within the configured hard limit no
// matter what the policy does.
func (t *turnDetector) armCeiling() {
	if t.ceiling <= 0 {
		return
	}
	t.ceilGen++
	gen := t.ceilGen
	t.ceilTimer = t.schedule(time.Duration(t.ceiling*float64(time.Second)), func() {
		if gen != t.ceilGen || !t.open {
			return
		}
		slog.Warn("turn exceeded hard ceiling, force closing",
			slog.Int("turn_id", t.turnID))
		t.finish()
	})
}

func (t *turnDetector) stopWindow() {
	if t.windowTimer != nil {
		t.windowTimer.Stop()
		t.windowTimer = nil
	}
}

func (t *turnDetector) stopQuiesce() {
	if t.quiesceTimer != nil {
		t.quiesceTimer.Stop()
		t.quiesceTimer = nil
	}
}

func (t *turnDetector) stopCeiling() {
	t.ceilGen++
	if t.ceilTimer != nil {
		t.ceilTimer.Stop()
		t.ceilTimer = nil
	}
}
