package voice

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sonavox/sonavox/pkg/events"
	"github.com/sonavox/sonavox/pkg/observe"
	"github.com/sonavox/sonavox/pkg/rt"
)

// audioFrameRate is how many buffer frames make up one second of audio.
// 10ms frames keep time-sliced reads reasonably precise.
const audioFrameRate = 100

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithAuth supplies the credential provider. Default: a static key from
// SPEECHMATICS_API_KEY.
func WithAuth(a rt.Auth) ClientOption {
	return func(c *Client) { c.auth = a }
}

// WithAPIKey supplies an explicit API key.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithClassifier installs the smart-turn capability. Without it the smart
// policy downgrades to adaptive after a single warning.
func WithClassifier(tc TurnClassifier) ClientOption {
	return func(c *Client) { c.classifier = tc }
}

// WithSessionOptions forwards options to the underlying rt session.
func WithSessionOptions(opts ...rt.Option) ClientOption {
	return func(c *Client) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// Client is the voice agent facade: one transcription session plus the
// segmentation and turn-detection pipeline behind a typed event surface.
//
// All pipeline state is confined to a single worker goroutine, so listener
// callbacks fire in receipt order and timers never race message handling.
// A Client is single-use, like the session it owns.
type Client struct {
	cfg         Config
	auth        rt.Auth
	apiKey      string
	classifier  TurnClassifier
	sessionOpts []rt.Option

	session  *rt.Session
	emitter  events.Emitter[EventType, Event]
	metrics  *observe.Metrics
	asm      *assembler
	seg      *segmenter
	turns    *turnDetector
	registry *speakerRegistry
	audio    *audioBuffer

	work     chan func()
	done     chan struct{}
	stopOnce sync.Once

	audioBytes atomic.Int64

	// Voice activity state, worker-confined.
	isSpeaking     bool
	currentSpeaker string

	// lastHyp is the buffered word view after the previous batch,
	// worker-confined. A re-sent identical hypothesis is not new speech and
	// must not reset a pending turn-close window.
	lastHyp []fragment
}

// NewClient validates the configuration and assembles the pipeline. The
// connection is not opened until [Client.Connect].
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("voice: config: %w", err)
	}

	c := &Client{
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
		work:    make(chan func(), 64),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	if c.auth == nil {
		a, err := rt.NewStaticKeyAuth(c.apiKey)
		if err != nil {
			return nil, err
		}
		c.auth = a
	}

	reg, err := newSpeakerRegistry(cfg.KnownSpeakers)
	if err != nil {
		return nil, err
	}
	c.registry = reg
	c.asm = &assembler{focus: cfg.SpeakerFocus}
	c.seg = newSegmenter(&c.cfg, c.asm, reg, c.emit)

	c.turns = newTurnDetector(&c.cfg, c.classifier)
	c.turns.schedule = func(d time.Duration, fn func()) stopper {
		return time.AfterFunc(d, func() { c.post(fn) })
	}
	c.turns.post = func(fn func()) { c.post(fn) }
	c.turns.onOpen = func(info TurnInfo) {
		t := info
		c.emit(Event{Type: EventStartOfTurn, Turn: &t})
	}
	c.turns.onPredict = func(p TurnPrediction) {
		pr := p
		c.emit(Event{Type: EventEndOfTurnPrediction, Prediction: &pr})
	}
	c.turns.onClose = func(info TurnInfo, window float64) {
		c.seg.flush()
		c.metrics.RecordTurn(context.Background(), string(c.cfg.TurnPolicy), window)
		t := info
		c.emit(Event{Type: EventEndOfTurn, Turn: &t})
	}

	if cfg.TurnPolicy == TurnPolicySmart {
		frameSize := cfg.bytesPerSecond() / audioFrameRate
		if frameSize < 1 {
			frameSize = 1
		}
		maxFrames := int((cfg.SmartTurn.BufferSeconds + cfg.SmartTurn.SliceMargin) * audioFrameRate)
		c.audio = newAudioBuffer(frameSize, maxFrames)
		c.turns.pcmSlice = c.slicePCM
	}

	c.session = rt.NewSession(c.auth, c.sessionOpts...)
	c.registerSessionListeners()
	return c, nil
}

// NewClientFromPreset builds a client from a named preset.
func NewClientFromPreset(name string, opts ...ClientOption) (*Client, error) {
	cfg, err := Preset(name)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg, opts...)
}

// On registers a persistent event listener.
func (c *Client) On(ev EventType, fn func(Event)) events.Handle {
	return c.emitter.On(ev, fn)
}

// Once registers a one-shot event listener.
func (c *Client) Once(ev EventType, fn func(Event)) events.Handle {
	return c.emitter.Once(ev, fn)
}

// Off removes a listener.
func (c *Client) Off(ev EventType, h events.Handle) {
	c.emitter.Off(ev, h)
}

// Session exposes the underlying rt session for advanced use.
func (c *Client) Session() *rt.Session { return c.session }

// Done is closed when the underlying session has fully terminated.
func (c *Client) Done() <-chan struct{} { return c.session.Done() }

// Err returns the session's terminal error, or nil after a graceful close.
func (c *Client) Err() error { return c.session.Err() }

// Connect opens the transcription session. On return the pipeline is live
// and events are being delivered.
func (c *Client) Connect(ctx context.Context) error {
	go c.worker()

	if c.cfg.TurnPolicy == TurnPolicySmart && c.classifier != nil {
		if err := c.classifier.Load(ctx); err != nil {
			c.turns.warnFallback(err)
			c.turns.classifier = nil
		}
	}

	if err := c.session.Connect(ctx, c.cfg.audioFormat(), c.cfg.transcriptionConfig()); err != nil {
		c.stop()
		return err
	}

	// However the session ends, server-side included, the worker goes with it.
	go func() {
		<-c.session.Done()
		c.stop()
	}()
	return nil
}

// SendAudio forwards one audio chunk to the session and accounts for it in
// the smart-turn buffer and the transcription-lag clock.
func (c *Client) SendAudio(chunk []byte) error {
	if err := c.session.SendAudio(chunk); err != nil {
		return err
	}
	c.audioBytes.Add(int64(len(chunk)))
	if c.audio != nil {
		c.audio.put(chunk)
	}
	return nil
}

// Finalize ends the audio stream and waits for the transcript to complete.
// With endOfTurn set, the current turn is closed first; this is the only
// way a turn ends under the external policy.
func (c *Client) Finalize(ctx context.Context, endOfTurn bool) error {
	c.run(func() {
		if endOfTurn {
			c.turns.forceClose()
		} else {
			c.seg.flush()
		}
	})
	return c.session.Finalize(ctx)
}

// Disconnect hard-closes the session and stops the pipeline. Queued audio
// is discarded; use Finalize for a graceful end.
func (c *Client) Disconnect() error {
	c.stop()
	return c.session.Close()
}

// UpdateSpeakerFocus replaces the focus policy mid-session. It affects
// emissions from this point on; segments already emitted are untouched.
func (c *Client) UpdateSpeakerFocus(f SpeakerFocusConfig) error {
	focused := make(map[string]bool, len(f.FocusSpeakers))
	for _, s := range f.FocusSpeakers {
		focused[s] = true
	}
	for _, s := range f.IgnoreSpeakers {
		if focused[s] {
			return fmt.Errorf("voice: speaker %q is both focused and ignored", s)
		}
	}
	c.run(func() {
		c.cfg.SpeakerFocus = f
		c.asm.setFocus(f)
		c.seg.setFocus(f)
	})
	return nil
}

// SendControl forwards a structured control message to the session.
func (c *Client) SendControl(ctx context.Context, msg any) error {
	return c.session.SendControl(ctx, msg)
}

// RequestSpeakers asks the service for the speaker identifiers learned so
// far; the answer arrives as a SpeakersResult event.
func (c *Client) RequestSpeakers(ctx context.Context) error {
	return c.session.SendControl(ctx, rt.NewGetSpeakers())
}

// worker runs the single ordered pipeline goroutine. On stop it drains the
// closures already queued, so events posted before the session ended are
// still delivered.
func (c *Client) worker() {
	for {
		select {
		case <-c.done:
			for {
				select {
				case fn := <-c.work:
					fn()
				default:
					return
				}
			}
		case fn := <-c.work:
			fn()
		}
	}
}

// post schedules fn on the worker. Reports false when the client stopped.
func (c *Client) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	case c.work <- fn:
		return true
	}
}

// run executes fn on the worker and waits for it.
func (c *Client) run(fn func()) {
	fin := make(chan struct{})
	if !c.post(func() {
		fn()
		close(fin)
	}) {
		return
	}
	select {
	case <-fin:
	case <-c.done:
	}
}

func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// emit delivers one event to listeners, recording segment metrics on the
// way out. Runs on the worker.
func (c *Client) emit(ev Event) {
	switch ev.Type {
	case EventAddPartialSegment:
		c.metrics.RecordSegment(context.Background(), "partial")
	case EventAddSegment:
		c.metrics.RecordSegment(context.Background(), "final")
	}
	c.emitter.Emit(ev.Type, ev)
}

// registerSessionListeners wires the session's message stream into the
// worker. Every handler posts, preserving receipt order end to end.
func (c *Client) registerSessionListeners() {
	s := c.session

	s.On(rt.MessageRecognitionStarted, func(m *rt.ServerMessage) {
		c.post(func() {
			if m.LanguagePackInfo != nil {
				c.seg.setDelimiter(m.LanguagePackInfo.WordDelimiter)
			}
			c.emit(Event{Type: EventRecognitionStarted, Message: m})
		})
	})
	s.On(rt.MessageAddPartialTranscript, func(m *rt.ServerMessage) {
		c.post(func() { c.handleTranscript(m, false) })
	})
	s.On(rt.MessageAddTranscript, func(m *rt.ServerMessage) {
		c.post(func() { c.handleTranscript(m, true) })
	})
	s.On(rt.MessageEndOfUtterance, func(m *rt.ServerMessage) {
		c.post(func() { c.handleEndOfUtterance(m) })
	})
	s.On(rt.MessageSpeakersResult, func(m *rt.ServerMessage) {
		c.post(func() {
			c.registry.ingest(m.Speakers)
			c.emit(Event{Type: EventSpeakersResult, Message: m})
		})
	})
	s.On(rt.MessageInfo, func(m *rt.ServerMessage) {
		c.post(func() { c.emit(Event{Type: EventInfo, Message: m}) })
	})
	s.On(rt.MessageWarning, func(m *rt.ServerMessage) {
		c.post(func() { c.emit(Event{Type: EventWarning, Message: m}) })
	})
	s.On(rt.MessageError, func(m *rt.ServerMessage) {
		c.post(func() { c.emit(Event{Type: EventError, Message: m}) })
	})
	s.On(rt.MessageEndOfTranscript, func(m *rt.ServerMessage) {
		c.post(func() {
			c.turns.forceClose()
			c.seg.flush()
			c.emit(Event{Type: EventEndOfTranscript, Message: m})
		})
	})
}

// handleTranscript runs one partial or final batch through the pipeline.
func (c *Client) handleTranscript(m *rt.ServerMessage, isFinal bool) {
	upd := c.asm.ingest(m, isFinal)

	if upd.newFinals > 0 || len(c.asm.partialWords()) > 0 {
		frags := c.asm.view()
		if len(frags) > 0 && hypothesisChanged(c.lastHyp, frags) {
			c.turns.onWord(frags[0].startTime, frags[len(frags)-1].endTime)
		}
		c.lastHyp = append(c.lastHyp[:0], frags...)
	}

	c.seg.process()
	c.vadUpdate()
}

// hypothesisChanged reports whether the buffered words differ from the
// previous batch in anything the turn detector cares about.
func hypothesisChanged(prev, cur []fragment) bool {
	if len(prev) != len(cur) {
		return true
	}
	for i := range cur {
		p, q := prev[i], cur[i]
		if p.speaker != q.speaker || p.content != q.content ||
			p.startTime != q.startTime || p.endTime != q.endTime ||
			p.isFinal != q.isFinal {
			return true
		}
	}
	return false
}

// handleEndOfUtterance feeds the service's endpointing signal to the turn
// detector.
func (c *Client) handleEndOfUtterance(m *rt.ServerMessage) {
	disfluent, punct, eos, ok := c.seg.tail()
	if ok {
		c.turns.onEndOfUtterance(disfluent, punct, eos, c.audioSeconds())
	}
	c.emit(Event{Type: EventEndOfUtterance, Message: m})
}

// vadUpdate tracks which focused speaker is audibly speaking, from the
// partial words currently in flight.
func (c *Client) vadUpdate() {
	words := c.asm.partialWords()
	if c.cfg.SpeakerFocus.Mode == FocusRetain && len(c.cfg.SpeakerFocus.FocusSpeakers) > 0 {
		focused := words[:0:0]
		for _, w := range words {
			for _, s := range c.cfg.SpeakerFocus.FocusSpeakers {
				if w.speaker == s {
					focused = append(focused, w)
					break
				}
			}
		}
		words = focused
	}

	speaking := len(words) > 0
	var latest string
	var startT, endT float64
	if speaking {
		latest = words[len(words)-1].speaker
		startT = words[0].startTime
		endT = words[len(words)-1].endTime
	}

	if speaking && c.isSpeaking && c.cfg.EnableDiarization &&
		c.currentSpeaker != "" && latest != c.currentSpeaker {
		c.emit(Event{Type: EventSpeakerEnded, Speaker: &SpeakerStatus{
			SpeakerID: c.registry.label(c.currentSpeaker), IsActive: false, Time: endT,
		}})
		c.emit(Event{Type: EventSpeakerStarted, Speaker: &SpeakerStatus{
			SpeakerID: c.registry.label(latest), IsActive: true, Time: endT,
		}})
		c.currentSpeaker = latest
	}

	if speaking == c.isSpeaking {
		return
	}
	c.isSpeaking = speaking
	if speaking {
		c.currentSpeaker = latest
		c.emit(Event{Type: EventSpeakerStarted, Speaker: &SpeakerStatus{
			SpeakerID: c.registry.label(latest), IsActive: true, Time: startT,
		}})
		return
	}
	c.emit(Event{Type: EventSpeakerEnded, Speaker: &SpeakerStatus{
		SpeakerID: c.registry.label(c.currentSpeaker), IsActive: false, Time: endT,
	}})
	c.currentSpeaker = ""
}

// audioSeconds returns how much audio has been sent, in seconds.
func (c *Client) audioSeconds() float64 {
	return float64(c.audioBytes.Load()) / float64(c.cfg.bytesPerSecond())
}

// slicePCM returns the trailing classifier window ending at a transcript
// time, clamped to the buffered audio.
func (c *Client) slicePCM(endTime float64) ([]byte, int) {
	if c.audio == nil {
		return nil, c.cfg.SampleRate
	}
	start := endTime - c.cfg.SmartTurn.BufferSeconds
	end := endTime + c.cfg.SmartTurn.SliceMargin
	startFrame := int64(start * audioFrameRate)
	endFrame := int64(end * audioFrameRate)
	if startFrame < 0 {
		startFrame = 0
	}
	return c.audio.slice(startFrame, endFrame), c.cfg.SampleRate
}
