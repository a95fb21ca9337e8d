package rt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sonavox/sonavox/pkg/events"
	"github.com/sonavox/sonavox/pkg/observe"
)

const (
	// DefaultEndpoint is the transcription service URL used when neither an
	// explicit endpoint nor SPEECHMATICS_RT_URL is set.
	DefaultEndpoint = "wss://eu2.rt.speechmatics.com/v2"

	// EnvEndpoint overrides the default endpoint URL.
	EnvEndpoint = "SPEECHMATICS_RT_URL"

	// sdkIdent is reported to the service via the sm-sdk query parameter.
	sdkIdent = "sonavox-go/0.1.0"
)

const (
	defaultAudioQueueSize = 256
	controlQueueSize      = 16

	defaultPingInterval = 20 * time.Second
	defaultPingTimeout  = 60 * time.Second
	defaultOpenTimeout  = 30 * time.Second
	defaultCloseTimeout = 10 * time.Second

	dialAttempts       = 3
	dialBackoffInitial = 500 * time.Millisecond
)

// State is the lifecycle state of a [Session].
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStarted
	StateDraining
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStarted:
		return "started"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Option configures a Session.
type Option func(*Session)

// WithEndpoint sets the WebSocket endpoint URL, overriding the
// SPEECHMATICS_RT_URL environment variable and the built-in default.
func WithEndpoint(u string) Option {
	return func(s *Session) { s.endpoint = u }
}

// WithAppID annotates the connection URL with an application identifier
// (sm-app query parameter) for server-side usage attribution.
func WithAppID(id string) Option {
	return func(s *Session) { s.appID = id }
}

// WithQueryAuth sends the credential as a ?jwt= query parameter instead of
// the Authorization header, for environments where request headers cannot be
// set. The configured Auth must expose a raw token.
func WithQueryAuth() Option {
	return func(s *Session) { s.queryAuth = true }
}

// WithAudioQueueSize bounds the outbound audio queue. SendAudio returns
// ErrBackpressure when the queue is full. Default 256 frames.
func WithAudioQueueSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.audioQueueSize = n
		}
	}
}

// WithPingInterval sets the keepalive ping cadence. Default 20s.
func WithPingInterval(d time.Duration) Option {
	return func(s *Session) { s.pingInterval = d }
}

// WithPingTimeout sets how long a ping may go unanswered before the session
// fails. Default 60s.
func WithPingTimeout(d time.Duration) Option {
	return func(s *Session) { s.pingTimeout = d }
}

// WithOpenTimeout bounds Connect, including the wait for the server's
// session-start acknowledgement. Default 30s.
func WithOpenTimeout(d time.Duration) Option {
	return func(s *Session) { s.openTimeout = d }
}

// WithCloseTimeout bounds the graceful close exchange. Default 10s.
func WithCloseTimeout(d time.Duration) Option {
	return func(s *Session) { s.closeTimeout = d }
}

// outFrame is one entry in the ordered outbound queue. Either audio or
// control is set; control entries let EndOfStream keep its position behind
// all previously accepted audio.
type outFrame struct {
	audio   []byte
	control []byte
}

// Session is a single-use, full-duplex connection to the transcription
// service. It exclusively owns the socket: all sends funnel through one
// writer goroutine, and inbound messages are dispatched to listeners in
// receipt order.
//
// A Session is not reusable; create a new one per connection.
type Session struct {
	auth           Auth
	endpoint       string
	appID          string
	queryAuth      bool
	audioQueueSize int
	pingInterval   time.Duration
	pingTimeout    time.Duration
	openTimeout    time.Duration
	closeTimeout   time.Duration

	emitter events.Emitter[ServerMessageType, *ServerMessage]
	metrics *observe.Metrics

	state    atomic.Int32
	seqSent  atomic.Int64
	seqAcked atomic.Int64

	conn      *websocket.Conn
	requestID string

	outQ   chan outFrame
	ctrlQ  chan []byte
	sendMu sync.Mutex

	started chan struct{}
	eot     chan struct{}
	eotOnce sync.Once
	done    chan struct{}
	closed  chan struct{}
	endOnce sync.Once

	loopCancel context.CancelFunc

	errMu sync.Mutex
	err   error

	sessionID string
	langPack  *LanguagePackInfo
	baseTime  time.Time
}

// NewSession creates an unconnected Session. The endpoint resolves in order:
// WithEndpoint, SPEECHMATICS_RT_URL, DefaultEndpoint.
func NewSession(auth Auth, opts ...Option) *Session {
	s := &Session{
		auth:           auth,
		audioQueueSize: defaultAudioQueueSize,
		pingInterval:   defaultPingInterval,
		pingTimeout:    defaultPingTimeout,
		openTimeout:    defaultOpenTimeout,
		closeTimeout:   defaultCloseTimeout,
		metrics:        observe.DefaultMetrics(),
		requestID:      uuid.NewString(),
		started:        make(chan struct{}),
		eot:            make(chan struct{}),
		done:           make(chan struct{}),
		closed:         make(chan struct{}),
		loopCancel:     func() {},
	}
	for _, o := range opts {
		o(s)
	}
	if s.endpoint == "" {
		s.endpoint = DefaultEndpoint
	}
	s.outQ = make(chan outFrame, s.audioQueueSize)
	s.ctrlQ = make(chan []byte, controlQueueSize)
	return s
}

// On registers a persistent listener for a server message kind.
func (s *Session) On(ev ServerMessageType, fn func(*ServerMessage)) events.Handle {
	return s.emitter.On(ev, fn)
}

// Once registers a one-shot listener for a server message kind.
func (s *Session) Once(ev ServerMessageType, fn func(*ServerMessage)) events.Handle {
	return s.emitter.Once(ev, fn)
}

// Off removes a listener registered with On or Once.
func (s *Session) Off(ev ServerMessageType, h events.Handle) {
	s.emitter.Off(ev, h)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Err returns the terminal error, or nil after a graceful close. Valid once
// Done is closed.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Done is closed when the session has fully terminated.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// SessionID returns the server-assigned session id, available once started.
func (s *Session) SessionID() string { return s.sessionID }

// LanguagePack returns the language pack info from the start acknowledgement,
// or nil before the session starts.
func (s *Session) LanguagePack() *LanguagePackInfo { return s.langPack }

// BaseTime is the local receipt time of the start acknowledgement. All
// transcript times are seconds relative to it.
func (s *Session) BaseTime() time.Time { return s.baseTime }

// AudioSeqSent returns the number of audio frames accepted so far.
func (s *Session) AudioSeqSent() int64 { return s.seqSent.Load() }

// AudioSeqAcked returns the highest audio sequence number acknowledged by the
// server.
func (s *Session) AudioSeqAcked() int64 { return s.seqAcked.Load() }

// Connect dials the service, sends the session-start message, and waits for
// the server's acknowledgement. On return the session is started and inbound
// messages are being dispatched to listeners.
//
// DNS/TCP dial failures are retried a small number of times with exponential
// backoff; authentication rejections are not retried. Once started, any
// socket error is terminal for the session.
func (s *Session) Connect(ctx context.Context, format AudioFormat, cfg TranscriptionConfig) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return fmt.Errorf("rt: connect in state %s: %w", s.State(), ErrSessionClosed)
	}

	wsURL, headers, err := s.dialTarget(ctx)
	if err != nil {
		s.fail(err, nil)
		return err
	}

	conn, err := s.dial(ctx, wsURL, headers)
	if err != nil {
		s.fail(err, nil)
		return err
	}
	conn.SetReadLimit(1 << 20)
	s.conn = conn

	start := NewStartRecognition(format, cfg)
	payload, err := json.Marshal(start)
	if err != nil {
		err = fmt.Errorf("rt: encode session start: %w", err)
		s.fail(err, nil)
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.openTimeout)
	err = conn.Write(wctx, websocket.MessageText, payload)
	cancel()
	if err != nil {
		err = fmt.Errorf("rt: send session start: %w", err)
		s.fail(err, nil)
		return err
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	s.loopCancel = loopCancel
	eg, egCtx := errgroup.WithContext(loopCtx)
	eg.Go(func() error { return s.readLoop(egCtx) })
	eg.Go(func() error { return s.writeLoop(egCtx) })
	eg.Go(func() error { return s.pingLoop(egCtx) })
	go func() {
		if err := eg.Wait(); err != nil {
			s.fail(err, terminalEvent(err))
			return
		}
		s.shutdown()
	}()

	select {
	case <-s.started:
		return nil
	case <-s.closed:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	case <-time.After(s.openTimeout):
		err := fmt.Errorf("rt: no session start acknowledgement within %s", s.openTimeout)
		s.fail(err, terminalEvent(err))
		return err
	case <-ctx.Done():
		s.fail(ctx.Err(), nil)
		return ctx.Err()
	}
}

// dialTarget resolves the URL and headers for the upgrade request.
func (s *Session) dialTarget(ctx context.Context) (string, http.Header, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", nil, fmt.Errorf("rt: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("sm-sdk", sdkIdent)
	if s.appID != "" {
		q.Set("sm-app", s.appID)
	}

	headers := http.Header{}
	headers.Set("X-Request-Id", s.requestID)

	if s.queryAuth {
		tp, ok := s.auth.(tokenProvider)
		if !ok {
			return "", nil, fmt.Errorf("rt: query auth requires a token-providing credential: %w", ErrNoCredential)
		}
		token, err := tp.Token(ctx)
		if err != nil {
			return "", nil, err
		}
		q.Set("jwt", token)
	} else {
		ah, err := s.auth.Headers(ctx)
		if err != nil {
			return "", nil, err
		}
		for k, vs := range ah {
			for _, v := range vs {
				headers.Add(k, v)
			}
		}
	}

	u.RawQuery = q.Encode()
	return u.String(), headers, nil
}

// dial opens the WebSocket with bounded retries. Authentication rejections
// are returned immediately; transport errors back off and retry.
func (s *Session) dial(ctx context.Context, wsURL string, headers http.Header) (*websocket.Conn, error) {
	backoff := dialBackoffInitial
	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, s.openTimeout)
		conn, resp, err := websocket.Dial(dctx, wsURL, &websocket.DialOptions{
			HTTPHeader: headers,
		})
		cancel()
		if err == nil {
			return conn, nil
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("rt: authentication rejected (HTTP %d): %w", resp.StatusCode, err)
		}
		lastErr = err
		if attempt == dialAttempts {
			break
		}
		slog.Debug("dial failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("rt: dial: %w", lastErr)
}

// SendAudio queues one binary audio frame for transmission and accounts for
// it in the audio sequence. It never blocks: when the outbound queue is full
// it returns ErrBackpressure and the frame is not accepted.
//
// The byte slice is not copied; the caller must not reuse it until after the
// session closes or the frame is acknowledged.
func (s *Session) SendAudio(chunk []byte) error {
	// The state check happens under the send lock: Finalize swaps the state
	// and plants the stream-end marker under the same lock, so no frame can
	// be accepted after the marker's last_seq_no was read.
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if st := s.State(); st != StateStarted {
		if st == StateClosed {
			return ErrSessionClosed
		}
		return ErrNotStarted
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	case s.outQ <- outFrame{audio: chunk}:
		s.seqSent.Add(1)
		return nil
	default:
		return ErrBackpressure
	}
}

// SendControl marshals msg and queues it on the prioritized control channel.
// Control messages may overtake queued audio frames.
func (s *Session) SendControl(ctx context.Context, msg any) error {
	if st := s.State(); st != StateStarted && st != StateDraining {
		if st == StateClosed {
			return ErrSessionClosed
		}
		return ErrNotStarted
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rt: encode control message: %w", err)
	}
	select {
	case s.ctrlQ <- payload:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finalize closes the upstream: all queued audio is flushed, the stream-end
// message carries the count of accepted frames, and the call blocks until the
// server confirms the transcript is complete and the socket closes.
// Cancelling ctx during the drain promotes to a hard close.
func (s *Session) Finalize(ctx context.Context) error {
	if err := s.enqueueStreamEnd(ctx); err != nil {
		return err
	}

	select {
	case <-s.closed:
		return s.Err()
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

// enqueueStreamEnd swaps the session into draining and plants the stream-end
// marker. The marker travels the audio queue so it cannot overtake frames
// that were accepted before it, and the send lock is held across the state
// swap, the sequence read, and the enqueue so a concurrent SendAudio cannot
// slip a frame in behind the marker or past its last_seq_no.
func (s *Session) enqueueStreamEnd(ctx context.Context) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if !s.state.CompareAndSwap(int32(StateStarted), int32(StateDraining)) {
		switch s.State() {
		case StateDraining:
			return ErrDraining
		case StateClosed:
			return ErrSessionClosed
		default:
			return ErrNotStarted
		}
	}

	last := s.seqSent.Load()
	payload, err := json.Marshal(NewEndOfStream(last))
	if err != nil {
		return fmt.Errorf("rt: encode stream end: %w", err)
	}
	select {
	case s.outQ <- outFrame{control: payload}:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

// Close hard-closes the session: queued frames are discarded, loops stop, and
// no further listener callbacks fire. Safe to call multiple times and from
// any state.
func (s *Session) Close() error {
	s.shutdown()
	return nil
}

// shutdown performs the single, graceful teardown path.
func (s *Session) shutdown() {
	s.end(nil, nil)
}

// fail performs teardown with a terminal error. When ev is non-nil it is
// emitted as the final callback before listeners go quiet.
func (s *Session) fail(err error, ev *ServerMessage) {
	s.end(err, ev)
}

func (s *Session) end(err error, ev *ServerMessage) {
	s.endOnce.Do(func() {
		wasStarted := State(s.state.Swap(int32(StateClosed))) >= StateStarted
		if err != nil {
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
			if ev != nil {
				s.emitter.Emit(MessageError, ev)
			}
			slog.Error("session failed",
				slog.String("session_id", s.sessionID),
				slog.String("request_id", s.requestID),
				slog.String("error", err.Error()))
		}
		close(s.done)
		s.loopCancel()
		if s.conn != nil {
			if err == nil {
				// Bound the close handshake; an unresponsive peer gets the
				// abrupt teardown instead.
				handshake := make(chan struct{})
				go func() {
					s.conn.Close(websocket.StatusNormalClosure, "finished")
					close(handshake)
				}()
				select {
				case <-handshake:
				case <-time.After(s.closeTimeout):
					s.conn.CloseNow()
				}
			} else {
				s.conn.Close(websocket.StatusInternalError, "session failed")
			}
		}
		if wasStarted {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		close(s.closed)
	})
}

// terminalEvent synthesizes the terminal error callback payload for transport
// and protocol failures. Server-reported errors pass through verbatim instead.
func terminalEvent(err error) *ServerMessage {
	typ := "connection_error"
	if _, ok := err.(*ProtocolError); ok {
		typ = "protocol_error"
	}
	return &ServerMessage{
		Message: MessageError,
		Type:    typ,
		Reason:  err.Error(),
	}
}

// writeLoop is the sole writer on the socket. Control messages are
// prioritized over queued audio; the stream-end marker rides the audio queue
// to keep its position.
func (s *Session) writeLoop(ctx context.Context) error {
	for {
		// Drain priority control traffic first.
		select {
		case payload := <-s.ctrlQ:
			if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return fmt.Errorf("rt: write control: %w", err)
			}
			continue
		default:
		}

		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return nil
		case payload := <-s.ctrlQ:
			if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return fmt.Errorf("rt: write control: %w", err)
			}
		case f := <-s.outQ:
			if f.control != nil {
				if err := s.conn.Write(ctx, websocket.MessageText, f.control); err != nil {
					return fmt.Errorf("rt: write stream end: %w", err)
				}
				continue
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, f.audio); err != nil {
				return fmt.Errorf("rt: write audio: %w", err)
			}
			s.metrics.AudioFramesSent.Add(ctx, 1)
			s.metrics.AudioBytesSent.Add(ctx, int64(len(f.audio)))
		}
	}
}

// readLoop receives and dispatches downstream messages in receipt order.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.eot:
				// The server already finished the transcript; a close here
				// is the expected end of the exchange.
				return nil
			case <-s.done:
				return nil
			default:
			}
			return fmt.Errorf("rt: read: %w", err)
		}
		if typ != websocket.MessageText {
			slog.Warn("ignoring unexpected binary frame from server",
				slog.String("session_id", s.sessionID))
			continue
		}

		msg, err := DecodeServerMessage(data)
		if err != nil {
			return err
		}
		if !msg.Known() {
			slog.Warn("ignoring unknown server message kind",
				slog.String("kind", string(msg.Message)),
				slog.String("session_id", s.sessionID))
			continue
		}
		if err := s.dispatch(msg); err != nil {
			return err
		}
		select {
		case <-s.done:
			return nil
		default:
		}
	}
}

// dispatch handles one decoded inbound message. A non-nil error is a fatal
// protocol violation.
func (s *Session) dispatch(msg *ServerMessage) error {
	if s.State() == StateConnecting {
		switch msg.Message {
		case MessageRecognitionStarted, MessageInfo, MessageWarning, MessageError:
		default:
			return &ProtocolError{
				Reason: fmt.Sprintf("%s before session start acknowledgement", msg.Message),
			}
		}
	}

	switch msg.Message {
	case MessageRecognitionStarted:
		s.sessionID = msg.ID
		s.langPack = msg.LanguagePackInfo
		s.baseTime = time.Now()
		if s.state.CompareAndSwap(int32(StateConnecting), int32(StateStarted)) {
			s.metrics.ActiveSessions.Add(context.Background(), 1)
			slog.Info("session started",
				slog.String("session_id", s.sessionID),
				slog.String("request_id", s.requestID))
			s.emitter.Emit(msg.Message, msg)
			close(s.started)
			return nil
		}
		s.emitter.Emit(msg.Message, msg)

	case MessageAudioAdded:
		acked, sent := s.seqAcked.Load(), s.seqSent.Load()
		if msg.SeqNo <= acked || msg.SeqNo > sent {
			return &ProtocolError{
				Reason: fmt.Sprintf("audio ack seq_no %d outside (%d, %d]", msg.SeqNo, acked, sent),
			}
		}
		s.seqAcked.Store(msg.SeqNo)
		s.metrics.AudioFramesAcked.Add(context.Background(), 1)
		s.emitter.Emit(msg.Message, msg)

	case MessageError:
		// The server's own error message is the terminal callback.
		s.fail(&ServerError{Type: msg.Type, Reason: msg.Reason, Code: msg.Code}, msg)

	case MessageEndOfTranscript:
		s.emitter.Emit(msg.Message, msg)
		s.eotOnce.Do(func() { close(s.eot) })
		s.shutdown()

	default:
		s.emitter.Emit(msg.Message, msg)
	}
	return nil
}

// pingLoop keeps the connection alive and fails the session when a ping goes
// unanswered beyond the ping timeout.
func (s *Session) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.pingTimeout)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				select {
				case <-s.done:
					return nil
				default:
				}
				return fmt.Errorf("rt: keepalive ping: %w", err)
			}
		}
	}
}
