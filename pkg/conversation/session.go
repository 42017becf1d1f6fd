package conversation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/teslashibe/go-talkinghead/pkg/audioio"
	"github.com/teslashibe/go-talkinghead/pkg/playback"
	"github.com/teslashibe/go-talkinghead/pkg/protocol"
	"github.com/teslashibe/go-talkinghead/pkg/speech"
)

const (
	deviceMicrophone = "microphone"
	deviceSpeaker    = "speaker"
)

// Notices shown in the transcript.
const (
	NoticeConnected    = "Connection established. I'm listening."
	NoticeClosed       = "The conversation has closed."
	NoticeNotConnected = "Not connected. Start a conversation before sending messages."
)

// Session is a realtime voice conversation with a remote agent.
//
// All state changes happen on one internal goroutine. Public methods hand
// work to it and wait; dial, read and capture goroutines only post events.
// Handlers registered with On* run on that goroutine, so they must return
// quickly and must not call Start, Stop, SendText or Close.
type Session struct {
	cfg    *Config
	logger *slog.Logger
	id     uuid.UUID

	calls     chan func()
	events    chan event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// owned by the loop goroutine
	gen        uint64
	transport  Transport
	connCtx    context.Context
	connCancel context.CancelFunc
	lastAmp    float64

	// readable from any goroutine
	status    atomic.Int32
	micActive atomic.Bool
	lastErr   atomic.Pointer[error]
	capture   atomic.Pointer[audioio.CaptureEngine]
	scheduler atomic.Pointer[playback.Scheduler]
	envelope  *speech.Envelope
	counters  counters

	handlersMu   sync.RWMutex
	onStatus     []func(Status)
	onTranscript []func(TranscriptEntry)
	onAmplitude  []func(float64)
	onError      []func(error)
	onAudio      []func(audioio.Block)
}

// New creates an idle session. Configuration problems surface from Start.
func New(opts ...Option) *Session {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewWebSocketDialer(cfg)
	}
	if cfg.NewSource == nil {
		cfg.NewSource = audioio.NewSource
	}
	if cfg.NewSink == nil {
		cfg.NewSink = audioio.NewSink
	}
	if cfg.AmplitudeInterval <= 0 {
		cfg.AmplitudeInterval = 33 * time.Millisecond
	}

	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "conversation", "session", id.String()),
		id:         id,
		calls:      make(chan func()),
		events:     make(chan event),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		baseCtx:    ctx,
		baseCancel: cancel,
		envelope:   speech.NewEnvelope(),
	}

	go s.run()
	return s
}

// =============================================================================
// Public API
// =============================================================================

// Start begins connecting to the agent and returns once the attempt is
// under way. Progress is reported through OnStatus.
func (s *Session) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	if cerr := s.call(func() { err = s.start() }); cerr != nil {
		return cerr
	}
	return err
}

// Stop tears the conversation down from any state. When it returns the
// microphone and speaker are released and the transport is closed.
func (s *Session) Stop() error {
	return s.call(func() {
		if s.Status() == StatusIdle && s.connCancel == nil {
			return
		}
		s.logger.Info("stopping conversation")
		s.teardown()
	})
}

// SendText sends typed user input. When not connected a local notice is
// added to the transcript and ErrNotConnected is returned.
func (s *Session) SendText(text string) error {
	var err error
	if cerr := s.call(func() { err = s.sendText(text) }); cerr != nil {
		return cerr
	}
	return err
}

// Close stops the session and its goroutine. The session cannot be reused.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
	return nil
}

// ID returns the session identifier used in logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Status returns the current connection status.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

// Amplitude returns the speaking amplitude in [0, 1].
func (s *Session) Amplitude() float64 {
	return s.envelope.Amplitude()
}

// MicrophoneActive reports whether audio is being captured.
func (s *Session) MicrophoneActive() bool {
	return s.micActive.Load()
}

// LastError returns the most recent error reported through OnError.
func (s *Session) LastError() error {
	if p := s.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Stats returns a snapshot of session state and counters.
func (s *Session) Stats() Stats {
	st := Stats{
		SessionID:        s.id,
		Status:           s.Status(),
		MicrophoneActive: s.MicrophoneActive(),
		Amplitude:        s.Amplitude(),
		Metrics:          s.counters.snapshot(),
	}
	if err := s.LastError(); err != nil {
		st.LastError = err.Error()
	}
	if eng := s.capture.Load(); eng != nil {
		cs := eng.Stats()
		st.Capture = &cs
	}
	if sched := s.scheduler.Load(); sched != nil {
		ps := sched.Stats()
		st.Playback = &ps
	}
	return st
}

// OnStatus registers a handler for status changes.
func (s *Session) OnStatus(fn func(Status)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onStatus = append(s.onStatus, fn)
}

// OnTranscript registers a handler for transcript entries and notices.
func (s *Session) OnTranscript(fn func(TranscriptEntry)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onTranscript = append(s.onTranscript, fn)
}

// OnAmplitude registers a handler for amplitude changes.
func (s *Session) OnAmplitude(fn func(float64)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onAmplitude = append(s.onAmplitude, fn)
}

// OnError registers a handler for errors.
func (s *Session) OnError(fn func(error)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onError = append(s.onError, fn)
}

// OnAudio registers a handler receiving each decoded agent audio block.
func (s *Session) OnAudio(fn func(audioio.Block)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onAudio = append(s.onAudio, fn)
}

// =============================================================================
// Event loop
// =============================================================================

func (s *Session) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.AmplitudeInterval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-s.calls:
			fn()
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-ticker.C:
			s.tick()
		case <-s.quit:
			if s.Status() != StatusIdle || s.connCancel != nil {
				s.teardown()
			}
			s.baseCancel()
			s.logger.Debug("session closed")
			return
		}
	}
}

// call runs fn on the loop goroutine and waits for it.
func (s *Session) call(fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case s.calls <- wrapped:
	case <-s.done:
		return ErrSessionClosed
	}
	<-finished
	return nil
}

// post delivers ev to the loop. It gives up when ctx is cancelled or the
// session is closed, and reports whether the loop took the event.
func (s *Session) post(ctx context.Context, ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

func (s *Session) handleEvent(ev event) {
	if ev.generation() != s.gen {
		s.discard(ev)
		return
	}

	switch e := ev.(type) {
	case openedEvent:
		s.onOpened(e.gen, e.transport)
	case messageEvent:
		s.onMessage(e.kind, e.data)
	case transportErrorEvent:
		s.fail(e.err)
	case closedEvent:
		s.logger.Info("connection closed by agent", "reason", e.err)
		s.teardown()
	case captureReadyEvent:
		s.capture.Store(e.engine)
		s.micActive.Store(true)
		s.logger.Info("microphone active")
	case playbackReadyEvent:
		s.scheduler.Store(e.scheduler)
		s.logger.Info("speaker ready")
	case captureFailedEvent:
		s.reportError(e.err)
		s.notice(userMessage(e.err))
	case captureFrameEvent:
		s.sendAudio(e.block)
	}
}

// discard releases whatever a stale event carries.
func (s *Session) discard(ev event) {
	switch e := ev.(type) {
	case openedEvent:
		_ = e.transport.Close()
	case captureReadyEvent:
		_ = e.engine.Close()
	case playbackReadyEvent:
		_ = e.scheduler.Stop()
	}
}

// =============================================================================
// Transitions (loop goroutine only)
// =============================================================================

func (s *Session) start() error {
	if s.Status().Active() {
		return ErrAlreadyActive
	}

	endpoint, err := s.cfg.endpoint()
	if err != nil {
		s.reportError(err)
		return err
	}

	s.lastErr.Store(nil)
	s.gen++
	gen := s.gen
	s.connCtx, s.connCancel = context.WithCancel(s.baseCtx)

	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("xi-api-key", s.cfg.APIKey)
	}

	s.setStatus(StatusConnecting)
	s.logger.Info("connecting to agent", "agent_id", s.cfg.AgentID)

	go s.dial(s.connCtx, gen, endpoint, header)
	return nil
}

func (s *Session) dial(ctx context.Context, gen uint64, endpoint string, header http.Header) {
	t, err := s.cfg.Dialer.Dial(ctx, endpoint, header)
	if err != nil {
		s.post(ctx, transportErrorEvent{gen: gen, err: err})
		return
	}
	if !s.post(ctx, openedEvent{gen: gen, transport: t}) {
		_ = t.Close()
	}
}

func (s *Session) onOpened(gen uint64, t Transport) {
	s.transport = t
	s.counters.connectedAt.Store(time.Now().UnixNano())
	s.setStatus(StatusConnected)
	s.logger.Info("connected to agent")
	s.notice(NoticeConnected)

	if err := s.send(protocol.NewInitiationMessage(s.cfg.AgentID, s.cfg.Overrides)); err != nil {
		s.fail(err)
		return
	}

	go s.readLoop(s.connCtx, gen, t)

	if s.cfg.EnablePlayback || s.cfg.EnableCapture {
		go s.acquireAudio(s.connCtx, gen)
	}
}

func (s *Session) readLoop(ctx context.Context, gen uint64, t Transport) {
	for {
		kind, data, err := t.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				s.post(ctx, closedEvent{gen: gen, err: err})
			} else {
				s.post(ctx, transportErrorEvent{gen: gen, err: err})
			}
			return
		}
		if !s.post(ctx, messageEvent{gen: gen, kind: kind, data: data}) {
			return
		}
	}
}

// acquireAudio opens the speaker and microphone off the loop and reports
// each result as an event.
func (s *Session) acquireAudio(ctx context.Context, gen uint64) {
	if s.cfg.EnablePlayback {
		sched, err := s.openPlayback(ctx)
		if err != nil {
			s.post(ctx, captureFailedEvent{gen: gen, err: &DeviceAcquisitionError{Device: deviceSpeaker, Cause: err}})
		} else if !s.post(ctx, playbackReadyEvent{gen: gen, scheduler: sched}) {
			_ = sched.Stop()
		}
	}

	if s.cfg.EnableCapture {
		eng, err := s.openCapture(ctx, gen)
		if err != nil {
			s.post(ctx, captureFailedEvent{gen: gen, err: &DeviceAcquisitionError{Device: deviceMicrophone, Cause: err}})
		} else if !s.post(ctx, captureReadyEvent{gen: gen, engine: eng}) {
			_ = eng.Close()
		}
	}
}

func (s *Session) openPlayback(ctx context.Context) (*playback.Scheduler, error) {
	sink, err := s.cfg.NewSink(s.cfg.Playback, s.logger)
	if err != nil {
		return nil, err
	}
	if err := sink.Start(ctx); err != nil {
		_ = sink.Close()
		return nil, err
	}
	return playback.New(sink, playback.WithLogger(s.logger)), nil
}

func (s *Session) openCapture(ctx context.Context, gen uint64) (*audioio.CaptureEngine, error) {
	src, err := s.cfg.NewSource(s.cfg.Capture, s.logger)
	if err != nil {
		return nil, err
	}

	forward := func(ctx context.Context, b audioio.Block) {
		s.post(ctx, captureFrameEvent{gen: gen, block: b})
	}
	eng := audioio.NewCaptureEngine(src, forward, s.logger)
	if err := eng.Start(ctx); err != nil {
		_ = eng.Close()
		return nil, err
	}
	return eng, nil
}

func (s *Session) onMessage(kind MessageKind, data []byte) {
	s.counters.messagesReceived.Add(1)

	var in protocol.Inbound
	var err error
	if kind == BinaryMessage {
		var frame *protocol.AudioFrame
		if frame, err = protocol.ParseBinary(data); err == nil {
			in = frame
		}
	} else {
		in, err = protocol.Parse(data)
	}
	if err != nil {
		s.counters.malformed.Add(1)
		s.logger.Warn("dropping malformed frame", "kind", kind, "bytes", len(data), "error", err)
		return
	}

	switch m := in.(type) {
	case *protocol.SessionAck:
		s.appendEntry(newEntry(RoleAgent, KindMessage, m.Text))
	case *protocol.AgentText:
		if m.Text != "" {
			s.appendEntry(newEntry(RoleAgent, KindMessage, m.Text))
		}
	case *protocol.UserTranscript:
		if m.Text != "" {
			s.appendEntry(newEntry(RoleUser, KindMessage, m.Text))
		}
	case *protocol.AudioFrame:
		s.playAudio(m.Block)
	case *protocol.Ping:
		s.answerPing(m)
	case *protocol.Unknown:
		s.counters.anomalies.Add(1)
		s.logger.Debug("unhandled message type", "type", m.Type)
	}
}

func (s *Session) playAudio(b audioio.Block) {
	if len(b.Samples) == 0 {
		return
	}
	s.counters.audioBytesReceived.Add(int64(len(b.Samples) * 2))

	s.handlersMu.RLock()
	handlers := s.onAudio
	s.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(b)
	}

	if sched := s.scheduler.Load(); sched != nil {
		if _, err := sched.Enqueue(s.connCtx, b); err != nil && !errors.Is(err, playback.ErrStopped) {
			s.logger.Warn("playback enqueue failed", "error", err)
		}
	}

	s.emitAmplitude(s.envelope.ObserveBlock(b))
}

func (s *Session) answerPing(p *protocol.Ping) {
	if !p.HasEventID() {
		s.logger.Debug("ignoring ping without event id")
		return
	}
	if s.Status() != StatusConnected || s.transport == nil {
		return
	}
	if err := s.send(protocol.NewPongMessage(p)); err != nil {
		s.fail(err)
		return
	}
	s.counters.pingsAnswered.Add(1)
}

func (s *Session) sendAudio(b audioio.Block) {
	if s.Status() != StatusConnected || s.transport == nil {
		return
	}
	if err := s.send(protocol.NewUserAudioChunkMessage(b)); err != nil {
		s.fail(err)
		return
	}
	s.counters.audioBytesSent.Add(int64(len(b.Samples) * 2))
}

func (s *Session) sendText(text string) error {
	if s.Status() != StatusConnected || s.transport == nil {
		s.notice(NoticeNotConnected)
		return ErrNotConnected
	}
	if err := s.send(protocol.NewUserTextMessage(text)); err != nil {
		s.fail(err)
		return err
	}
	s.appendEntry(newEntry(RoleUser, KindMessage, text))
	return nil
}

func (s *Session) send(msg any) error {
	if s.transport == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.transport.WriteMessage(TextMessage, data); err != nil {
		return err
	}
	s.counters.messagesSent.Add(1)
	return nil
}

// fail handles a transport failure: Error, release everything, Idle.
func (s *Session) fail(err error) {
	var tErr *TransportError
	if !errors.As(err, &tErr) {
		err = NewTransportError("connection lost", err)
	}
	s.setStatus(StatusError)
	s.reportError(err)
	s.teardown()
}

// teardown releases the microphone, speaker and transport and settles Idle.
func (s *Session) teardown() {
	live := s.transport != nil

	s.gen++
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}

	if eng := s.capture.Swap(nil); eng != nil {
		if err := eng.Close(); err != nil {
			s.logger.Warn("closing microphone", "error", err)
		}
	}
	s.micActive.Store(false)

	if sched := s.scheduler.Swap(nil); sched != nil {
		if err := sched.Stop(); err != nil {
			s.logger.Warn("closing speaker", "error", err)
		}
	}

	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
	s.counters.connectedAt.Store(0)

	if live {
		s.notice(NoticeClosed)
	}
	s.setStatus(StatusIdle)
}

// tick refreshes the amplitude signal, decaying it while nothing is playing.
func (s *Session) tick() {
	decay := s.Status() != StatusConnected
	if !decay {
		if sched := s.scheduler.Load(); sched != nil && sched.Pending() == 0 {
			decay = true
		}
	}
	if decay {
		s.emitAmplitude(s.envelope.Decay())
	}
}

// =============================================================================
// Emitters (loop goroutine only)
// =============================================================================

func (s *Session) setStatus(st Status) {
	old := Status(s.status.Swap(int32(st)))
	if old == st {
		return
	}
	s.logger.Debug("status changed", "from", old, "to", st)

	s.handlersMu.RLock()
	handlers := s.onStatus
	s.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(st)
	}
}

func (s *Session) notice(text string) {
	s.appendEntry(newEntry(RoleAgent, KindNotice, text))
}

func (s *Session) appendEntry(e TranscriptEntry) {
	s.handlersMu.RLock()
	handlers := s.onTranscript
	s.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

func (s *Session) emitAmplitude(a float64) {
	if a == s.lastAmp {
		return
	}
	s.lastAmp = a

	s.handlersMu.RLock()
	handlers := s.onAmplitude
	s.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(a)
	}
}

func (s *Session) reportError(err error) {
	s.lastErr.Store(&err)
	s.counters.errors.Add(1)
	s.logger.Error("conversation error", "error", err)

	s.handlersMu.RLock()
	handlers := s.onError
	s.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(err)
	}
}

// =============================================================================
// Events and counters
// =============================================================================

type event interface {
	generation() uint64
}

type openedEvent struct {
	gen       uint64
	transport Transport
}

type messageEvent struct {
	gen  uint64
	kind MessageKind
	data []byte
}

type transportErrorEvent struct {
	gen uint64
	err error
}

type closedEvent struct {
	gen uint64
	err error
}

type captureReadyEvent struct {
	gen    uint64
	engine *audioio.CaptureEngine
}

type playbackReadyEvent struct {
	gen       uint64
	scheduler *playback.Scheduler
}

type captureFailedEvent struct {
	gen uint64
	err error
}

type captureFrameEvent struct {
	gen   uint64
	block audioio.Block
}

func (e openedEvent) generation() uint64         { return e.gen }
func (e messageEvent) generation() uint64        { return e.gen }
func (e transportErrorEvent) generation() uint64 { return e.gen }
func (e closedEvent) generation() uint64         { return e.gen }
func (e captureReadyEvent) generation() uint64   { return e.gen }
func (e playbackReadyEvent) generation() uint64  { return e.gen }
func (e captureFailedEvent) generation() uint64  { return e.gen }
func (e captureFrameEvent) generation() uint64   { return e.gen }

type counters struct {
	messagesSent       atomic.Int64
	messagesReceived   atomic.Int64
	audioBytesSent     atomic.Int64
	audioBytesReceived atomic.Int64
	pingsAnswered      atomic.Int64
	malformed          atomic.Int64
	anomalies          atomic.Int64
	errors             atomic.Int64
	connectedAt        atomic.Int64
}

func (c *counters) snapshot() Metrics {
	m := Metrics{
		MessagesSent:       c.messagesSent.Load(),
		MessagesReceived:   c.messagesReceived.Load(),
		AudioBytesSent:     c.audioBytesSent.Load(),
		AudioBytesReceived: c.audioBytesReceived.Load(),
		PingsAnswered:      c.pingsAnswered.Load(),
		MalformedFrames:    c.malformed.Load(),
		ProtocolAnomalies:  c.anomalies.Load(),
		Errors:             c.errors.Load(),
	}
	if ns := c.connectedAt.Load(); ns != 0 {
		m.ConnectionTime = time.Unix(0, ns)
	}
	return m
}
