package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-talkinghead/pkg/audioio"
	"github.com/teslashibe/go-talkinghead/pkg/protocol"
)

const waitTimeout = 2 * time.Second

type recorder struct {
	mu       sync.Mutex
	statuses []Status
	entries  []TranscriptEntry
	errs     []error
	audio    int

	statusCh chan Status
	entryCh  chan TranscriptEntry
	errCh    chan error
}

func record(s *Session) *recorder {
	r := &recorder{
		statusCh: make(chan Status, 256),
		entryCh:  make(chan TranscriptEntry, 256),
		errCh:    make(chan error, 256),
	}
	s.OnStatus(func(st Status) {
		r.mu.Lock()
		r.statuses = append(r.statuses, st)
		r.mu.Unlock()
		r.statusCh <- st
	})
	s.OnTranscript(func(e TranscriptEntry) {
		r.mu.Lock()
		r.entries = append(r.entries, e)
		r.mu.Unlock()
		r.entryCh <- e
	})
	s.OnError(func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
		r.errCh <- err
	})
	s.OnAudio(func(audioio.Block) {
		r.mu.Lock()
		r.audio++
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) waitStatus(t *testing.T, want Status) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case st := <-r.statusCh:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func (r *recorder) waitEntry(t *testing.T, text string) TranscriptEntry {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case e := <-r.entryCh:
			if e.Text == text {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for transcript entry %q", text)
		}
	}
}

func (r *recorder) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errCh:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for error")
	}
	return nil
}

func (r *recorder) allStatuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *recorder) allEntries() []TranscriptEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TranscriptEntry(nil), r.entries...)
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func testAudioConfig() audioio.Config {
	cfg := audioio.DefaultCaptureConfig()
	cfg.Backend = audioio.BackendMock
	cfg.SampleRate = audioio.TargetRate
	cfg.BlockSize = 160
	return cfg
}

type harness struct {
	s      *Session
	dialer *MockDialer
	src    *audioio.MockSource
	sink   *audioio.MockSink
	rec    *recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		dialer: NewMockDialer(),
		src:    audioio.NewMockSource(testAudioConfig(), nil, audioio.WithManualFeed()),
		sink:   audioio.NewMockSink(testAudioConfig(), nil),
	}

	base := []Option{
		WithURL("wss://agent.example/v1/convai/conversation"),
		WithAgentID("agent-1"),
		WithDialer(h.dialer),
		WithCapture(testAudioConfig()),
		WithPlayback(testAudioConfig()),
		WithSourceFactory(func(audioio.Config, *slog.Logger) (audioio.Source, error) { return h.src, nil }),
		WithSinkFactory(func(audioio.Config, *slog.Logger) (audioio.Sink, error) { return h.sink, nil }),
		WithAmplitudeInterval(5 * time.Millisecond),
		WithLogger(slog.New(slog.DiscardHandler)),
	}
	h.s = New(append(base, opts...)...)
	h.rec = record(h.s)
	t.Cleanup(func() { _ = h.s.Close() })
	return h
}

// connect starts the session and returns the transport once the
// initiation message went out.
func (h *harness) connect(t *testing.T) *MockTransport {
	t.Helper()
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tr := h.dialer.Next(waitTimeout)
	if tr == nil {
		t.Fatal("no transport dialed")
	}
	h.rec.waitStatus(t, StatusConnected)
	if got := tr.WaitForWrites(1, waitTimeout); len(got) < 1 {
		t.Fatal("initiation message not sent")
	}
	return tr
}

func decodeFrame(t *testing.T, f MockFrame) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(f.Data, &m); err != nil {
		t.Fatalf("frame is not JSON: %v (%s)", err, f.Data)
	}
	return m
}

func framesOfType(t *testing.T, frames []MockFrame, typ string) []MockFrame {
	t.Helper()
	var out []MockFrame
	for _, f := range frames {
		if decodeFrame(t, f)["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func TestSession_StartSendsInitiation(t *testing.T) {
	h := newHarness(t, WithAPIKey("secret"), WithFirstMessage("Hi there"))
	tr := h.connect(t)

	dials := h.dialer.Dials()
	if len(dials) != 1 {
		t.Fatalf("expected 1 dial, got %d", len(dials))
	}
	if !strings.Contains(dials[0].URL, "agent_id=agent-1") {
		t.Errorf("dial URL %q missing agent_id", dials[0].URL)
	}
	if got := dials[0].Header.Get("xi-api-key"); got != "secret" {
		t.Errorf("xi-api-key = %q, want secret", got)
	}

	init := decodeFrame(t, tr.Written()[0])
	if init["type"] != string(protocol.TypeInitiation) {
		t.Errorf("first frame type = %v", init["type"])
	}
	override, _ := init["conversation_config_override"].(map[string]any)
	agent, _ := override["agent"].(map[string]any)
	if agent["first_message"] != "Hi there" {
		t.Errorf("first_message = %v", agent["first_message"])
	}

	e := h.rec.waitEntry(t, NoticeConnected)
	if e.Role != RoleAgent || e.Kind != KindNotice {
		t.Errorf("connected notice = %+v", e)
	}

	if got := h.rec.allStatuses(); len(got) < 2 || got[0] != StatusConnecting || got[1] != StatusConnected {
		t.Errorf("statuses = %v, want [connecting connected ...]", got)
	}
	if h.s.Stats().Metrics.ConnectionTime.IsZero() {
		t.Error("connection time not recorded")
	}
}

func TestSession_PingAnsweredOnce(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.Deliver(`{"type":"ping","ping_event":{"event_id":"abc"}}`)
	frames := tr.WaitForWrites(2, waitTimeout)
	if len(frames) != 2 {
		t.Fatalf("expected pong, got %d frames", len(frames))
	}
	if got := string(frames[1].Data); got != `{"type":"pong","event_id":"abc"}` {
		t.Errorf("pong = %s", got)
	}

	// pings without a usable id are ignored
	tr.Deliver(`{"type":"ping","ping_event":{}}`)
	tr.Deliver(`{"type":"ping","ping_event":{"event_id":""}}`)
	tr.Deliver(`{"type":"ping","ping_event":{"event_id":null}}`)
	tr.Deliver(`{"type":"agent_response","agent_response_event":{"agent_response":"marker"}}`)
	h.rec.waitEntry(t, "marker")

	if got := len(tr.Written()); got != 2 {
		t.Errorf("expected no further writes, got %d frames", got)
	}
	if got := h.s.Stats().Metrics.PingsAnswered; got != 1 {
		t.Errorf("PingsAnswered = %d, want 1", got)
	}
}

func TestSession_PingZeroIDAnswered(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.Deliver(`{"type":"ping","ping_event":{"event_id":0}}`)
	frames := tr.WaitForWrites(2, waitTimeout)
	if len(frames) != 2 {
		t.Fatal("expected pong for event_id 0")
	}
	if got := string(frames[1].Data); got != `{"type":"pong","event_id":0}` {
		t.Errorf("pong = %s", got)
	}
}

func TestSession_PingExtraFieldsTolerated(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.Deliver(`{"type":"agent_tool_response","audio_event":"x"}`)
	tr.Deliver(`{"type":"vad_score","ping_event":"x"}`)
	tr.Deliver(`{"type":"ping","ping_event":{"event_id":"abc","ping_ms":12.5}}`)
	frames := tr.WaitForWrites(2, waitTimeout)
	if len(frames) != 2 {
		t.Fatalf("expected pong, got %d frames", len(frames))
	}
	if got := string(frames[1].Data); got != `{"type":"pong","event_id":"abc"}` {
		t.Errorf("pong = %s", got)
	}

	waitFor(t, "ping counted", func() bool { return h.s.Stats().Metrics.PingsAnswered == 1 })

	m := h.s.Stats().Metrics
	if m.MalformedFrames != 0 {
		t.Errorf("MalformedFrames = %d, want 0", m.MalformedFrames)
	}
	if m.ProtocolAnomalies != 2 {
		t.Errorf("ProtocolAnomalies = %d, want 2", m.ProtocolAnomalies)
	}
}

func TestSession_NoPongWhenIdle(t *testing.T) {
	h := newHarness(t)

	err := h.s.call(func() {
		h.s.answerPing(&protocol.Ping{EventID: json.RawMessage(`"abc"`)})
	})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got := h.s.Stats().Metrics.PingsAnswered; got != 0 {
		t.Errorf("PingsAnswered = %d, want 0", got)
	}
}

func TestSession_StopWhileCapturing(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	waitFor(t, "microphone", h.s.MicrophoneActive)

	samples := make([]float32, 160)
	for i := range samples {
		samples[i] = 0.25
	}
	if !h.src.Push(samples) {
		t.Fatal("push failed")
	}
	waitFor(t, "audio chunk", func() bool {
		return len(framesOfType(t, tr.Written(), string(protocol.TypeUserAudioChunk))) == 1
	})

	if err := h.s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if h.src.Running() {
		t.Error("microphone still running after Stop")
	}
	if h.sink.Running() {
		t.Error("speaker still running after Stop")
	}
	if !tr.Closed() {
		t.Error("transport not closed after Stop")
	}
	if h.s.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", h.s.Status())
	}
	if h.s.MicrophoneActive() {
		t.Error("MicrophoneActive should be false")
	}
	h.rec.waitEntry(t, NoticeClosed)

	written := len(tr.Written())
	if err := h.s.SendText("anyone there?"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendText error = %v, want ErrNotConnected", err)
	}
	e := h.rec.waitEntry(t, NoticeNotConnected)
	if e.Kind != KindNotice {
		t.Errorf("not-connected entry kind = %s", e.Kind)
	}
	if got := len(tr.Written()); got != written {
		t.Errorf("SendText after Stop wrote %d frames", got-written)
	}

	// idempotent
	if err := h.s.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestSession_MalformedFrameSkipped(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.Deliver(`{"type":`)
	tr.Deliver(`[1,2,3]`)
	tr.Deliver(`{"type":"agent_response","agent_response":42}`)
	tr.DeliverBinary([]byte{1, 2, 3})
	tr.Deliver(`{"type":"agent_response","agent_response_event":{"agent_response":"still here"}}`)

	h.rec.waitEntry(t, "still here")

	m := h.s.Stats().Metrics
	if m.MalformedFrames != 4 {
		t.Errorf("MalformedFrames = %d, want 4", m.MalformedFrames)
	}
	if h.s.Status() != StatusConnected {
		t.Errorf("status = %s, want connected", h.s.Status())
	}
	if h.rec.errorCount() != 0 {
		t.Error("malformed frames should not be reported as errors")
	}
}

func TestSession_TranscriptEntries(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.Deliver(`{"type":"conversation_initiation_response","conversation_initiation_response":{}}`)
	ack := h.rec.waitEntry(t, protocol.DefaultAckText)
	if ack.Role != RoleAgent || ack.Kind != KindMessage {
		t.Errorf("ack entry = %+v", ack)
	}

	tr.Deliver(`{"type":"agent_response","agent_response_event":{"agent_response":""}}`)
	tr.Deliver(`{"type":"user_transcript","user_transcription_event":{"user_transcript":"what time is it"}}`)
	user := h.rec.waitEntry(t, "what time is it")
	if user.Role != RoleUser {
		t.Errorf("user transcript role = %s", user.Role)
	}

	tr.Deliver(`{"type":"interruption","interruption_event":{"event_id":3}}`)
	tr.Deliver(`{"type":"agent_response","agent_response":"noon"}`)
	h.rec.waitEntry(t, "noon")

	for _, e := range h.rec.allEntries() {
		if e.Text == "" {
			t.Error("empty agent text should not produce an entry")
		}
	}
	if got := h.s.Stats().Metrics.ProtocolAnomalies; got != 1 {
		t.Errorf("ProtocolAnomalies = %d, want 1", got)
	}
}

func TestSession_SendText(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	if err := h.s.SendText("hello"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	frames := tr.WaitForWrites(2, waitTimeout)
	if got := string(frames[1].Data); got != `{"type":"user_input_text","text":"hello"}` {
		t.Errorf("frame = %s", got)
	}
	e := h.rec.waitEntry(t, "hello")
	if e.Role != RoleUser || e.Kind != KindMessage {
		t.Errorf("entry = %+v", e)
	}
}

func TestSession_AgentAudio(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	waitFor(t, "speaker", func() bool { return h.s.Stats().Playback != nil })

	var amps atomic.Int64
	h.s.OnAmplitude(func(a float64) {
		if a > 0 {
			amps.Add(1)
		}
	})

	samples := make([]int16, 4000)
	for i := range samples {
		samples[i] = 16000
		if i%2 == 1 {
			samples[i] = -16000
		}
	}
	tr.Deliver(`{"type":"audio","audio_event":{"audio_base_64":"` + audioio.EncodeBase64(samples) + `","event_id":1}}`)
	tr.DeliverBinary(audioio.EncodePCM16(samples))

	waitFor(t, "blocks played", func() bool { return len(h.sink.Blocks()) == 2 })
	if amps.Load() == 0 {
		t.Error("expected a positive amplitude")
	}

	st := h.s.Stats()
	if st.Playback.Blocks != 2 {
		t.Errorf("scheduled blocks = %d, want 2", st.Playback.Blocks)
	}
	if st.Metrics.AudioBytesReceived != 16000 {
		t.Errorf("AudioBytesReceived = %d, want 16000", st.Metrics.AudioBytesReceived)
	}

	// decays once the scheduled audio has played out
	waitFor(t, "amplitude decay", func() bool { return h.s.Amplitude() == 0 })
}

func TestSession_EmptyAudioSkipped(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	waitFor(t, "speaker", func() bool { return h.s.Stats().Playback != nil })

	tr.Deliver(`{"type":"audio","audio_event":{}}`)
	tr.Deliver(`{"type":"agent_response","agent_response":"done"}`)
	h.rec.waitEntry(t, "done")

	if got := len(h.sink.Blocks()); got != 0 {
		t.Errorf("empty audio produced %d blocks", got)
	}
}

func TestSession_ConfigurationError(t *testing.T) {
	h := newHarness(t, WithURL(""))

	err := h.s.Start(context.Background())
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Start error = %v, want ErrNotConfigured", err)
	}
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "url" {
		t.Errorf("expected ConfigurationError on url, got %v", err)
	}

	if reported := h.rec.waitError(t); !errors.Is(reported, ErrNotConfigured) {
		t.Errorf("reported error = %v", reported)
	}
	if h.s.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", h.s.Status())
	}
	if len(h.dialer.Dials()) != 0 {
		t.Error("no dial should be attempted")
	}
	if h.s.LastError() == nil {
		t.Error("LastError not recorded")
	}
}

func TestSession_AlreadyActive(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	if err := h.s.Start(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second Start error = %v, want ErrAlreadyActive", err)
	}
}

func TestSession_MicrophoneFailure(t *testing.T) {
	failing := audioio.NewMockSource(testAudioConfig(), nil, audioio.WithStartError(errors.New("device busy")))
	h := newHarness(t, WithSourceFactory(func(audioio.Config, *slog.Logger) (audioio.Source, error) {
		return failing, nil
	}))
	h.connect(t)

	err := h.rec.waitError(t)
	var devErr *DeviceAcquisitionError
	if !errors.As(err, &devErr) || devErr.Device != deviceMicrophone {
		t.Fatalf("expected microphone DeviceAcquisitionError, got %v", err)
	}
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Error("device error should match ErrDeviceUnavailable")
	}
	h.rec.waitEntry(t, userMessage(err))

	if h.s.Status() != StatusConnected {
		t.Errorf("status = %s, want connected", h.s.Status())
	}
	if h.s.MicrophoneActive() {
		t.Error("microphone should not be active")
	}
}

func TestSession_SpeakerFailure(t *testing.T) {
	h := newHarness(t)
	h.sink.FailStart(errors.New("no output"))
	tr := h.connect(t)

	err := h.rec.waitError(t)
	var devErr *DeviceAcquisitionError
	if !errors.As(err, &devErr) || devErr.Device != deviceSpeaker {
		t.Fatalf("expected speaker DeviceAcquisitionError, got %v", err)
	}

	// microphone still opens and audio still drives the amplitude
	waitFor(t, "microphone", h.s.MicrophoneActive)
	tr.DeliverBinary(audioio.EncodePCM16([]int16{20000, -20000, 20000, -20000}))
	waitFor(t, "amplitude", func() bool { return h.s.Amplitude() > 0 })
}

func TestSession_TransportErrorSettlesIdle(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	waitFor(t, "microphone", h.s.MicrophoneActive)

	tr.Fail(errors.New("connection reset"))

	err := h.rec.waitError(t)
	var tErr *TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	h.rec.waitStatus(t, StatusError)
	h.rec.waitStatus(t, StatusIdle)
	h.rec.waitEntry(t, NoticeClosed)

	if !tr.Closed() {
		t.Error("transport not closed")
	}
	if h.src.Running() {
		t.Error("microphone not released")
	}
}

func TestSession_DialFailure(t *testing.T) {
	h := newHarness(t)
	h.dialer.Err = newHandshakeError(403, errors.New("bad handshake"))

	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.rec.waitStatus(t, StatusError)
	h.rec.waitStatus(t, StatusIdle)

	var tErr *TransportError
	if err := h.rec.waitError(t); !errors.As(err, &tErr) || tErr.StatusCode != 403 {
		t.Errorf("error = %v, want handshake rejection with status 403", err)
	}
	for _, e := range h.rec.allEntries() {
		if e.Text == NoticeClosed {
			t.Error("closed notice without a live connection")
		}
	}
}

func TestSession_RemoteClose(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.CloseRemote()
	h.rec.waitEntry(t, NoticeClosed)
	h.rec.waitStatus(t, StatusIdle)

	if h.rec.errorCount() != 0 {
		t.Error("normal close should not report an error")
	}
	for _, st := range h.rec.allStatuses() {
		if st == StatusError {
			t.Error("normal close should not pass through error")
		}
	}
}

func TestSession_StopWhileConnecting(t *testing.T) {
	h := newHarness(t)
	h.dialer.DialFunc = func(ctx context.Context, _ string, _ http.Header) (Transport, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if h.s.Status() != StatusConnecting {
		t.Fatalf("status = %s, want connecting", h.s.Status())
	}
	if err := h.s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.s.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", h.s.Status())
	}

	// the cancelled dial must not surface as an error
	time.Sleep(20 * time.Millisecond)
	if h.rec.errorCount() != 0 {
		t.Errorf("unexpected errors: %d", h.rec.errorCount())
	}

	if err := h.s.Start(context.Background()); err != nil {
		t.Errorf("restart failed: %v", err)
	}
}

func TestSession_StaleTransportReleased(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	late := NewMockTransport()
	h.dialer.DialFunc = func(context.Context, string, http.Header) (Transport, error) {
		<-release
		return late, nil
	}

	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	close(release)

	waitFor(t, "late transport closed", late.Closed)
	if h.s.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", h.s.Status())
	}
}

func TestSession_Close(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	if err := h.s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !tr.Closed() {
		t.Error("transport not closed")
	}
	if err := h.s.Start(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Start after Close = %v, want ErrSessionClosed", err)
	}
	if err := h.s.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestSession_IndependentSessions(t *testing.T) {
	a := newHarness(t, WithoutCapture(), WithoutPlayback())
	b := newHarness(t, WithoutCapture(), WithoutPlayback())

	trA := a.connect(t)
	b.connect(t)

	trA.CloseRemote()
	a.rec.waitStatus(t, StatusIdle)

	if b.s.Status() != StatusConnected {
		t.Errorf("second session status = %s, want connected", b.s.Status())
	}
	if a.s.ID() == b.s.ID() {
		t.Error("sessions share an ID")
	}
}
