package audioio

import (
	"log/slog"
	"testing"
	"time"
)

func TestPulseSink_NowTrailsLatency(t *testing.T) {
	cfg := DefaultPlaybackConfig()
	cfg.SampleRate = 16000
	sink, err := newPulseSink(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("newPulseSink() error = %v", err)
	}
	s := sink.(*PulseSink)

	if got := s.Now(); got != 0 {
		t.Errorf("Now() before playback = %v, want 0", got)
	}

	// 50ms pulled is still inside the server buffer
	s.queue.pull(make([]int16, 800))
	if got := s.Now(); got != 0 {
		t.Errorf("Now() after 50ms pulled = %v, want 0", got)
	}

	s.queue.pull(make([]int16, 15200))
	if got, want := s.Now(), time.Second-pulsePlaybackLatency; got != want {
		t.Errorf("Now() after 1s pulled = %v, want %v", got, want)
	}
}
