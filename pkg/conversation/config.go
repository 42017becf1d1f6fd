package conversation

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/teslashibe/go-talkinghead/pkg/audioio"
	"github.com/teslashibe/go-talkinghead/pkg/protocol"
)

// SourceFactory opens a capture source.
type SourceFactory func(cfg audioio.Config, logger *slog.Logger) (audioio.Source, error)

// SinkFactory opens a playback sink.
type SinkFactory func(cfg audioio.Config, logger *slog.Logger) (audioio.Sink, error)

// Config holds configuration for a conversation session.
type Config struct {
	// URL is the agent WebSocket endpoint (ws, wss, http or https).
	URL string

	// AgentID is added to the URL as agent_id unless already present, and
	// sent in the initiation message.
	AgentID string

	// APIKey is passed through as the xi-api-key header when set.
	APIKey string

	// Overrides are optional per-conversation settings.
	Overrides protocol.InitOverrides

	// Timeout is the connection (handshake) timeout.
	Timeout time.Duration

	// ReadTimeout is the timeout for reading messages.
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for writing messages.
	WriteTimeout time.Duration

	// AmplitudeInterval is how often the amplitude signal is refreshed.
	AmplitudeInterval time.Duration

	// Capture configures the microphone.
	Capture audioio.Config

	// Playback configures the speaker.
	Playback audioio.Config

	// EnableCapture opens the microphone on connect.
	EnableCapture bool

	// EnablePlayback opens the speaker on connect.
	EnablePlayback bool

	// Dialer opens the transport. Default: a gorilla/websocket dialer.
	Dialer Dialer

	// NewSource opens capture sources. Default: audioio.NewSource.
	NewSource SourceFactory

	// NewSink opens playback sinks. Default: audioio.NewSink.
	NewSink SinkFactory

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:           15 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      10 * time.Second,
		AmplitudeInterval: 33 * time.Millisecond,
		Capture:           audioio.DefaultCaptureConfig(),
		Playback:          audioio.DefaultPlaybackConfig(),
		EnableCapture:     true,
		EnablePlayback:    true,
		NewSource:         audioio.NewSource,
		NewSink:           audioio.NewSink,
		Logger:            slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration for required fields. Errors are
// *ConfigurationError.
func (c *Config) Validate() error {
	_, err := c.endpoint()
	return err
}

// endpoint resolves the dial URL with agent_id filled in.
func (c *Config) endpoint() (string, error) {
	if strings.TrimSpace(c.URL) == "" {
		return "", &ConfigurationError{Field: "url", Reason: "agent endpoint is not set"}
	}

	u, err := url.Parse(strings.TrimSpace(c.URL))
	if err != nil {
		return "", &ConfigurationError{Field: "url", Reason: "cannot parse agent endpoint", Cause: err}
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", &ConfigurationError{Field: "url", Reason: "agent endpoint must be a ws:// or wss:// URL"}
	}
	if u.Host == "" {
		return "", &ConfigurationError{Field: "url", Reason: "agent endpoint has no host"}
	}

	if c.AgentID != "" {
		q := u.Query()
		if q.Get("agent_id") == "" {
			q.Set("agent_id", c.AgentID)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

// Option is a functional option for configuring sessions.
type Option func(*Config)

// WithURL sets the agent endpoint.
func WithURL(u string) Option {
	return func(c *Config) {
		c.URL = u
	}
}

// WithAgentID sets the agent identifier.
func WithAgentID(id string) Option {
	return func(c *Config) {
		c.AgentID = id
	}
}

// WithAPIKey sets the API key header value.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithVoiceID overrides the agent voice.
func WithVoiceID(id string) Option {
	return func(c *Config) {
		c.Overrides.VoiceID = id
	}
}

// WithFirstMessage sets the first message the agent will say.
// If empty, the agent's own configuration decides.
func WithFirstMessage(msg string) Option {
	return func(c *Config) {
		c.Overrides.FirstMessage = msg
	}
}

// WithLanguage overrides the conversation language.
func WithLanguage(lang string) Option {
	return func(c *Config) {
		c.Overrides.Language = lang
	}
}

// WithSystemPrompt overrides the agent prompt.
func WithSystemPrompt(prompt string) Option {
	return func(c *Config) {
		c.Overrides.Prompt = prompt
	}
}

// WithTimeout sets the connection timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithAmplitudeInterval sets the amplitude refresh period.
func WithAmplitudeInterval(d time.Duration) Option {
	return func(c *Config) {
		c.AmplitudeInterval = d
	}
}

// WithCapture sets the microphone configuration.
func WithCapture(cfg audioio.Config) Option {
	return func(c *Config) {
		c.Capture = cfg
	}
}

// WithPlayback sets the speaker configuration.
func WithPlayback(cfg audioio.Config) Option {
	return func(c *Config) {
		c.Playback = cfg
	}
}

// WithAudioBackend selects the backend for both microphone and speaker.
func WithAudioBackend(b audioio.Backend) Option {
	return func(c *Config) {
		c.Capture.Backend = b
		c.Playback.Backend = b
	}
}

// WithoutCapture keeps the microphone closed.
func WithoutCapture() Option {
	return func(c *Config) {
		c.EnableCapture = false
	}
}

// WithoutPlayback keeps the speaker closed.
func WithoutPlayback() Option {
	return func(c *Config) {
		c.EnablePlayback = false
	}
}

// WithDialer replaces the transport dialer.
func WithDialer(d Dialer) Option {
	return func(c *Config) {
		c.Dialer = d
	}
}

// WithSourceFactory replaces how capture sources are opened.
func WithSourceFactory(f SourceFactory) Option {
	return func(c *Config) {
		c.NewSource = f
	}
}

// WithSinkFactory replaces how playback sinks are opened.
func WithSinkFactory(f SinkFactory) Option {
	return func(c *Config) {
		c.NewSink = f
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
