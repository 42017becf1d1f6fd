// Command talkinghead holds a realtime voice conversation with a remote
// agent and serves a dashboard exposing status, transcript and the
// speaking amplitude used to animate a face.
//
// Usage:
//
//	AGENT_WS_URL=wss://api.elevenlabs.io/v1/convai/conversation AGENT_ID=... go run ./cmd/talkinghead/
//
// Flags:
//
//	-list-devices   List capture devices and exit
//	-autostart      Start the conversation immediately
//	-addr           Dashboard listen address (default :8090)
//	-record         Save the agent's voice to a FLAC file
//
// When stdin is a terminal, lines typed on it are sent to the agent. "/start", "/stop" and
// "/quit" control the session.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/teslashibe/go-talkinghead/internal/config"
	"github.com/teslashibe/go-talkinghead/internal/log"
	"github.com/teslashibe/go-talkinghead/pkg/audioio"
	"github.com/teslashibe/go-talkinghead/pkg/conversation"
	"github.com/teslashibe/go-talkinghead/pkg/recording"
	"github.com/teslashibe/go-talkinghead/pkg/web"
)

func main() {
	env := config.Load()

	var (
		agentURL     = flag.String("url", env.AgentURL, "Agent WebSocket URL (or set "+config.EnvAgentURL+")")
		agentID      = flag.String("agent", env.AgentID, "Agent ID (or set "+config.EnvAgentID+")")
		voiceID      = flag.String("voice", env.VoiceID, "Voice override")
		language     = flag.String("language", env.Language, "Language override")
		firstMessage = flag.String("first-message", "", "First message the agent says")
		backend      = flag.String("backend", env.AudioBackend, "Audio backend: auto, malgo, pulse, mock")
		device       = flag.String("device", env.InputDevice, "Capture device ID")
		captureRate  = flag.Int("capture-rate", env.CaptureRate, "Microphone sample rate")
		addr         = flag.String("addr", env.HTTPAddr, "Dashboard listen address")
		staticDir    = flag.String("static", env.StaticDir, "Directory served at / by the dashboard")
		logLevel     = flag.String("log-level", env.LogLevel, "Log level: debug, info, warn, error")
		listDevices  = flag.Bool("list-devices", false, "List capture devices and exit")
		autostart    = flag.Bool("autostart", false, "Start the conversation immediately")
		noMic        = flag.Bool("no-mic", false, "Do not open the microphone")
		noSpeaker    = flag.Bool("no-speaker", false, "Do not open the speaker")
		recordPath   = flag.String("record", "", "Write the agent's audio to this FLAC file")
	)
	flag.Parse()

	log.Init(*logLevel)
	logger := log.Component("main")

	if *listDevices {
		if err := printDevices(audioio.Backend(*backend)); err != nil {
			logger.Error("listing devices failed", "error", err)
			os.Exit(1)
		}
		return
	}

	capture := audioio.DefaultCaptureConfig()
	capture.Backend = audioio.Backend(*backend)
	capture.Device = *device
	capture.SampleRate = *captureRate
	playback := audioio.DefaultPlaybackConfig()
	playback.Backend = audioio.Backend(*backend)

	opts := []conversation.Option{
		conversation.WithURL(*agentURL),
		conversation.WithAgentID(*agentID),
		conversation.WithAPIKey(env.APIKey),
		conversation.WithVoiceID(*voiceID),
		conversation.WithLanguage(*language),
		conversation.WithFirstMessage(*firstMessage),
		conversation.WithTimeout(env.DialTimeout),
		conversation.WithCapture(capture),
		conversation.WithPlayback(playback),
		conversation.WithLogger(log.L()),
	}
	if *noMic {
		opts = append(opts, conversation.WithoutCapture())
	}
	if *noSpeaker {
		opts = append(opts, conversation.WithoutPlayback())
	}

	logger.Info("starting talkinghead",
		"agent_id", *agentID,
		"api_key", config.MaskSecret(env.APIKey),
		"backend", *backend,
		"dashboard", *addr,
	)

	sess := conversation.New(opts...)
	defer sess.Close()

	sess.OnTranscript(func(e conversation.TranscriptEntry) {
		fmt.Printf("[%s] %s\n", e.Role, e.Text)
	})

	var rec *recording.Recorder
	if *recordPath != "" {
		var err error
		if rec, err = recording.Create(*recordPath, audioio.TargetRate); err != nil {
			logger.Error("cannot record", "error", err)
			os.Exit(1)
		}
		sess.OnAudio(func(b audioio.Block) {
			if err := rec.Write(b); err != nil {
				logger.Warn("recording write failed", "error", err)
			}
		})
	}

	var webOpts []web.Option
	webOpts = append(webOpts, web.WithLogger(log.L()))
	if *staticDir != "" {
		webOpts = append(webOpts, web.WithStaticDir(*staticDir))
	}
	dashboard := web.NewServer(*addr, sess, webOpts...)
	dashboard.Watch(sess)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dashboard.Run(ctx)
	})

	if *autostart {
		if err := sess.Start(ctx); err != nil {
			logger.Warn("autostart failed", "error", err)
		}
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		go readCommands(sess, stop)
	}

	err := g.Wait()
	_ = sess.Close()
	if rec != nil {
		if cerr := rec.Close(); cerr != nil {
			logger.Warn("closing recording", "error", cerr)
		}
		logger.Info("recording saved", "path", *recordPath, "duration", rec.Duration())
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// readCommands forwards stdin lines to the session until EOF or /quit.
func readCommands(sess *conversation.Session, quit context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var err error
		switch line {
		case "":
			continue
		case "/quit":
			quit()
			return
		case "/start":
			err = sess.Start(context.Background())
		case "/stop":
			err = sess.Stop()
		default:
			err = sess.SendText(line)
		}
		if err != nil && !errors.Is(err, conversation.ErrNotConnected) {
			log.Warn("command failed", "command", line, "error", err)
		}
	}
}

func printDevices(backend audioio.Backend) error {
	devices, err := audioio.ListCaptureDevices(backend)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no capture devices found")
		return nil
	}
	for _, d := range devices {
		marker := " "
		if d.Default {
			marker = "*"
		}
		fmt.Printf("%s %s\t%s\n", marker, d.ID, d.Name)
	}
	return nil
}
