// Command voicelink-console runs a voice session against a platform agent
// from the terminal: default microphone in, default speaker out, a live
// band meter and a rolling transcript.
//
// Usage:
//
//	voicelink-console -agent <agent-id> [-workspace <id>] [-backend <url>]
//
// Reads VOICELINK_API_KEY (and optionally VOICELINK_BACKEND_URL) from the
// environment or a .env file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aurelio-ai/voicelink/pkg/backend"
	"github.com/aurelio-ai/voicelink/pkg/core/audio"
	"github.com/aurelio-ai/voicelink/pkg/core/session"
	coresignal "github.com/aurelio-ai/voicelink/pkg/core/signal"
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	_ = godotenv.Load()

	var (
		agentID    = flag.String("agent", "", "agent id (required)")
		workspace  = flag.String("workspace", session.AdminWorkspace, "workspace id, or 'admin'")
		backendURL = flag.String("backend", strings.TrimSpace(os.Getenv("VOICELINK_BACKEND_URL")), "platform backend base URL")
		apiKey     = flag.String("api-key", strings.TrimSpace(os.Getenv("VOICELINK_API_KEY")), "platform API key (also VOICELINK_API_KEY)")
		noSpeaker  = flag.Bool("no-speaker", false, "disable playback, meter only")
		debug      = flag.Bool("debug", false, "verbose debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *agentID == "" {
		fmt.Fprintln(os.Stderr, "missing -agent")
		flag.Usage()
		return 2
	}
	if *backendURL == "" {
		fmt.Fprintln(os.Stderr, "missing -backend (or VOICELINK_BACKEND_URL)")
		return 2
	}
	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "missing -api-key (or VOICELINK_API_KEY)")
		return 2
	}

	config := session.DefaultConfig()
	config.Backend = backend.NewClient(*backendURL, *apiKey)
	config.Workspace = *workspace
	config.Debug = *debug
	config.OpenMic = func(ctx context.Context) (audio.Capture, error) {
		return openMicrophone(ctx)
	}
	if !*noSpeaker {
		config.OpenSink = func() (coresignal.AudioSink, error) {
			return openSpeaker()
		}
	}

	controller, err := session.NewController(config)
	if err != nil {
		logger.Error("controller setup failed", "error", err)
		return 1
	}
	defer controller.Close()

	if err := controller.Start(*agentID); err != nil {
		logger.Error("start failed", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	render := newRenderer(os.Stdout)
	for {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stdout)
			logger.Info("stopping")
			controller.Stop()

		case ev, ok := <-controller.Events():
			if !ok {
				return 0
			}
			switch e := ev.(type) {
			case *session.StateChangedEvent:
				logger.Debug("state", "from", e.From.String(), "to", e.To.String())

			case *session.SessionStartedEvent:
				logger.Info("session started", "session", e.SessionID, "agent", e.AgentID)

			case *session.TranscriptUpdatedEvent:
				render.transcript(e.Entries)

			case *session.AudioLevelEvent:
				render.meter(e.Bands)

			case *session.DurationEvent:
				render.duration(e.Elapsed)

			case *session.ToolInvokedEvent:
				logger.Info("tool invoked", "call", e.CallID, "name", e.Name)

			case *session.ToolCompletedEvent:
				logger.Info("tool completed", "call", e.CallID, "error", e.IsError, "action", e.Action)

			case *session.ErrorEvent:
				logger.Error("session error", "error", e.Err, "fatal", e.Fatal)
				fmt.Fprintln(os.Stdout, e.UserMessage)

			case *session.SessionEndedEvent:
				logger.Info("session ended",
					"reason", e.Reason,
					"duration", (time.Duration(e.Duration) * time.Second).String(),
					"saved", e.Saved)
				return 0

			case *session.DebugEvent:
				logger.Debug(e.Message, "category", e.Category)
			}
		}
	}
}
