// Command rectoc-interview runs a voice interview, onboarding, or chat
// session from the terminal: microphone in, synthesized speech out, live
// transcript and stage progress printed as the conversation moves.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nexushq/rectoc/pkg/coach"
	"github.com/nexushq/rectoc/pkg/realtime/protocol"
	"github.com/nexushq/rectoc/pkg/realtime/session"
	"github.com/nexushq/rectoc/pkg/realtime/token"
	"github.com/nexushq/rectoc/pkg/realtime/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	var (
		gatewayURL = flag.String("gateway", envOr("RECTOC_GATEWAY_URL", "http://localhost:8080"), "rectoc gateway base URL")
		apiKey     = flag.String("api-key", os.Getenv("RECTOC_API_KEY"), "gateway API key")
		realtime   = flag.String("realtime", envOr("RECTOC_REALTIME_URL", "https://api.openai.com/v1/realtime"), "realtime endpoint base URL")
		model      = flag.String("model", envOr("RECTOC_REALTIME_MODEL", "gpt-4o-realtime-preview"), "realtime model")
		mode       = flag.String("mode", "interview", "conversation mode: interview, onboarding, or chat")
		useWS      = flag.Bool("websocket", false, "use the websocket transport instead of webrtc")
		resumePath = flag.String("resume", "", "path to a resume profile JSON file")
		jobPath    = flag.String("job", "", "path to a job posting JSON file")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	resume, err := loadJSON[coach.ResumeProfile](*resumePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rectoc-interview: %v\n", err)
		return 1
	}
	job, err := loadJSON[coach.JobPosting](*jobPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rectoc-interview: %v\n", err)
		return 1
	}

	tokens := token.NewClient(strings.TrimSuffix(*gatewayURL, "/")+"/v1/realtime/token", *apiKey, nil)

	var speaker *transport.Speaker
	var wsTransport *transport.WebSocketTransport
	factory := func() transport.Transport {
		if *useWS {
			wsTransport = transport.NewWebSocketTransport(*realtime, *model)
			return wsTransport
		}
		signaling := transport.NewSignalingClient(*realtime, *model, nil)
		return transport.NewWebRTCTransport(signaling, transport.NewMicrophone())
	}

	var machine interface {
		Start(ctx context.Context) error
		Stop()
		SendMessage(text string) error
		Session() *session.Controller
		OnStageChange(coach.StageHandler) func()
		SetOnClose(func())
		Model() coach.StageModel
	}
	switch *mode {
	case "interview":
		machine = coach.NewInterviewCoach(tokens, factory, resume, job, coach.WithLogger(logger))
	case "onboarding":
		machine = coach.NewOnboardingCoach(tokens, factory, resume, coach.WithLogger(logger))
	case "chat":
		machine = coach.NewChatCoach(tokens, factory, coach.WithLogger(logger))
	default:
		fmt.Fprintf(os.Stderr, "rectoc-interview: unknown mode %q\n", *mode)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	machine.Session().OnMessage(func(m session.Message) {
		if !m.Final {
			return
		}
		who := "you"
		if m.Role == session.RoleAssistant {
			who = "coach"
		}
		fmt.Printf("%s: %s\n", who, coach.StripMarkers(m.Text))
	})
	machine.OnStageChange(func(m coach.StageModel) {
		fmt.Printf("-- %s (%d%%)\n", m.StageTitle, m.Progress)
		if m.Feedback != nil {
			fmt.Printf("-- feedback (%s): %s\n", m.Feedback.Type, m.Feedback.Message)
		}
	})
	machine.Session().OnError(func(msg string) {
		if msg != "" {
			fmt.Fprintf(os.Stderr, "error: %s\n", msg)
		}
	})

	done := make(chan struct{})
	machine.SetOnClose(func() {
		fmt.Println("conversation complete")
		close(done)
	})

	if *useWS {
		// The websocket transport has no media path; pump mic audio as
		// control frames and play returned audio locally.
		speaker, err = transport.NewSpeaker()
		if err != nil {
			fmt.Fprintf(os.Stderr, "rectoc-interview: %v\n", err)
			return 1
		}
		defer speaker.Close()
		machine.Session().OnEvent(func(ev protocol.ServerEvent) {
			if audio, ok := ev.(protocol.AudioDeltaEvent); ok {
				speaker.Write(audio.PCM)
			}
		})
	}

	fmt.Println("connecting...")
	if err := machine.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "rectoc-interview: connect: %v\n", err)
		return 1
	}
	defer machine.Stop()
	fmt.Println("connected. speak, or type a message and press enter. ctrl-c to quit.")

	if *useWS && wsTransport != nil {
		go pumpMicrophone(ctx, wsTransport)
	}

	// Typed input is an alternative to speech in every mode.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			if err := machine.SendMessage(text); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	return 0
}

// pumpMicrophone streams capture frames over the control channel for the
// websocket transport.
func pumpMicrophone(ctx context.Context, tr *transport.WebSocketTransport) {
	mic := transport.NewMicrophone()
	defer mic.Close()
	frames, err := mic.Start(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "microphone: %v\n", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			payload, err := json.Marshal(protocol.NewInputAudioAppend(frame))
			if err != nil {
				continue
			}
			if err := tr.Send(payload); err != nil {
				return
			}
		}
	}
}

func loadJSON[T any](path string) (T, error) {
	var out T
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
