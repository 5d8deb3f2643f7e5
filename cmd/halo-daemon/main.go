package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/lmittmann/tint"
	log "log/slog"

	"halo/internal/alerts"
	"halo/internal/audio"
	"halo/internal/backend"
	"halo/internal/capture"
	"halo/internal/classifier"
	"halo/internal/config"
	"halo/internal/ipc"
	"halo/internal/notify"
	"halo/internal/overlay"
	"halo/internal/proxy"
	"halo/internal/reflex"
	"halo/internal/tts"
	"halo/internal/tts/espeak"
	"halo/pkg/stt"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func main() {
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	configPath := cli.StringP("config", "c", "halo.yaml", "Config file path")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	proxyAddr := cli.StringP("proxy", "p", "", "Socks proxy address for the inference backend")
	input := cli.StringP("input", "i", "", "Audio file to listen to instead of the microphone")
	autostart := cli.Bool("autostart", false, "Turn the guardian on once a model is ready")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevelMap[*logLevel],
		TimeFormat: time.Kitchen,
	})))

	log.Info("Booting up")

	if err := godotenv.Load(*envFile); err != nil {
		log.Debug("No env file", "path", *envFile)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("Failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.Finalize()
	if err := config.Validate(cfg); err != nil {
		log.Error("Invalid config", "err", err)
		os.Exit(1)
	}

	httpClient, err := proxy.NewHTTPClient(*proxyAddr, cfg.Classifier.Timeout)
	if err != nil {
		log.Error("Failed to dial socks proxy", "proxy", *proxyAddr, "err", err)
		os.Exit(1)
	}

	var llm backend.Backend
	switch cfg.Backend.Kind {
	case config.BackendOpenAI:
		llm = backend.NewOpenAI(cfg.Backend.URL, cfg.Backend.APIKey, httpClient)
	default:
		llm = backend.NewOllama(cfg.Backend.URL, httpClient)
	}
	log.Debug("Loaded backend", "kind", cfg.Backend.Kind, "url", cfg.Backend.URL)

	selector := backend.NewSelector(llm, cfg.Backend.ProbeTimeout)
	candidates := backend.Candidates(cfg.Backend.Models...)

	clf := classifier.New(llm, selector, classifier.Config{
		Threshold:        cfg.Classifier.Threshold,
		Temperature:      cfg.Classifier.Temperature,
		MaxTokens:        cfg.Classifier.MaxTokens,
		Timeout:          cfg.Classifier.Timeout,
		UnavailableAfter: cfg.Classifier.UnavailableAfter,
	})

	whisper, err := stt.NewTranscriber(cfg.Capture.WhisperModel, stt.Options{
		Language: cfg.Capture.Language,
		Threads:  cfg.Capture.Threads,
	})
	if err != nil {
		log.Error("Failed to init whisper", "model", cfg.Capture.WhisperModel, "err", err)
		os.Exit(1)
	}
	defer whisper.Close()

	log.Debug("Loaded whisper")

	var src capture.Source
	if *input != "" {
		src = capture.NewFileSource(*input, true)
		log.Info("Listening to file", "path", *input)
	} else {
		rec := audio.NewRecorder()
		if err := rec.Init(); err != nil {
			log.Error("Failed to init audio", "err", err)
			os.Exit(1)
		}
		defer rec.Close()
		src = rec
	}

	seg := capture.DefaultSegmenterConfig()
	seg.SpeechRMS = cfg.Capture.SpeechRMS
	seg.SilenceRMS = cfg.Capture.SilenceRMS
	seg.MaxUtterance = cfg.Capture.MaxUtterance

	recognizer := capture.NewRecognizer(src, whisper, capture.Config{
		Segmenter:   seg,
		IdleTimeout: cfg.Capture.IdleTimeout,
	})

	speakerCfg := tts.SpeakerConfig{
		Language:   cfg.Speech.Language,
		DuckFactor: cfg.Speech.DuckFactor,
		Fade:       cfg.Speech.Fade,
	}
	if cfg.Speech.Chime != "" {
		speakerCfg.Cue = notify.NewChime(cfg.Speech.Chime)
	}
	if cfg.Speech.Duck {
		speakerCfg.Ducker = audio.NewDucker([]string{"halo", "espeak"}, 0)
	}
	if cfg.Speech.Notify {
		speakerCfg.Notifier = notify.Desktop{AppName: "halo"}
	}
	speaker := tts.NewSpeaker(espeak.New(), speakerCfg)

	status := reflex.StatusSinks{reflex.LogStatus{}}
	deps := reflex.Deps{
		Capture:    recognizer,
		Classifier: clf,
		Models:     selector,
		Speaker:    speaker,
		Alerts:     alerts.NewLog(cfg.Reflex.AlertCapacity),
	}

	var hub *overlay.Client
	if cfg.Overlay.URL != "" {
		hub = overlay.New(overlay.Config{
			Url:    cfg.Overlay.URL,
			Shard:  cfg.Overlay.Shard,
			Target: cfg.Overlay.Target,
		})
		deps.Overlay = hub
		status = append(status, hub)
	}
	deps.Status = status

	guardian := reflex.New(deps, reflex.Config{
		MinChars:        cfg.Reflex.MinChars,
		ResumeDelay:     cfg.Reflex.ResumeDelay,
		EndRestartDelay: cfg.Reflex.EndRestartDelay,
		ErrorBackoff:    cfg.Reflex.ErrorBackoff,
		Capture: reflex.CaptureOptions{
			Language:   cfg.Capture.Language,
			Interim:    true,
			Continuous: true,
		},
	})
	if hub != nil {
		hub.Bind(guardian)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return guardian.Run(ctx) })

	if hub != nil {
		g.Go(func() error { return hub.Run(ctx) })
	}

	g.Go(func() error {
		st := selector.Select(ctx, candidates)
		if err := st.Err(); err != nil {
			log.Warn("Guardian cannot start until a model is ready", "err", err)
			return nil
		}
		if st.Ready() && *autostart {
			guardian.Toggle()
		}
		return nil
	})

	err = ipc.StartServer(ctx, cfg.Control.Socket, func(msg ipc.ControlMessage) ipc.Reply {
		return control(ctx, msg, guardian, selector, candidates)
	})
	if err != nil {
		log.Error("Failed ipc server", "socket", cfg.Control.Socket, "err", err)
		stop()
	}

	log.Info("Boot up - successful")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Daemon stopped", "err", err)
		os.Exit(1)
	}

	log.Info("Bye")
}

func control(ctx context.Context, msg ipc.ControlMessage, guardian *reflex.Controller, selector *backend.Selector, candidates []backend.Candidate) ipc.Reply {
	switch msg.Cmd {
	case ipc.CmdToggle:
		guardian.Toggle()
		return ipc.Reply{OK: true}
	case ipc.CmdStatus:
		st := guardian.Status()
		return ipc.Reply{OK: true, Status: &st}
	case ipc.CmdAlerts:
		return ipc.Reply{OK: true, Alerts: guardian.Alerts()}
	case ipc.CmdClear:
		guardian.ClearAlerts()
		return ipc.Reply{OK: true}
	case ipc.CmdReselect:
		go selector.Select(ctx, candidates)
		return ipc.Reply{OK: true}
	default:
		log.Warn("Unknown command", "cmd", msg.Cmd)
		return ipc.Errorf("unknown command %q", msg.Cmd)
	}
}
