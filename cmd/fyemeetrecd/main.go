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

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/bus"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/capture"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/media"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/natsserver"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/retry"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/runtime"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/session"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/storage"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/store"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/transcribe"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/upload"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "fyemeetrec.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	// Local overrides for credentials; missing file is fine.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Telemetry.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	var busClient *bus.Client
	if cfg.Bus.Enabled {
		embedded, err := natsserver.Start(cfg.Bus, logger)
		if err != nil {
			logger.Error("failed to start embedded NATS", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer embedded.Shutdown()

		busClient, err = bus.Connect(ctx, cfg.Bus, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer busClient.Close()
	}

	objects, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("failed to init object storage", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tools := media.NewFFTools()
	webhook := upload.NewWebhook(cfg.Webhook, logger)
	uploads := upload.NewRunner(st, objects, tools, webhook, busClient, cfg.Storage, logger)
	defer uploads.Wait()

	scheduler := retry.NewScheduler(st, uploads, cfg.Retry, logger)
	scheduler.Start()
	defer scheduler.Stop()

	recognizer, err := transcribe.NewRecognizer(cfg.STT)
	if err != nil {
		logger.Error("failed to init recognizer", slog.String("error", err.Error()))
		os.Exit(1)
	}
	var shared []transcribe.Sink
	if cfg.LiveFeed.URL != "" {
		shared = append(shared, transcribe.NewHTTPSink(cfg.LiveFeed))
	}
	if busClient != nil {
		shared = append(shared, transcribe.NewBusSink(busClient))
	}
	pipeline := transcribe.NewPipeline(cfg.Recorder, cfg.Audio, recognizer, shared, logger)

	recorder := capture.NewRunner(cfg.Recorder, logger)
	sessions := session.NewController(cfg.Recorder, st, recorder, pipeline, tools, uploads, busClient, logger)
	defer sessions.Close()

	rt := runtime.New(cfg, sessions, scheduler, st, logger)
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
