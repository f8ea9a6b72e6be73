package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/0xPuncker/mozart-engraver/internal/api"
	"github.com/0xPuncker/mozart-engraver/internal/batch"
	"github.com/0xPuncker/mozart-engraver/internal/config"
	"github.com/0xPuncker/mozart-engraver/internal/cron"
	"github.com/0xPuncker/mozart-engraver/internal/notifications"
	"github.com/0xPuncker/mozart-engraver/internal/results"
	"github.com/0xPuncker/mozart-engraver/internal/watch"
	"github.com/dimiro1/banner"
	"github.com/joho/godotenv"
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
)

const bannerText = `
{{ .Title "Mozart Engraver" "" 0 }}
{{ .AnsiBackground.BrightBlue }}{{ .AnsiColor.White }}
{{ .AnsiReset }}
`

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Printf("No .env or .env.local file found. Using environment variables.\n")
		}
	}

	banner.Init(colorable.NewColorableStdout(), true, true, strings.NewReader(bannerText))

	configPath := flag.String("config", "config/config.json", "path to config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05-07:00",
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warnf("Invalid log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	timings, err := cfg.Timings()
	if err != nil {
		logger.Fatalf("Invalid config: %v", err)
	}

	// Fail early on a broken project; every batch resolves settings again.
	settings, err := cfg.Settings()
	if err != nil {
		logger.Fatalf("Failed to resolve project settings: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"root":    settings.ProjectRoot,
		"export":  settings.ExportDir,
		"library": settings.LibraryRoot,
		"runners": settings.Runners,
		"formats": settings.Formats.Types(),
	}).Info("Project loaded")

	store := results.New(timings.Retention, logger)
	manager := batch.NewManager(cfg.Settings, batch.Deps{
		Results:      store,
		TickInterval: timings.PollInterval,
	}, logger)

	hub := api.NewHub(logger)
	manager.Observe(hub.Observer())

	webhookURL := cfg.Slack.WebhookURL
	if webhookURL == "" {
		webhookURL = os.Getenv("SLACK_WEBHOOK_URL")
	}
	if slack, err := notifications.NewSlackService(webhookURL, logger); err != nil {
		logger.Infof("Slack notifications disabled: %v", err)
	} else {
		service := notifications.NewNotificationService(slack, settings.OverviewName, logger)
		manager.Observe(service.BatchObserver())
		go func() {
			if err := notifications.NewStartupNotifier(manager, service).NotifyStartup(); err != nil {
				logger.Warnf("Failed to send startup notification: %v", err)
			}
		}()
	}

	scheduler := cron.NewScheduler(logger, cfg.Jobs)
	scheduler.RegisterTask(cron.TaskCompileAll, cron.NewCompileTask(manager, logger))
	if err := scheduler.LoadPredefinedJobs(cfg.Jobs.Predefined); err != nil {
		logger.Fatalf("Failed to load predefined jobs: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go hub.Run(ctx)

	if cfg.Watch.Enabled {
		watcher := watch.New(settings.ProjectRoot, timings.Debounce, func(examples []string) error {
			_, err := manager.Start(batch.Options{Examples: examples})
			return err
		}, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Errorf("File watcher stopped: %v", err)
			}
		}()
	}

	handler := api.NewHandler(manager, store, scheduler, hub, logger)
	if err := api.StartServer(ctx, api.NewRouter(handler), cfg.Server.Port, timings.ReadTimeout, timings.WriteTimeout, logger); err != nil {
		logger.Errorf("Server stopped: %v", err)
	}

	logger.Info("Shutting down...")
	scheduler.Stop()

	if manager.Running() {
		if err := manager.Abort(); err != nil && !errors.Is(err, batch.ErrBatchDone) {
			logger.Warnf("Failed to abort running batch: %v", err)
		}
		done := make(chan struct{})
		go func() {
			manager.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			logger.Warn("Running batch did not stop in time")
		}
	}

	logger.Info("Server stopped")
}
