package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gerrit-slack-notifier/internal/config"
	"gerrit-slack-notifier/internal/handlers"
	"gerrit-slack-notifier/internal/log"
	"gerrit-slack-notifier/internal/middleware"
	"gerrit-slack-notifier/internal/scheduler"
	"gerrit-slack-notifier/internal/services"
	"gerrit-slack-notifier/internal/ui"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/slack-go/slack"
)

const (
	listenerMinBackoff = time.Second
	listenerMaxBackoff = time.Minute
)

// App represents the main application structure with all services and handlers.
type App struct {
	config         *config.Config
	store          services.Store
	slackService   *services.SlackService
	gerritService  *services.GerritService
	scheduler      *scheduler.Scheduler
	summaryJob     *handlers.SummaryJob
	cloudTasks     *services.CloudTasksService
	eventListener  *handlers.EventListener
	controlHandler *handlers.ControlHandler
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to read .env file: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log.Setup(os.Stdout, cfg.LogLevel, cfg.GinMode == gin.ReleaseMode)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		log.Error(ctx, "Failed to start", "component", "startup", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := app.store.Close(); err != nil {
			log.Error(context.Background(), "Error closing store", "component", "shutdown", "error", err)
		}
	}()

	if err := app.run(ctx); err != nil {
		log.Error(context.Background(), "Server forced to shutdown", "component", "server", "error", err)
		os.Exit(1)
	}
	log.Info(context.Background(), "Server exited gracefully", "component", "server")
}

func newApp(ctx context.Context, cfg *config.Config) (*App, error) {
	locale, err := ui.LookupLocale(cfg.Locale)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	store, err := services.OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	slackService := services.NewSlackService(slack.New(cfg.ChatAPIToken), cfg.SlackRateLimit)
	gerritService := services.NewGerritService(cfg.ReviewServerURL, &http.Client{Timeout: cfg.GerritTimeout})
	builder := ui.NewSummaryBuilder(locale)

	summaryJob := handlers.NewSummaryJob(store, gerritService, slackService, builder)

	var cloudTasks *services.CloudTasksService
	trigger := summaryJob.Trigger
	if cfg.CloudTasksQueue != "" {
		cloudTasks, err = services.NewCloudTasksService(ctx, services.CloudTasksConfig{
			ProjectID:      cfg.CloudTasksProjectID,
			Location:       cfg.CloudTasksLocation,
			QueueName:      cfg.CloudTasksQueue,
			ServiceURL:     cfg.ServiceURL,
			ServiceAccount: cfg.ControlOIDCServiceAccount,
			Audience:       cfg.ControlOIDCAudience,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		trigger = cloudTasks.Trigger
		log.Info(ctx, "Scheduled runs dispatched through Cloud Tasks", "queue", cfg.CloudTasksQueue)
	}

	sched := scheduler.New(store, trigger, scheduler.Options{
		Tick:     cfg.TickInterval,
		Location: loc,
	})

	return &App{
		config:        cfg,
		store:         store,
		slackService:  slackService,
		gerritService: gerritService,
		scheduler:     sched,
		summaryJob:    summaryJob,
		cloudTasks:    cloudTasks,
		eventListener: handlers.NewEventListener(store, slackService, builder, handlers.ListenerOptions{
			ReviewServerURL: cfg.ReviewServerURL,
			BotUserID:       cfg.BotUserID,
			Emoji:           cfg.Emoji,
		}),
		controlHandler: handlers.NewControlHandler(sched, store, summaryJob, services.NewValidationService(slackService, cfg.DefaultChannel)),
	}, nil
}

// run serves until ctx is cancelled, then shuts everything down.
func (app *App) run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.scheduler.Run(ctx); err != nil {
			log.Error(ctx, "Scheduler stopped", "component", "scheduler", "error", err)
		}
	}()

	stopSignals := handleControlSignals(ctx, app.scheduler)
	defer stopSignals()

	if app.config.EnableListener {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.runListener(ctx)
		}()
	} else {
		log.Info(ctx, "Slack event listener disabled")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.LoggingMiddleware())
	router.GET("/health", handlers.Health)
	control := router.Group("/control", middleware.ControlAuthMiddleware(middleware.ControlAuth{
		APIKey:             app.config.ControlAPIKey,
		OIDCAudience:       app.config.ControlOIDCAudience,
		OIDCServiceAccount: app.config.ControlOIDCServiceAccount,
	}))
	app.controlHandler.RegisterRoutes(control)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", app.config.Port),
		Handler:      router,
		ReadTimeout:  app.config.ServerReadTimeout,
		WriteTimeout: app.config.ServerWriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "Starting server", "component", "server", "port", app.config.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info(context.Background(), "Shutting down server...", "component", "server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.ServerShutdownTimeout)
	defer cancel()

	err := server.Shutdown(shutdownCtx)
	wg.Wait()
	app.eventListener.Wait()
	app.summaryJob.Wait()
	if app.cloudTasks != nil {
		if closeErr := app.cloudTasks.Close(); closeErr != nil {
			log.Error(context.Background(), "Error closing Cloud Tasks client", "component", "shutdown", "error", closeErr)
		}
	}
	return err
}

// runListener keeps an RTM session open, reconnecting with backoff after errors and goodbyes.
func (app *App) runListener(ctx context.Context) {
	ctx = log.WithFields(ctx, log.LogFields{"component": "listener"})
	backoff := listenerMinBackoff

	for {
		stream, err := app.slackService.ConnectRTM(ctx)
		if err == nil {
			backoff = listenerMinBackoff
			err = app.eventListener.Listen(ctx, stream)
			_ = stream.Close()
		}
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			log.Warn(ctx, "Slack event stream failed, reconnecting", "error", err, "backoff", backoff.String())
		} else {
			log.Info(ctx, "Reconnecting to Slack event stream")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, listenerMaxBackoff)
	}
}
