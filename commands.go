package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/mymmrac/telego"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"

	"reposter/internal/app"
	"reposter/internal/config"
	"reposter/internal/database"
	"reposter/internal/locales"
	"reposter/internal/metrics"
	"reposter/internal/models"
	"reposter/pkg/telegoapi"
)

var (
	rootCmd = &cobra.Command{
		Use:           "reposter",
		Short:         "Repost VK community posts to Telegram channels and Boosty blogs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the bindings on a schedule until interrupted",
		RunE:  runScheduler,
	}

	onceCmd = &cobra.Command{
		Use:   "once",
		Short: "Run every binding once and exit",
		RunE:  runOnce,
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Probe every component and report its status",
		RunE:  runHealth,
	}
)

func init() {
	rootCmd.AddCommand(runCmd, onceCmd, healthCmd)
}

// service holds what a command needs besides the App itself.
type service struct {
	cfg     *config.Config
	app     *app.App
	metrics *metrics.Metrics
	mongo   *mongo.Client
}

func (r *service) close() {
	r.app.Shutdown()
	if r.mongo == nil {
		return
	}
	if err := r.mongo.Disconnect(context.Background()); err != nil {
		log.Printf("Error disconnecting from MongoDB: %v", err)
		sentry.CaptureException(err)
	} else {
		log.Println("Disconnected from MongoDB.")
	}
}

// setup loads configuration, initializes localization and Sentry, and
// builds the application. The caller must flush Sentry and close the
// service.
func setup(ctx context.Context) (*service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	if err := locales.Init(cfg.App.Language); err != nil {
		return nil, fmt.Errorf("init locales: %w", err)
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.AppEnv,
		Release:          cfg.Version,
		EnableTracing:    true,
		TracesSampleRate: 1.0,
		Debug:            cfg.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry.Init: %w", err)
	}

	rt := &service{cfg: cfg, metrics: metrics.New(prometheus.DefaultRegisterer)}

	var postLog database.PostLogger
	if cfg.MongoDBURI != "" {
		client, db, err := database.ConnectDB(ctx, cfg.MongoDBURI, cfg.MongoDBDatabase)
		if err != nil {
			sentry.CaptureException(err)
			return nil, err
		}
		rt.mongo = client
		postLog = database.NewMongoPostLogger(db)
	} else {
		log.Println("Warning: MONGODB_URI is not set. Delivery log disabled.")
	}

	var bot telegoapi.BotAPI
	if cfg.BotToken != "" {
		var tb *telego.Bot
		if cfg.Debug {
			tb, err = telego.NewBot(cfg.BotToken, telego.WithDefaultDebugLogger())
		} else {
			tb, err = telego.NewBot(cfg.BotToken, telego.WithDefaultLogger(false, false))
		}
		if err != nil {
			sentry.CaptureException(err)
			rt.closeMongo()
			return nil, fmt.Errorf("failed to create telego bot: %w", err)
		}
		bot = tb
	}

	rt.app, err = app.Build(cfg, bot, postLog, rt.metrics)
	if err != nil {
		rt.closeMongo()
		return nil, err
	}
	return rt, nil
}

func (r *service) closeMongo() {
	if r.mongo != nil {
		_ = r.mongo.Disconnect(context.Background())
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runScheduler(_ *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer sentry.Flush(2 * time.Second)
	defer rt.close()

	if addr := rt.cfg.App.MetricsAddr; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, prometheus.DefaultGatherer); err != nil {
				log.Printf("[Metrics] Server stopped: %v", err)
				sentry.CaptureException(err)
			}
		}()
	}

	go func() {
		err := config.Watch(ctx, rt.cfg.ConfigPath, func(s *config.Settings) {
			_ = rt.app.Reload(s)
		})
		if err != nil {
			log.Printf("[Config] Hot reload disabled: %v", err)
		}
	}()

	log.Printf("Reposter started with %d binding(s)", len(rt.cfg.Bindings))
	return rt.app.Run(ctx)
}

func runOnce(_ *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer sentry.Flush(2 * time.Second)
	defer rt.close()

	err = rt.app.RunOnce(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runHealth(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer sentry.Flush(2 * time.Second)
	defer rt.close()

	statuses, err := rt.app.Health(ctx)
	out := cmd.OutOrStdout()
	for _, s := range statuses {
		mark := "OK  "
		if s.Status != models.HealthOK {
			mark = "FAIL"
		}
		fmt.Fprintf(out, "%s %-10s %s\n", mark, s.Name, s.Message)
	}
	return err
}
