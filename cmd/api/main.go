package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"lpvalidation/services/analytics/internal/api"
	"lpvalidation/services/analytics/internal/artifacts"
	"lpvalidation/services/analytics/internal/config"
	"lpvalidation/services/analytics/internal/logging"
	"lpvalidation/services/analytics/internal/notify"
	"lpvalidation/services/analytics/internal/queue"
	"lpvalidation/services/analytics/internal/reports"
	"lpvalidation/services/analytics/internal/rollout"
	"lpvalidation/services/analytics/internal/source"
	"lpvalidation/services/analytics/internal/store"
	"lpvalidation/services/analytics/internal/telemetry"
	"lpvalidation/services/analytics/internal/vcs"
)

func main() {
	cfg := config.Load()
	if err := cfg.ApplyFile(os.Getenv("ANALYTICS_CONFIG_FILE")); err != nil {
		panic(err)
	}

	logger, err := logging.New("analytics-api", cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("analytics api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	metrics := telemetry.New()
	metricsSource := buildMetricsSource(cfg, db, logger)
	archive := buildArchive(ctx, cfg, logger)
	defer archive.Close()

	poster := notify.NewPoster(
		notify.WithAuthHeader(cfg.WebhookAuthHeader),
		notify.WithPosterLogger(logger.Named("webhook")),
	)
	renderer := reports.Renderer{FontPath: cfg.ReportPDFFont}

	var mailer notify.MailSender
	if m := notify.NewMailer(notify.MailerConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}); m.Enabled() {
		mailer = m
	}

	deliverer := notify.NewReportDeliverer(notify.DelivererConfig{
		Renderer:   renderer,
		Archive:    archive,
		Mailer:     mailer,
		Poster:     poster,
		WebhookURL: cfg.WebhookURL,
		Logger:     logger.Named("delivery"),
	})

	service := reports.NewService(metricsSource, db,
		reports.WithDeliverer(deliverer),
		reports.WithRenderer(renderer),
		reports.WithLogger(logger.Named("reports")),
		reports.WithMetrics(metrics),
	)

	rolloutQueue, producer := buildRolloutQueue(cfg, logger)
	defer producer.Close()

	automation := buildAutomation(ctx, cfg, poster, metrics, logger)

	handlerOpts := []api.Option{
		api.WithHealthChecker(db),
		api.WithArchive(archive),
		api.WithMetrics(metrics),
		api.WithLogger(logger.Named("http")),
		api.WithAlertNotifier(poster, cfg.WebhookURL, time.Duration(cfg.AlertCooldownMinutes)*time.Minute),
	}
	if influx, ok := metricsSource.(*source.Influx); ok {
		defer influx.Close()
		handlerOpts = append(handlerOpts, api.WithHealthChecker(influx))
	}
	if automation != nil {
		handlerOpts = append(handlerOpts, api.WithRollouts(automation, producer))
	}

	handler := api.NewHandler(service, api.Config{
		CORSAllowedOrigins:      cfg.CORSAllowedOrigins,
		AdminAPIKey:             cfg.AdminAPIKey,
		DownloadTokenSecret:     cfg.DownloadTokenSecret,
		DownloadTokenTTL:        time.Duration(cfg.DownloadTokenTTLSeconds) * time.Second,
		RateLimitRequestsPerSec: cfg.RateLimitRequestsPerSec,
		RateLimitBurst:          cfg.RateLimitBurst,
		RequestTimeout:          time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		AlertDefaults:           cfg.Alerts,
	}, handlerOpts...)

	schedules, err := config.LoadSchedules(cfg.ReportSchedulesFile)
	if err != nil {
		return err
	}
	scheduler, err := startScheduler(ctx, schedulerConfig{
		service:     service,
		schedules:   schedules,
		concurrency: cfg.ScheduleConcurrency,
		alertSweep:  cfg.AlertSweepCron,
		thresholds:  cfg.Alerts,
		poster:      poster,
		webhookURL:  cfg.WebhookURL,
		logger:      logger.Named("scheduler"),
	})
	if err != nil {
		return err
	}
	defer func() { <-scheduler.Stop().Done() }()

	if rolloutQueue != nil && automation != nil {
		worker := rollout.NewWorker(automation, rolloutQueue, logger.Named("rollout-worker"), metrics)
		go worker.Run(ctx)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("analytics api listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxTimeout); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

func buildMetricsSource(cfg config.Config, db *store.Postgres, logger *zap.Logger) reports.MetricsSource {
	if cfg.MetricsSource != config.MetricsSourceInflux {
		return db
	}

	influx, err := source.NewInflux(source.InfluxConfig{
		URL:      cfg.InfluxURL,
		Token:    cfg.InfluxToken,
		Org:      cfg.InfluxOrg,
		Bucket:   cfg.InfluxBucket,
		Lookback: time.Duration(cfg.InfluxLookback) * 24 * time.Hour,
	}, logger.Named("influx"))
	if err != nil {
		logger.Warn("influx source unavailable, falling back to postgres", zap.Error(err))
		return db
	}
	return influx
}

func buildArchive(ctx context.Context, cfg config.Config, logger *zap.Logger) artifacts.Store {
	s3Store, err := artifacts.NewS3Store(ctx, artifacts.S3Config{
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
	})
	if err != nil {
		if !errors.Is(err, artifacts.ErrNotConfigured) {
			logger.Warn("report archive unavailable", zap.Error(err))
		}
		return artifacts.NewNoopStore()
	}

	if cfg.ReportRetentionDays > 0 {
		if err := s3Store.EnsureLifecyclePolicy(ctx, cfg.ReportRetentionDays, []string{artifacts.ReportPrefix}); err != nil {
			logger.Warn("report lifecycle policy not applied", zap.Error(err))
		}
	}
	return s3Store
}

func buildRolloutQueue(cfg config.Config, logger *zap.Logger) (*queue.RedisQueue, queue.Producer) {
	redisQueue, err := queue.NewRedisQueue(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RolloutQueueName, logger.Named("queue"))
	if err != nil {
		logger.Warn("rollout queue unavailable, running rollouts inline", zap.Error(err))
		return nil, queue.NewNoopProducer()
	}
	return redisQueue, redisQueue
}

func buildAutomation(ctx context.Context, cfg config.Config, poster *notify.Poster, metrics *telemetry.Metrics, logger *zap.Logger) *rollout.Automation {
	if cfg.GitHubToken == "" {
		logger.Info("GITHUB_TOKEN not set, rollout automation disabled")
		return nil
	}

	client := vcs.NewGitHub(ctx, vcs.Config{
		BaseURL: cfg.GitHubAPIURL,
		Owner:   cfg.GitHubOwner,
		Repo:    cfg.GitHubRepo,
		Token:   cfg.GitHubToken,
	})

	opts := []rollout.Option{
		rollout.WithBaseBranch(cfg.GitHubBaseBranch),
		rollout.WithMaxRetries(cfg.RolloutMaxRetries),
		rollout.WithLogger(logger.Named("rollout")),
		rollout.WithMetrics(metrics),
	}
	if cfg.WebhookURL != "" {
		opts = append(opts, rollout.WithSink("webhook", rollout.WebhookSink(poster, cfg.WebhookURL)))
	}
	if cfg.DiscordWebhookURL != "" {
		opts = append(opts, rollout.WithSink("discord", rollout.DiscordSink(poster, cfg.DiscordWebhookURL)))
	}
	return rollout.New(client, opts...)
}
