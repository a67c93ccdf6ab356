package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/reelvault/internal/config"
	"github.com/hitoshi/reelvault/internal/database"
	"github.com/hitoshi/reelvault/internal/enrich"
	"github.com/hitoshi/reelvault/internal/handler"
	"github.com/hitoshi/reelvault/internal/instagram"
	"github.com/hitoshi/reelvault/internal/logger"
	"github.com/hitoshi/reelvault/internal/messenger"
	"github.com/hitoshi/reelvault/internal/metrics"
	"github.com/hitoshi/reelvault/internal/middleware"
	"github.com/hitoshi/reelvault/internal/pipeline"
	"github.com/hitoshi/reelvault/internal/repository"
	"github.com/hitoshi/reelvault/internal/security"
	"github.com/hitoshi/reelvault/internal/session"
	"github.com/hitoshi/reelvault/internal/worker/cleanup"
	reminderpkg "github.com/hitoshi/reelvault/internal/worker/reminder"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、取り込みパイプラインと
// リマインダースケジューラを伴ってHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	location, err := cfg.Location()
	if err != nil {
		return err
	}

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	reelRepo := repository.NewPostgresReelRepo(db)
	reminderRepo := repository.NewPostgresReminderRepo(db)

	// 3. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewTextSanitizer()

	// 4. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 5. 外部サービスクライアントの初期化
	fetchClient := &http.Client{Timeout: cfg.FetchTimeout}
	fetcher := instagram.NewClient(fetchClient, slog.Default(), cfg.ApifyAPIToken)
	enricher := enrich.NewClient(fetchClient, slog.Default(), cfg.GeminiAPIKey, cfg.GeminiModel)

	sendClient := &http.Client{Timeout: cfg.SendTimeout}
	msgr := messenger.NewClient(sendClient, slog.Default(),
		cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioWhatsAppNumber)

	// 6. 取り込みパイプラインの初期化
	runner := pipeline.NewRunner(pipeline.RunnerDeps{
		Logger:           slog.Default(),
		Reels:            reelRepo,
		Fetcher:          fetcher,
		Enricher:         enricher,
		Messenger:        msgr,
		Sanitizer:        sanitizer,
		Guard:            ssrfGuard,
		Metrics:          collector,
		ThumbClient:      ssrfGuard.NewSafeClient(cfg.FetchTimeout, cfg.ThumbnailMaxSize),
		ThumbnailMaxSize: cfg.ThumbnailMaxSize,
		Workers:          cfg.PipelineWorkers,
		QueueSize:        cfg.PipelineQueueSize,
		RunTimeout:       cfg.PipelineTimeout,
	})

	// 7. 会話マネージャの初期化
	manager := session.NewManager(session.ManagerDeps{
		Logger:       slog.Default(),
		Store:        session.NewMemoryStore(),
		Users:        userRepo,
		Reels:        reelRepo,
		Reminders:    reminderRepo,
		Submitter:    runner,
		DashboardURL: cfg.DashboardURL,
		RecentLimit:  cfg.RecentLimit,
		Location:     location,
	})

	// 8. リマインダースケジューラとクリーンアップジョブの初期化
	scheduler := reminderpkg.NewScheduler(reminderRepo, msgr, collector, slog.Default())
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	cleanupJob.RetentionDays = cfg.ReminderRetentionDays

	// 9. ルーターの構築
	rlConfig := middleware.DefaultRateLimiterConfig()
	rlConfig.APIRate = rate.Limit(float64(cfg.RateLimitAPI) / 60.0)
	rlConfig.APIBurst = cfg.RateLimitAPI
	rlConfig.WebhookRate = rate.Limit(float64(cfg.RateLimitWebhook) / 60.0)
	rlConfig.WebhookBurst = cfg.RateLimitWebhook
	rateLimiter := middleware.NewRateLimiter(rlConfig)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Conversation:      manager,
		Messenger:         msgr,
		Metrics:           collector,
		Reels:             reelRepo,
		Reminders:         reminderRepo,
		Location:          location,
		DB:                db,
		Gatherer:          registry,
	})

	// バックグラウンド処理の起動
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner.Start(ctx)
	go scheduler.Start(ctx, cfg.ReminderInterval)
	go runCleanupLoop(ctx, cleanupJob)

	// 10. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 新規タスクの受付を止め、実行中の取り込みが終わるのを待つ
	cancel()
	runner.Wait()

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、リマインダースケジューラとクリーンアップジョブのみを実行する。
// webhookを処理しない環境で配信だけをスケールさせるためのモード。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	reminderRepo := repository.NewPostgresReminderRepo(db)

	// 3. メトリクスと送信クライアントの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	sendClient := &http.Client{Timeout: cfg.SendTimeout}
	msgr := messenger.NewClient(sendClient, slog.Default(),
		cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioWhatsAppNumber)

	// 4. スケジューラとクリーンアップジョブの初期化
	scheduler := reminderpkg.NewScheduler(reminderRepo, msgr, collector, slog.Default())
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	cleanupJob.RetentionDays = cfg.ReminderRetentionDays

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("reminder_interval", cfg.ReminderInterval),
		slog.Int("retention_days", cfg.ReminderRetentionDays),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go runCleanupLoop(ctx, cleanupJob)

	// リマインダースケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.ReminderInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runCleanupLoop はクリーンアップジョブを起動直後と以降24時間ごとに実行する。
func runCleanupLoop(ctx context.Context, job *cleanup.CleanupJob) {
	if err := job.Run(ctx); err != nil {
		slog.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job.Run(ctx); err != nil {
				slog.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
