package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/incidentdesk/internal/auth"
	"github.com/hitoshi/incidentdesk/internal/config"
	"github.com/hitoshi/incidentdesk/internal/database"
	"github.com/hitoshi/incidentdesk/internal/handler"
	"github.com/hitoshi/incidentdesk/internal/logger"
	"github.com/hitoshi/incidentdesk/internal/metrics"
	"github.com/hitoshi/incidentdesk/internal/middleware"
	"github.com/hitoshi/incidentdesk/internal/notify"
	"github.com/hitoshi/incidentdesk/internal/repository"
	"github.com/hitoshi/incidentdesk/internal/worker/cleanup"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// cleanupInterval はクリーンアップジョブの実行間隔。
const cleanupInterval = 24 * time.Hour

// Init はアプリケーションの初期化を行う。
// .envファイルがあれば読み込み、JSON構造化ログをセットアップしてから環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. .envの読み込み（既に設定済みの環境変数は上書きしない）
	envErr := godotenv.Load()

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", slog.String("error", envErr.Error()))
	}

	// 3. 環境変数から設定を読み込む
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
		slog.String("env", cfg.AppEnv),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// ServiceConfigFrom は環境設定から認証サービスのポリシーを組み立てる。
func ServiceConfigFrom(cfg *config.Config) auth.ServiceConfig {
	sc := auth.DefaultServiceConfig()
	sc.LockoutThreshold = cfg.LockoutThreshold
	sc.LockoutDuration = cfg.LockoutDuration
	sc.CodeSecret = []byte(cfg.SessionSecret)
	sc.CodeLength = cfg.TwoFactorCodeLength
	sc.CodeLifetime = cfg.TwoFactorCodeLifetime
	sc.PendingLifetime = cfg.PendingSessionLifetime
	sc.ResendLimit = cfg.TwoFactorResendLimit
	sc.ResendWindow = cfg.TwoFactorResendWindow
	sc.SessionMaxAge = time.Duration(cfg.SessionMaxAge) * time.Second
	sc.SessionRememberMaxAge = time.Duration(cfg.SessionRememberMaxAge) * time.Second
	sc.BypassEmailVerification = cfg.BypassEmailVerification
	sc.BypassTwoFactor = cfg.BypassTwoFactor
	return sc
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx := context.Background()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. 2段階認証待ちセッションのストア
	pendingStore, closePending, err := newPendingStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePending()

	// 3. 通知チャネル
	notifier, closeNotifier, err := newNotifier(cfg)
	if err != nil {
		return err
	}
	defer closeNotifier()

	// 4. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	attemptRepo := repository.NewPostgresLoginAttemptRepo(db)

	// 5. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 6. 認証サービスの初期化
	passwords, err := auth.NewPasswordVerifier(bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to initialize password verifier: %w", err)
	}

	serviceConfig := ServiceConfigFrom(cfg)
	if serviceConfig.BypassEmailVerification || serviceConfig.BypassTwoFactor {
		slog.Warn("auth bypass flags are enabled; do not use in production",
			slog.Bool("bypass_email_verification", serviceConfig.BypassEmailVerification),
			slog.Bool("bypass_two_factor", serviceConfig.BypassTwoFactor),
		)
	}

	authService := auth.NewService(auth.ServiceDeps{
		Users:     userRepo,
		Sessions:  sessionRepo,
		Attempts:  attemptRepo,
		Pending:   pendingStore,
		Notifier:  notifier,
		Passwords: passwords,
		Metrics:   collector,
	}, serviceConfig)

	// 7. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitLogin, cfg.RateLimitGeneral))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		HealthChecker: db,
		SessionFinder: sessionRepo,
		SessionConfig: middleware.SessionConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,
		HSTS:        cfg.CookieSecure,
		Logger:      slog.Default(),
		Metrics:     collector,
		Gatherer:    reg,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			PendingMaxAge: int(cfg.PendingSessionLifetime.Seconds()),
		},
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// newPendingStore はREDIS_URLが設定されていればRedis、なければプロセス内ストアを返す。
// Redisが設定されているのに接続できない場合は起動を中止する。
func newPendingStore(ctx context.Context, cfg *config.Config) (repository.PendingSessionStore, func(), error) {
	if cfg.RedisURL == "" {
		if cfg.IsProduction() {
			slog.Warn("REDIS_URL is not set; pending sessions are kept in process memory and lost on restart")
		}
		return repository.NewMemoryPendingStore(), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("redis connection established", slog.String("addr", opts.Addr))

	return repository.NewRedisPendingStore(client, repository.DefaultPendingKeyPrefix), func() {
		if err := client.Close(); err != nil {
			slog.Error("failed to close redis client", slog.String("error", err.Error()))
		}
	}, nil
}

// newNotifier はAMQP_URLが設定されていればRabbitMQへの発行、なければログ出力の通知を返す。
func newNotifier(cfg *config.Config) (notify.Notifier, func(), error) {
	if cfg.AMQPURL == "" {
		if cfg.IsProduction() {
			return nil, nil, fmt.Errorf("AMQP_URL is required when APP_ENV=production")
		}
		slog.Warn("AMQP_URL is not set; two-factor codes are written to the log")
		return notify.NewLogNotifier(slog.Default()), func() {}, nil
	}

	publisher, err := notify.NewAMQPPublisher(cfg.AMQPURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to message broker: %w", err)
	}

	slog.Info("message broker connection established", slog.String("exchange", cfg.NotifyExchange))

	return notify.NewQueueNotifier(publisher, cfg.NotifyExchange), publisher.Close, nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、認証データのクリーンアップジョブを日次で実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	cleanupJob.RetentionDays = cfg.LoginAttemptRetentionDays
	cleanupJob.CodeGracePeriod = cfg.PendingSessionLifetime

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
		slog.Duration("cleanup_interval", cleanupInterval),
		slog.Int("login_attempt_retention_days", cleanupJob.RetentionDays),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	result, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed",
		slog.Uint64("from_version", uint64(result.From)),
		slog.Uint64("to_version", uint64(result.To)),
		slog.Bool("applied", result.Applied()),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
