package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/todosync/internal/auth"
	"github.com/hitoshi/todosync/internal/config"
	"github.com/hitoshi/todosync/internal/database"
	"github.com/hitoshi/todosync/internal/handler"
	"github.com/hitoshi/todosync/internal/logger"
	"github.com/hitoshi/todosync/internal/metrics"
	"github.com/hitoshi/todosync/internal/middleware"
	"github.com/hitoshi/todosync/internal/realtime"
	"github.com/hitoshi/todosync/internal/repository"
	"github.com/hitoshi/todosync/internal/security"
	"github.com/hitoshi/todosync/internal/task"
	"github.com/hitoshi/todosync/internal/tui"
	"github.com/hitoshi/todosync/internal/user"
	"github.com/hitoshi/todosync/internal/worker/cleanup"
)

// oauthHTTPTimeout はGoogleとの通信に許す時間。
const oauthHTTPTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_FORMATに応じた構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定された形式でロガーを作り直す
	if cfg.LogFormat != config.LogFormatJSON {
		logger.SetupDefaultFormat(w, cfg.LogFormat)
	}

	return cfg, nil
}

// Run はサブコマンドを解析して対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	inv, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// サーバー設定を読まずに済むコマンド
	switch inv.Command {
	case CommandHelp:
		_, err := io.WriteString(w, Usage)
		return err
	case CommandHealthcheck:
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	case CommandTUI:
		return runTUI()
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(inv.Command)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch inv.Command {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(w, cfg, inv)
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// newBus はREALTIME_BACKENDに応じた変更通知Busを生成する。
// 返されるcleanupはBusと付随するクライアントを閉じる。
func newBus(cfg *config.Config, db *sql.DB) (realtime.Bus, func(), error) {
	switch cfg.RealtimeBackend {
	case config.RealtimeMemory:
		bus := realtime.NewMemoryBus()
		return bus, func() { bus.Close() }, nil

	case config.RealtimeRedis:
		client, err := realtime.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		bus := realtime.NewRedisBus(client)
		return bus, func() {
			bus.Close()
			client.Close()
		}, nil

	default:
		bus, err := realtime.NewPostgresBus(db, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return bus, func() { bus.Close() }, nil
	}
}

// newOAuthProvider はGoogleサインインが設定されている場合のみプロバイダーを返す。
func newOAuthProvider(cfg *config.Config) auth.OAuthProvider {
	if !cfg.GoogleEnabled() {
		return nil
	}
	return auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HTTPClient:   security.NewSafeClient(oauthHTTPTimeout),
	})
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	taskRepo := repository.NewPostgresTaskRepo(db)

	// 3. 変更通知
	bus, busCleanup, err := newBus(cfg, db)
	if err != nil {
		return fmt.Errorf("failed to start realtime backend: %w", err)
	}
	var closeOnce sync.Once
	closeBus := func() { closeOnce.Do(busCleanup) }
	defer closeBus()

	slog.Info("realtime backend ready", slog.String("backend", cfg.RealtimeBackend))

	// 4. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 5. ドメインサービスの初期化
	oauthProvider := newOAuthProvider(cfg)
	if oauthProvider == nil {
		slog.Info("google sign-in disabled")
	}
	authService := auth.NewService(
		oauthProvider, userRepo, identRepo, sessionRepo,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	taskService := task.NewService(taskRepo, security.NewTextSanitizer(), bus, cfg.TaskTextMax)
	streamer := realtime.NewStreamer(bus, taskService, cfg.StreamHeartbeat, collector)
	userService := user.NewService(userRepo, sessionRepo, bus)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		HealthChecker:     db,
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:     rateLimiter,
		Logger:          slog.Default(),
		Metrics:         collector,
		MetricsGatherer: registry,

		AuthService: authService,
		StateCodec:  auth.NewStateCodec(cfg.SessionSecret),
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		TaskService: taskService,
		Streamer:    streamer,
		UserService: userService,
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	// SSEは接続ごとに書き込み期限を解除するため、WriteTimeoutは通常のAPI向けの値でよい。
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// シャットダウン開始時にSSEストリームを終了させる
	server.RegisterOnShutdown(func() { closeBus() })

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
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

// runWorker はワーカーモードで起動する。
// 期限切れセッションの削除をCLEANUP_SCHEDULEに従って実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	collector := metrics.NewCollector(prometheus.NewRegistry())
	job := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), slog.Default(), collector)

	scheduler, err := cleanup.NewScheduler(job, cfg.CleanupSchedule, slog.Default())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.String("cleanup_schedule", cfg.CleanupSchedule),
	)

	// ctxがキャンセルされるまでブロックする
	scheduler.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate は埋め込みマイグレーションを適用、巻き戻し、またはバージョン表示する。
func runMigrate(w io.Writer, cfg *config.Config, inv Invocation) error {
	log := slog.With(
		slog.String("action", inv.MigrateAction),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch inv.MigrateAction {
	case "version":
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "version %d (dirty: %t)\n", version, dirty)
		return err
	case "down":
		log.Info("rolling back database migrations", slog.Int("steps", inv.MigrateSteps))
		if err := database.RollbackMigrations(cfg.DatabaseURL, inv.MigrateSteps); err != nil {
			return err
		}
	default:
		log.Info("running database migrations")
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	log.Info("database migrations completed successfully")
	return nil
}

// runTUI はターミナルクライアントを起動する。
// 画面描画と混ざらないよう、ログはクライアント設定のlog_fileに書き出す。
func runTUI() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	log, closer, err := logger.OpenFile(cfg.LogFile)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return tui.Run(ctx, cfg, log)
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はログ用にパスワードを伏せたURLを返す。解析できなければ全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
