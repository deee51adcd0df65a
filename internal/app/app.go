// Package app はサブコマンドの解析と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/usermgmt/internal/account"
	"github.com/hitoshi/usermgmt/internal/auth"
	"github.com/hitoshi/usermgmt/internal/authz"
	"github.com/hitoshi/usermgmt/internal/config"
	"github.com/hitoshi/usermgmt/internal/database"
	"github.com/hitoshi/usermgmt/internal/handler"
	"github.com/hitoshi/usermgmt/internal/logger"
	"github.com/hitoshi/usermgmt/internal/metrics"
	"github.com/hitoshi/usermgmt/internal/middleware"
	"github.com/hitoshi/usermgmt/internal/repository"
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
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCreateAdmin:
		return runCreateAdmin(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase は設定に従ってコネクションプールを作成する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	return database.Open(context.Background(), cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnectTimeout:  cfg.DBConnectTimeout,
	})
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. リポジトリとドメインサービスの初期化
	accountRepo := repository.NewPostgresAccountRepo(db)

	authService, err := auth.NewService(accountRepo, auth.ServiceConfig{
		Secret:        []byte(cfg.JWTSecret),
		TokenValidity: cfg.TokenValidity,
		BcryptCost:    cfg.BcryptCost,
	}, collector)
	if err != nil {
		return fmt.Errorf("failed to initialize auth service: %w", err)
	}

	guard := authz.NewGuard(time.Now, collector)
	accountService := account.NewService(accountRepo, guard, cfg.BcryptCost)

	// 4. レート制限
	throttle := middleware.NewThrottle(middleware.ThrottleConfig{
		Window:          cfg.ThrottleWindow,
		Limit:           cfg.ThrottleLimit,
		CleanupInterval: cfg.ThrottleCleanupInterval,
		IdleWindows:     cfg.ThrottleIdleWindows,
		Metrics:         collector,
	})
	defer throttle.Stop()

	loginLimiter := middleware.NewLoginLimiter(middleware.NewLoginLimiterConfig(cfg.LoginRateLimit))
	defer loginLimiter.Stop()

	// 5. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		ScopeResolver:     authService,
		Throttle:          throttle,
		LoginLimiter:      loginLimiter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Metrics:           collector,
		Gatherer:          reg,

		AuthService:    authService,
		AccountService: accountService,
		Health:         accountRepo,
	})

	// 6. HTTPサーバーの起動
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

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", redactDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// adminBootstrap は初期管理者作成の入力。
type adminBootstrap struct {
	Username string
	Password string
	TenantID int64
}

// loadAdminBootstrap はADMIN_USERNAME、ADMIN_PASSWORD、ADMIN_TENANT_IDを読み込む。
func loadAdminBootstrap() (*adminBootstrap, error) {
	var missing []string

	b := &adminBootstrap{
		Username: os.Getenv("ADMIN_USERNAME"),
		Password: os.Getenv("ADMIN_PASSWORD"),
	}
	if b.Username == "" {
		missing = append(missing, "ADMIN_USERNAME")
	}
	if b.Password == "" {
		missing = append(missing, "ADMIN_PASSWORD")
	}
	tenant := os.Getenv("ADMIN_TENANT_ID")
	if tenant == "" {
		missing = append(missing, "ADMIN_TENANT_ID")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	id, err := strconv.ParseInt(tenant, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("ADMIN_TENANT_ID must be a positive integer, got %q", tenant)
	}
	b.TenantID = id

	return b, nil
}

// runCreateAdmin はテナントの初期管理者を作成する。
func runCreateAdmin(cfg *config.Config) error {
	input, err := loadAdminBootstrap()
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := account.NewService(
		repository.NewPostgresAccountRepo(db),
		authz.NewGuard(time.Now, nil),
		cfg.BcryptCost,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	acc, err := svc.CreateBootstrapAdmin(ctx, input.Username, input.Password, input.TenantID)
	if err != nil {
		return fmt.Errorf("failed to create admin: %w", err)
	}

	slog.Info("admin account ready",
		slog.Int64("account_id", acc.ID),
		slog.Int64("tenant_id", acc.TenantID),
		slog.String("username", acc.Username),
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

// redactDatabaseURL はデータベースURLのパスワードを伏せて返す。
// URLとして解釈できない値は丸ごと伏せる。
func redactDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
