package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/usermgmt/internal/metrics"
	"github.com/hitoshi/usermgmt/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	ScopeResolver     middleware.ScopeResolver
	Throttle          *middleware.Throttle
	LoginLimiter      *middleware.LoginLimiter
	CORSAllowedOrigin string
	Metrics           metrics.MetricsCollector
	Gatherer          prometheus.Gatherer // nilの場合は/metricsを公開しない

	// サービス
	AuthService    AuthServiceInterface
	AccountService AccountServiceInterface
	Health         HealthChecker
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Metrics → Recovery → SecurityHeaders → CORS → Auth → Throttle
//
// ログインとヘルスチェックは認証の外に配置し、ログインはIP単位の制限のみ受ける。
func NewRouter(deps *RouterDeps) http.Handler {
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(m))
	// panicは500としてログとメトリクスに残す
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService)
	accountHandler := NewAccountHandler(deps.AccountService)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.Health))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/api/auth", func(r chi.Router) {
		r.Use(chimw.AllowContentType("application/json"))
		if deps.LoginLimiter != nil {
			r.Use(deps.LoginLimiter.Middleware())
		}
		r.Post("/login", authHandler.Login)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → Throttle
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.ScopeResolver, m))
		if deps.Throttle != nil {
			r.Use(deps.Throttle.Middleware())
		}

		r.Route("/api/users", func(r chi.Router) {
			r.Get("/", accountHandler.List)
			r.Post("/", accountHandler.Create)
			r.Get("/me", accountHandler.Me)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", accountHandler.Get)
				r.Put("/", accountHandler.Update)
				r.Delete("/", accountHandler.Delete)
			})
		})
	})

	return r
}
