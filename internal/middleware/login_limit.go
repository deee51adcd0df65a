package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LoginLimiterConfig はログインエンドポイントのIP単位レート制限の設定を保持する。
type LoginLimiterConfig struct {
	Rate            rate.Limit    // 1IPあたりのレート（req/sec）
	Burst           int           // バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultLoginLimiterConfig はデフォルトのログイン制限設定を返す。
// 要件: 20 req/min/IP
func DefaultLoginLimiterConfig() LoginLimiterConfig {
	return NewLoginLimiterConfig(20)
}

// NewLoginLimiterConfig は毎分perMinute回を上限とする設定を返す。
func NewLoginLimiterConfig(perMinute int) LoginLimiterConfig {
	return LoginLimiterConfig{
		Rate:            rate.Limit(float64(perMinute) / 60.0),
		Burst:           perMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// ipLimiter はIPごとのレートリミッターとアクセス時刻を保持する。
type ipLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// LoginLimiter はログイン試行をクライアントIP単位で制限する。
// トークン発行前のリクエストはアイデンティティを持たないため、
// Throttleとは別にパスワード総当たりを抑止する。
type LoginLimiter struct {
	config LoginLimiterConfig

	mu       sync.RWMutex
	limiters map[string]*ipLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLoginLimiter は新しいLoginLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewLoginLimiter(config LoginLimiterConfig) *LoginLimiter {
	ll := &LoginLimiter{
		config:   config,
		limiters: make(map[string]*ipLimiter),
		stopCh:   make(chan struct{}),
	}

	go ll.cleanupLoop()

	return ll
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (ll *LoginLimiter) Stop() {
	ll.stopOnce.Do(func() { close(ll.stopCh) })
}

// Middleware はログインエンドポイント用のレート制限ミドルウェアを返す。
func (ll *LoginLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			limiter := ll.getOrCreate(ip)

			if !limiter.Allow() {
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("limit_type", "login"),
					slog.String("request_id", RequestIDFromContext(r.Context())),
				)
				writeRateLimitResponse(w, time.Duration(float64(time.Second)/float64(ll.config.Rate)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は現在管理されているエントリ数を返す。テスト用。
func (ll *LoginLimiter) LimiterCount() int {
	ll.mu.RLock()
	defer ll.mu.RUnlock()
	return len(ll.limiters)
}

// getOrCreate はIPのリミッターを取得または作成する。
func (ll *LoginLimiter) getOrCreate(ip string) *rate.Limiter {
	ll.mu.RLock()
	il, exists := ll.limiters[ip]
	ll.mu.RUnlock()

	if exists {
		ll.mu.Lock()
		il.lastAccess = time.Now()
		ll.mu.Unlock()
		return il.limiter
	}

	ll.mu.Lock()
	defer ll.mu.Unlock()

	// ダブルチェック
	if il, exists := ll.limiters[ip]; exists {
		il.lastAccess = time.Now()
		return il.limiter
	}

	limiter := rate.NewLimiter(ll.config.Rate, ll.config.Burst)
	ll.limiters[ip] = &ipLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (ll *LoginLimiter) cleanupLoop() {
	ticker := time.NewTicker(ll.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ll.cleanup()
		case <-ll.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (ll *LoginLimiter) cleanup() {
	ttl := ll.config.CleanupInterval * 2
	now := time.Now()

	ll.mu.Lock()
	for ip, il := range ll.limiters {
		if now.Sub(il.lastAccess) > ttl {
			delete(ll.limiters, ip)
		}
	}
	ll.mu.Unlock()
}

// clientIP はRemoteAddrからポートを除いたIPを返す。
// プロキシ配下ではchiのRealIPミドルウェアでRemoteAddrを書き換えておく。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
