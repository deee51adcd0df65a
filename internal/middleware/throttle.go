package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/usermgmt/internal/metrics"
	"github.com/hitoshi/usermgmt/internal/model"
)

// ThrottleConfig はアイデンティティ単位の固定ウィンドウ制限の設定を保持する。
type ThrottleConfig struct {
	Window          time.Duration // ウィンドウ長
	Limit           int           // ウィンドウあたりの許可数
	CleanupInterval time.Duration // 古いエントリのスイープ間隔
	IdleWindows     int           // ウィンドウ開始からこの倍数を超えたエントリを削除する

	// Now は現在時刻を返す。nilの場合はtime.Nowを使う。
	Now func() time.Time
	// Metrics は拒否数とエントリ数の記録先。nilの場合は記録しない。
	Metrics metrics.MetricsCollector
}

// DefaultThrottleConfig はデフォルトの制限設定を返す。
// 1アイデンティティあたり 10 req/min。
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		Window:          time.Minute,
		Limit:           10,
		CleanupInterval: 5 * time.Minute,
		IdleWindows:     2,
	}
}

// window はアイデンティティごとの現在ウィンドウの開始時刻と許可数を保持する。
type window struct {
	start time.Time
	count int
}

// Throttle はアイデンティティごとの固定ウィンドウカウンタを管理する。
// 判定とカウンタ更新は単一のロック内で行うため、同時リクエストでも
// 1ウィンドウあたりの許可数はLimitを超えない。
type Throttle struct {
	config ThrottleConfig
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewThrottle は新しいThrottleを生成する。
// バックグラウンドで古いエントリのスイープを開始する。
func NewThrottle(config ThrottleConfig) *Throttle {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Nop{}
	}
	if config.IdleWindows < 1 {
		config.IdleWindows = 1
	}

	t := &Throttle{
		config:  config,
		now:     config.Now,
		windows: make(map[string]*window),
		stopCh:  make(chan struct{}),
	}

	go t.cleanupLoop()

	return t
}

// Stop はスイープのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (t *Throttle) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Admit はkeyのリクエストを現在のウィンドウで許可するかを判定する。
// 許可した場合のみカウンタを進める。拒否時は現在のウィンドウが終わるまでの時間を返す。
// 空のkeyはアイデンティティ未確定として常に許可し、状態を持たない。
func (t *Throttle) Admit(key string) (bool, time.Duration) {
	if key == "" {
		return true, 0
	}

	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	w, exists := t.windows[key]
	if !exists {
		t.windows[key] = &window{start: now, count: 1}
		return true, 0
	}

	if now.Sub(w.start) >= t.config.Window {
		w.start = now
		w.count = 1
		return true, 0
	}

	if w.count < t.config.Limit {
		w.count++
		return true, 0
	}

	return false, w.start.Add(t.config.Window).Sub(now)
}

// Len は現在保持しているエントリ数を返す。テストおよびメトリクス用。
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows)
}

// Middleware はScopeのSubject単位で制限するミドルウェアを返す。
// 認証ミドルウェアの後に配置する。Scopeの無いリクエストはそのまま通す。
func (t *Throttle) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope, _ := ScopeFromContext(r.Context())

			ok, retryAfter := t.Admit(scope.Subject)
			if !ok {
				t.config.Metrics.RecordThrottleRejection()
				slog.Warn("rate limit exceeded",
					slog.String("subject", scope.Subject),
					slog.Int64("tenant_id", scope.TenantID),
					slog.String("limit_type", "identity"),
					slog.String("request_id", RequestIDFromContext(r.Context())),
				)
				writeRateLimitResponse(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// cleanupLoop はバックグラウンドで古いエントリを定期的に削除する。
func (t *Throttle) cleanupLoop() {
	ticker := time.NewTicker(t.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.config.Metrics.SetThrottleEntries(t.sweep())
		case <-t.stopCh:
			return
		}
	}
}

// sweep はウィンドウ開始からIdleWindows倍のウィンドウ長を超えたエントリを削除し、
// 残ったエントリ数を返す。削除されたキーの次のリクエストは新しいウィンドウになるため
// 判定結果は変わらない。
func (t *Throttle) sweep() int {
	ttl := t.config.Window * time.Duration(t.config.IdleWindows)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for key, w := range t.windows {
		if now.Sub(w.start) > ttl {
			delete(t.windows, key)
		}
	}
	return len(t.windows)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーには現在のウィンドウが終わるまでの秒数（切り上げ）を設定する。
func writeRateLimitResponse(w http.ResponseWriter, retryAfter time.Duration) {
	retryAfterSec := int(math.Ceil(retryAfter.Seconds()))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitExceededError())
}
