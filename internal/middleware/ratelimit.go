package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/quizbank/internal/metrics"
	"github.com/hitoshi/quizbank/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	SensitiveLimit  int           // ログイン・登録の許容回数（ウィンドウあたり、クライアントごと）
	SensitiveWindow time.Duration // スライディングウィンドウの長さ
	LookupLimit     int           // 属性確認の許容回数（ウィンドウあたり、クライアントごと）。0以下ならSensitiveLimitと同じ
	GeneralRate     rate.Limit    // 認証済みAPI全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // 認証済みAPI全般のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔

	// TrustedProxies はX-Forwarded-Forを信用する接続元の範囲。
	// 空の場合、X-Forwarded-Forは無視され接続元アドレスだけで識別する。
	TrustedProxies []netip.Prefix
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 認証系 6 req/min/client、API全般 120 req/min/user
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		SensitiveLimit:  6,
		SensitiveWindow: time.Minute,
		LookupLimit:     60,
		GeneralRate:     rate.Limit(120.0 / 60.0), // 2 req/sec
		GeneralBurst:    120,
		CleanupInterval: 5 * time.Minute,
	}
}

// userLimiter はユーザーごとのレートリミッターとアクセス時刻を保持する。
type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// windowCounter はスライディングウィンドウカウンタの状態。
// 直前ウィンドウの回数を経過割合で按分し、現ウィンドウの回数と合算して判定する。
// 直前ウィンドウ内の偏りは考慮しないため、厳密なローリングウィンドウではなく近似になる。
type windowCounter struct {
	start time.Time // 現ウィンドウの開始時刻
	prev  int       // 直前ウィンドウの回数
	curr  int       // 現ウィンドウの回数
}

// RateLimiter はクライアントごと・ユーザーごとのレート制限を管理する。
// 認証前のエンドポイント向けのスライディングウィンドウ制限と、
// 認証済みAPI全般向けのトークンバケット制限の2種類を提供する。
type RateLimiter struct {
	config  RateLimiterConfig
	metrics metrics.MetricsCollector
	now     func() time.Time

	windowMu sync.Mutex
	windows  map[string]*windowCounter

	generalMu       sync.RWMutex
	generalLimiters map[string]*userLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig, collector metrics.MetricsCollector) *RateLimiter {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.LookupLimit <= 0 {
		config.LookupLimit = config.SensitiveLimit
	}
	rl := &RateLimiter{
		config:          config,
		metrics:         collector,
		now:             time.Now,
		windows:         make(map[string]*windowCounter),
		generalLimiters: make(map[string]*userLimiter),
		stopCh:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼び出してもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// SensitiveMiddleware はログイン・登録向けのクライアント単位スライディングウィンドウ制限ミドルウェアを返す。
// 認証より前に配置し、超過時は429とRetry-Afterを返す。
func (rl *RateLimiter) SensitiveMiddleware() func(next http.Handler) http.Handler {
	return rl.windowMiddleware("sensitive", rl.config.SensitiveLimit)
}

// LookupMiddleware はユーザー名・メールアドレスの使用可否確認向けの制限ミドルウェアを返す。
// 入力中の確認でログインの枠を使い切らないよう、SensitiveMiddlewareとは別に数える。
func (rl *RateLimiter) LookupMiddleware() func(next http.Handler) http.Handler {
	return rl.windowMiddleware("lookup", rl.config.LookupLimit)
}

func (rl *RateLimiter) windowMiddleware(kind string, limit int) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := rl.clientAddr(r)
			allowed, retryAfter := rl.hit(kind+"|"+client, limit)
			if !allowed {
				rl.metrics.RecordRateLimited(kind)
				slog.Warn("rate limit exceeded",
					slog.String("client", client),
					slog.String("path", r.URL.Path),
					slog.String("limit_type", kind),
				)
				writeRateLimitResponse(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GeneralMiddleware は認証済みAPI全般のレート制限ミドルウェアを返す。
// リクエストコンテキストにユーザーIDが含まれている必要がある（認証ミドルウェアの後に配置）。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteAPIError(w, model.NewLoginRequiredError())
				return
			}

			limiter := rl.getOrCreateGeneralLimiter(userID)

			if !limiter.Allow() {
				rl.metrics.RecordRateLimited("general")
				slog.Warn("rate limit exceeded",
					slog.String("user_id", userID),
					slog.String("limit_type", "general"),
				)
				writeRateLimitResponse(w, tokenInterval(rl.config.GeneralRate))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// hit はkeyのリクエストを1回記録し、limit以内なら許可する。再試行までの待ち時間も返す。
// 拒否されたリクエストは回数に含めない。
func (rl *RateLimiter) hit(key string, limit int) (bool, time.Duration) {
	now := rl.now()
	window := rl.config.SensitiveWindow

	rl.windowMu.Lock()
	defer rl.windowMu.Unlock()

	c, ok := rl.windows[key]
	if !ok {
		c = &windowCounter{start: now.Truncate(window)}
		rl.windows[key] = c
	}

	switch elapsed := now.Sub(c.start) / window; {
	case elapsed == 1:
		c.prev, c.curr = c.curr, 0
		c.start = c.start.Add(window)
	case elapsed > 1:
		c.prev, c.curr = 0, 0
		c.start = now.Truncate(window)
	}

	weight := 1 - float64(now.Sub(c.start))/float64(window)
	estimated := float64(c.prev)*weight + float64(c.curr)
	if estimated+1 > float64(limit) {
		return false, c.start.Add(window).Sub(now)
	}

	c.curr++
	return true, 0
}

// WindowCount は現在管理されているスライディングウィンドウのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) WindowCount() int {
	rl.windowMu.Lock()
	defer rl.windowMu.Unlock()
	return len(rl.windows)
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	rl.generalMu.RLock()
	defer rl.generalMu.RUnlock()
	return len(rl.generalLimiters)
}

// getOrCreateGeneralLimiter はユーザーのAPI全般リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateGeneralLimiter(userID string) *rate.Limiter {
	rl.generalMu.RLock()
	ul, exists := rl.generalLimiters[userID]
	rl.generalMu.RUnlock()

	if exists {
		rl.generalMu.Lock()
		ul.lastAccess = rl.now()
		rl.generalMu.Unlock()
		return ul.limiter
	}

	rl.generalMu.Lock()
	defer rl.generalMu.Unlock()

	// ダブルチェック
	if ul, exists := rl.generalLimiters[userID]; exists {
		ul.lastAccess = rl.now()
		return ul.limiter
	}

	limiter := rate.NewLimiter(rl.config.GeneralRate, rl.config.GeneralBurst)
	rl.generalLimiters[userID] = &userLimiter{
		limiter:    limiter,
		lastAccess: rl.now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は不要になったエントリを削除する。
//   - ウィンドウ: 2ウィンドウ以上前に始まったもの（回数への影響がなくなったもの）
//   - ユーザーリミッター: 最終アクセスからCleanupIntervalの2倍を超えたもの
func (rl *RateLimiter) cleanup() {
	now := rl.now()

	rl.windowMu.Lock()
	for key, c := range rl.windows {
		if now.Sub(c.start) >= 2*rl.config.SensitiveWindow {
			delete(rl.windows, key)
		}
	}
	rl.windowMu.Unlock()

	ttl := rl.config.CleanupInterval * 2
	rl.generalMu.Lock()
	for userID, ul := range rl.generalLimiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(rl.generalLimiters, userID)
		}
	}
	rl.generalMu.Unlock()
}

// clientAddr はレート制限に使うクライアントのアドレスを返す。
// 接続元が信頼済みプロキシの場合に限り、X-Forwarded-Forを右から辿って
// 最初に現れた信頼済みでないアドレスを採用する。
func (rl *RateLimiter) clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	remote, err := netip.ParseAddr(host)
	if err != nil || !rl.trusted(remote) {
		return host
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			// 解釈できない値より左は偽装されうるため、直前のプロキシを採用する
			return host
		}
		addr = addr.Unmap()
		if !rl.trusted(addr) {
			return addr.String()
		}
		host = addr.String()
	}
	return host
}

func (rl *RateLimiter) trusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range rl.config.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// tokenInterval は1トークンが補充されるまでの時間を返す。
func tokenInterval(r rate.Limit) time.Duration {
	if r <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / float64(r))
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーには秒単位に切り上げた待ち時間（最低1秒）を設定する。
func writeRateLimitResponse(w http.ResponseWriter, retryAfter time.Duration) {
	retryAfterSec := int(math.Ceil(retryAfter.Seconds()))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteAPIError(w, model.NewRateLimitedError())
}
