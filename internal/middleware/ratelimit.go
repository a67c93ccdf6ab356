package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	APIRate         rate.Limit    // ダッシュボードAPIのレート（req/sec）。120/60 = 2 req/sec
	APIBurst        int           // ダッシュボードAPIのバーストサイズ
	WebhookRate     rate.Limit    // webhookの送信者ごとのレート（req/sec）。30/60
	WebhookBurst    int           // webhookのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// ダッシュボードAPI 120 req/min/IP、webhook 30 req/min/送信者
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		APIRate:         rate.Limit(120.0 / 60.0), // 2 req/sec
		APIBurst:        120,
		WebhookRate:     rate.Limit(30.0 / 60.0), // 0.5 req/sec
		WebhookBurst:    30,
		CleanupInterval: 5 * time.Minute,
	}
}

// clientLimiter はクライアントごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はクライアントごとのレート制限を管理する。
// ダッシュボードAPI（IP単位）とwebhook（送信者番号単位）の2種類を提供する。
type RateLimiter struct {
	config RateLimiterConfig

	apiMu       sync.RWMutex
	apiLimiters map[string]*clientLimiter

	webhookMu       sync.RWMutex
	webhookLimiters map[string]*clientLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:          config,
		apiLimiters:     make(map[string]*clientLimiter),
		webhookLimiters: make(map[string]*clientLimiter),
		stopCh:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// APIMiddleware はダッシュボードAPIのレート制限ミドルウェアを返す。
// リモートIPをキーとして制限する。
func (rl *RateLimiter) APIMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			limiter := rl.getOrCreateAPILimiter(ip)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.APIRate)
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("limit_type", "api"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WebhookMiddleware はwebhook専用のレート制限ミドルウェアを返す。
// フォームのFromフィールド（送信者番号）をキーとして、APIの制限とは
// 独立に動作する。Fromが取れない場合はIPへフォールバックする。
func (rl *RateLimiter) WebhookMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// ParseFormは冪等なのでハンドラー側の再パースと衝突しない
			_ = r.ParseForm()
			key := r.PostFormValue("From")
			if key == "" {
				key = clientIP(r)
			}

			limiter := rl.getOrCreateWebhookLimiter(key)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.WebhookRate)
				slog.Warn("rate limit exceeded",
					slog.String("sender", key),
					slog.String("limit_type", "webhook"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// APILimiterCount は現在管理されているAPIリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) APILimiterCount() int {
	rl.apiMu.RLock()
	defer rl.apiMu.RUnlock()
	return len(rl.apiLimiters)
}

// WebhookLimiterCount は現在管理されているwebhookリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) WebhookLimiterCount() int {
	rl.webhookMu.RLock()
	defer rl.webhookMu.RUnlock()
	return len(rl.webhookLimiters)
}

// getOrCreateAPILimiter はクライアントIPのAPIリミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateAPILimiter(ip string) *rate.Limiter {
	rl.apiMu.RLock()
	cl, exists := rl.apiLimiters[ip]
	rl.apiMu.RUnlock()

	if exists {
		rl.apiMu.Lock()
		cl.lastAccess = time.Now()
		rl.apiMu.Unlock()
		return cl.limiter
	}

	rl.apiMu.Lock()
	defer rl.apiMu.Unlock()

	// ダブルチェック
	if cl, exists := rl.apiLimiters[ip]; exists {
		cl.lastAccess = time.Now()
		return cl.limiter
	}

	limiter := rate.NewLimiter(rl.config.APIRate, rl.config.APIBurst)
	rl.apiLimiters[ip] = &clientLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// getOrCreateWebhookLimiter は送信者のwebhookリミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateWebhookLimiter(sender string) *rate.Limiter {
	rl.webhookMu.RLock()
	cl, exists := rl.webhookLimiters[sender]
	rl.webhookMu.RUnlock()

	if exists {
		rl.webhookMu.Lock()
		cl.lastAccess = time.Now()
		rl.webhookMu.Unlock()
		return cl.limiter
	}

	rl.webhookMu.Lock()
	defer rl.webhookMu.Unlock()

	// ダブルチェック
	if cl, exists := rl.webhookLimiters[sender]; exists {
		cl.lastAccess = time.Now()
		return cl.limiter
	}

	limiter := rate.NewLimiter(rl.config.WebhookRate, rl.config.WebhookBurst)
	rl.webhookLimiters[sender] = &clientLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
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

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2

	now := time.Now()

	rl.apiMu.Lock()
	for ip, cl := range rl.apiLimiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(rl.apiLimiters, ip)
		}
	}
	rl.apiMu.Unlock()

	rl.webhookMu.Lock()
	for sender, cl := range rl.webhookLimiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(rl.webhookLimiters, sender)
		}
	}
	rl.webhookMu.Unlock()
}

// clientIP はリモートアドレスからポートを除いたIPを返す。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":    "rate_limit_exceeded",
		"message": "Too many requests. Please try again later.",
	})
}
