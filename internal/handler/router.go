// Package handler はHTTPエンドポイントのルーティングとハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/reelvault/internal/messenger"
	"github.com/hitoshi/reelvault/internal/metrics"
	"github.com/hitoshi/reelvault/internal/middleware"
	"github.com/hitoshi/reelvault/internal/repository"
)

// HealthPinger はヘルスチェックでのDB疎通確認インターフェース。
// *sql.DB を受け付けることができる。
type HealthPinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// webhook
	Conversation ConversationService
	Messenger    messenger.Messenger
	Metrics      metrics.MetricsCollector

	// ダッシュボードAPI
	Reels     repository.ReelRepository
	Reminders repository.ReminderRepository
	Location  *time.Location

	// 運用エンドポイント
	DB       HealthPinger
	Gatherer prometheus.Gatherer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → (ルートごとのレート制限)
//
// CORSはブラウザから叩かれるダッシュボードAPIにのみ適用する。
// webhookはTwilioのサーバー間通信のためCORSの対象外。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	webhookHandler := NewWebhookHandler(deps.Conversation, deps.Messenger, deps.Metrics, deps.Logger)
	reelHandler := NewReelHandler(deps.Reels, deps.Reminders, deps.Logger, deps.Location)

	// --- WhatsApp受信webhook ---
	r.With(deps.RateLimiter.WebhookMiddleware()).Post("/webhook", webhookHandler.Receive)

	// --- ダッシュボードAPI ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(deps.RateLimiter.APIMiddleware())

		r.Route("/api/reels", func(r chi.Router) {
			r.Get("/", reelHandler.ListReels)

			r.Route("/{id}", func(r chi.Router) {
				r.Post("/star", reelHandler.ToggleStar)
				r.Delete("/", reelHandler.DeleteReel)
				r.Post("/reminders", reelHandler.AddReminder)
			})
		})
	})

	// --- 運用エンドポイント ---
	r.Get("/health", newHealthHandler(deps.DB))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	return r
}

// newHealthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
func newHealthHandler(db HealthPinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}
