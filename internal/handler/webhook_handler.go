package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/reelvault/internal/messenger"
	"github.com/hitoshi/reelvault/internal/metrics"
	"github.com/hitoshi/reelvault/internal/model"
	"github.com/hitoshi/reelvault/internal/session"
)

// ConversationService はwebhookハンドラーが必要とする会話処理インターフェース。
type ConversationService interface {
	// Handle は受信メッセージ1件を処理し、返信を返す。
	Handle(ctx context.Context, phone, text string) ([]session.Reply, error)
}

// WebhookHandler はWhatsApp受信webhookのHTTPハンドラー。
// Twilioからのフォームエンコードされたリクエストを受け取り、
// 会話処理の結果をWhatsAppメッセージとして返信する。
type WebhookHandler struct {
	conversation ConversationService
	messenger    messenger.Messenger
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(
	conversation ConversationService,
	msgr messenger.Messenger,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		conversation: conversation,
		messenger:    msgr,
		metrics:      collector,
		logger:       logger,
	}
}

// Receive は受信メッセージを処理する。
// POST /webhook
//
// 処理エラーでも200を返す。Twilioは非200応答でwebhookを再送するため、
// 同じメッセージが二重処理されるのを防ぐ。
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	if from == "" || body == "" {
		http.Error(w, "From and Body are required", http.StatusBadRequest)
		return
	}

	// Twilioのwhatsapp:プレフィックスを外してE.164の電話番号にする
	phone := strings.TrimPrefix(from, "whatsapp:")

	replies, err := h.conversation.Handle(r.Context(), phone, body)
	if err != nil {
		h.logger.Error("受信メッセージの処理に失敗しました",
			slog.String("user_phone", phone),
			slog.String("error", err.Error()),
		)
		h.writeTwiML(w)
		return
	}

	for _, reply := range replies {
		h.send(r.Context(), phone, reply.Body)
	}

	h.writeTwiML(w)
}

// send は返信1通を送信する。レート制限は記録のみで、応答には影響させない。
func (h *WebhookHandler) send(ctx context.Context, phone, body string) {
	if err := h.messenger.Send(ctx, phone, body); err != nil {
		if model.IsRateLimited(err) {
			h.metrics.RecordMessageRateLimited()
			h.logger.Warn("返信がレート制限されました",
				slog.String("user_phone", phone),
			)
			return
		}
		h.logger.Error("返信の送信に失敗しました",
			slog.String("user_phone", phone),
			slog.String("kind", string(model.KindOf(err))),
			slog.String("error", err.Error()),
		)
		return
	}
	h.metrics.RecordMessageSent()
}

// writeTwiML は空のTwiMLレスポンスを返す。
// 返信はwebhook応答ではなくMessages APIで非同期に送るため、常に空でよい。
func (h *WebhookHandler) writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<Response></Response>"))
}
