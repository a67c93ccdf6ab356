package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/reelvault/internal/middleware"
	"github.com/hitoshi/reelvault/internal/model"
	"github.com/hitoshi/reelvault/internal/repository"
	"github.com/hitoshi/reelvault/internal/timeparse"
)

// ReelHandler はダッシュボード向けリール管理のHTTPハンドラー。
type ReelHandler struct {
	reels     repository.ReelRepository
	reminders repository.ReminderRepository
	logger    *slog.Logger
	location  *time.Location

	// now はテストで現在時刻を固定するためのフック。nilならtime.Nowを使う。
	now func() time.Time
}

// NewReelHandler はReelHandlerを生成する。
func NewReelHandler(
	reels repository.ReelRepository,
	reminders repository.ReminderRepository,
	logger *slog.Logger,
	location *time.Location,
) *ReelHandler {
	return &ReelHandler{
		reels:     reels,
		reminders: reminders,
		logger:    logger,
		location:  location,
	}
}

// reelResponse はリール情報のAPIレスポンス。
type reelResponse struct {
	ID              string   `json:"id"`
	Shortcode       string   `json:"shortcode"`
	URL             string   `json:"url"`
	CanonicalURL    string   `json:"canonical_url,omitempty"`
	Caption         string   `json:"caption,omitempty"`
	Hashtags        []string `json:"hashtags,omitempty"`
	Username        string   `json:"username,omitempty"`
	FullName        string   `json:"full_name,omitempty"`
	ThumbnailURL    string   `json:"thumbnail_url,omitempty"`
	VideoURL        string   `json:"video_url,omitempty"`
	DurationSeconds float64  `json:"duration_seconds,omitempty"`
	PostedAt        string   `json:"posted_at,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	Category        string   `json:"category,omitempty"`
	Intent          string   `json:"intent,omitempty"`
	IsImagePost     bool     `json:"is_image_post"`
	Status          string   `json:"status"`
	IsStarred       bool     `json:"is_starred"`
	CreatedAt       string   `json:"created_at"`
}

// addReminderRequest はリマインダー作成リクエストのボディ。
// RemindAtはRFC3339の構造化指定、Textは「tomorrow at 6pm」のような自然文。
// どちらか一方を指定する。両方ある場合はRemindAtを優先する。
type addReminderRequest struct {
	UserPhone string `json:"user_phone"`
	RemindAt  string `json:"remind_at,omitempty"`
	Text      string `json:"text,omitempty"`
	Note      string `json:"note,omitempty"`
}

// reminderResponse はリマインダー作成のAPIレスポンス。
type reminderResponse struct {
	ID            string `json:"id"`
	ReelID        string `json:"reel_id"`
	RemindAt      string `json:"remind_at"`
	FormattedTime string `json:"formatted_time"`
	Note          string `json:"note,omitempty"`
	Status        string `json:"status"`
}

// starResponse はスター切り替えのAPIレスポンス。
type starResponse struct {
	ID        string `json:"id"`
	IsStarred bool   `json:"is_starred"`
}

// ListReels はユーザーの保存済みリール一覧を返す。
// GET /api/reels?user_phone=...
func (h *ReelHandler) ListReels(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("user_phone")
	if phone == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewMissingUserPhoneError())
		return
	}

	reels, err := h.reels.ListByUser(r.Context(), phone)
	if err != nil {
		h.writeInternalError(w, "リール一覧の取得に失敗しました", err)
		return
	}

	results := make([]reelResponse, len(reels))
	for i, reel := range reels {
		results[i] = toReelResponse(reel)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}

// ToggleStar はリールのスター状態を反転する。
// POST /api/reels/{id}/star
func (h *ReelHandler) ToggleStar(w http.ResponseWriter, r *http.Request) {
	reelID := chi.URLParam(r, "id")

	reel, err := h.reels.FindByID(r.Context(), reelID)
	if err != nil {
		h.writeInternalError(w, "リールの取得に失敗しました", err)
		return
	}
	if reel == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewReelNotFoundError(reelID))
		return
	}

	starred, err := h.reels.ToggleStar(r.Context(), reelID)
	if err != nil {
		h.writeInternalError(w, "スター状態の更新に失敗しました", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(starResponse{ID: reelID, IsStarred: starred})
}

// DeleteReel はリールを削除する。関連リマインダーも同時に消える。
// DELETE /api/reels/{id}
func (h *ReelHandler) DeleteReel(w http.ResponseWriter, r *http.Request) {
	reelID := chi.URLParam(r, "id")

	reel, err := h.reels.FindByID(r.Context(), reelID)
	if err != nil {
		h.writeInternalError(w, "リールの取得に失敗しました", err)
		return
	}
	if reel == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewReelNotFoundError(reelID))
		return
	}

	if err := h.reels.DeleteByID(r.Context(), reelID); err != nil {
		h.writeInternalError(w, "リールの削除に失敗しました", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// AddReminder はリールにリマインダーを設定する。
// POST /api/reels/{id}/reminders
func (h *ReelHandler) AddReminder(w http.ResponseWriter, r *http.Request) {
	reelID := chi.URLParam(r, "id")

	var req addReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}
	if req.UserPhone == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewMissingUserPhoneError())
		return
	}

	reel, err := h.reels.FindByID(r.Context(), reelID)
	if err != nil {
		h.writeInternalError(w, "リールの取得に失敗しました", err)
		return
	}
	if reel == nil || reel.UserPhone != req.UserPhone {
		// 他ユーザーのリールは存在しないものとして扱う
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewReelNotFoundError(reelID))
		return
	}

	now := h.currentTime()
	remindAt, note, apiErr := h.resolveRemindAt(&req, now)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	reminder := &model.Reminder{
		ID:        uuid.New().String(),
		ReelID:    reelID,
		UserPhone: req.UserPhone,
		RemindAt:  remindAt,
		Note:      note,
		Status:    model.ReminderStatusPending,
		CreatedAt: now,
	}
	if err := h.reminders.Create(r.Context(), reminder); err != nil {
		h.writeInternalError(w, "リマインダーの作成に失敗しました", err)
		return
	}

	h.logger.Info("リマインダーを作成しました",
		slog.String("user_phone", req.UserPhone),
		slog.String("reel_id", reelID),
		slog.Time("remind_at", remindAt),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(reminderResponse{
		ID:            reminder.ID,
		ReelID:        reelID,
		RemindAt:      remindAt.Format(time.RFC3339),
		FormattedTime: timeparse.FormatTime(remindAt),
		Note:          note,
		Status:        string(model.ReminderStatusPending),
	})
}

// resolveRemindAt はリクエストからリマインド時刻とメモを決定する。
// RFC3339指定と自然文のどちらにも対応し、過去の時刻は拒否する。
func (h *ReelHandler) resolveRemindAt(req *addReminderRequest, now time.Time) (time.Time, string, *model.APIError) {
	if req.RemindAt != "" {
		remindAt, err := time.Parse(time.RFC3339, req.RemindAt)
		if err != nil {
			return time.Time{}, "", model.NewInvalidReminderTimeError("remind_atの形式が不正です")
		}
		if !remindAt.After(now) {
			return time.Time{}, "", model.NewInvalidReminderTimeError("過去の時刻は指定できません")
		}
		return remindAt, req.Note, nil
	}

	if req.Text == "" {
		return time.Time{}, "", model.NewInvalidReminderTimeError("remind_atまたはtextを指定してください")
	}

	// 自然文はキーワードを含まないことが多いため、意図ゲートを通すために前置する
	parsed := timeparse.Parse("remind me "+req.Text, now)
	if parsed == nil {
		return time.Time{}, "", model.NewInvalidReminderTimeError("時刻表現を解釈できませんでした")
	}
	if !parsed.RemindAt.After(now) {
		return time.Time{}, "", model.NewInvalidReminderTimeError("過去の時刻は指定できません")
	}

	note := req.Note
	if note == "" {
		note = parsed.Note
	}
	return parsed.RemindAt, note, nil
}

// currentTime は基準タイムゾーンでの現在時刻を返す。
func (h *ReelHandler) currentTime() time.Time {
	if h.now != nil {
		return h.now().In(h.location)
	}
	return time.Now().In(h.location)
}

// writeInternalError は500レスポンスを書き込み、詳細をログに残す。
func (h *ReelHandler) writeInternalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, slog.String("error", err.Error()))
	middleware.WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "サーバー内部でエラーが発生しました。",
		Category: "system",
		Action:   "時間をおいて再試行してください。",
	})
}

// toReelResponse はドメインモデルをAPIレスポンスへ変換する。
func toReelResponse(reel *model.Reel) reelResponse {
	resp := reelResponse{
		ID:              reel.ID,
		Shortcode:       reel.Shortcode,
		URL:             reel.URL,
		CanonicalURL:    reel.CanonicalURL,
		Caption:         reel.Caption,
		Hashtags:        reel.Hashtags,
		Username:        reel.Username,
		FullName:        reel.FullName,
		ThumbnailURL:    reel.ThumbnailURL,
		VideoURL:        reel.VideoURL,
		DurationSeconds: reel.DurationSeconds,
		Summary:         reel.Summary,
		Category:        reel.Category,
		Intent:          reel.Intent,
		IsImagePost:     reel.IsImagePost,
		Status:          string(reel.Status),
		IsStarred:       reel.IsStarred,
		CreatedAt:       reel.CreatedAt.Format(time.RFC3339),
	}
	if reel.PostedAt != nil {
		resp.PostedAt = reel.PostedAt.Format(time.RFC3339)
	}
	return resp
}
