package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/reelvault/internal/model"
)

var (
	ist      = time.FixedZone("IST", 5*3600+1800)
	fixedNow = time.Date(2026, 8, 26, 14, 30, 0, 0, ist)
)

type mockReelRepo struct {
	findByIDFunc   func(ctx context.Context, id string) (*model.Reel, error)
	listByUserFunc func(ctx context.Context, phone string) ([]*model.Reel, error)
	toggleStarFunc func(ctx context.Context, id string) (bool, error)
	deletedID      string
}

func (m *mockReelRepo) FindByUserAndShortcode(ctx context.Context, phone, shortcode string) (*model.Reel, error) {
	return nil, nil
}

func (m *mockReelRepo) FindByID(ctx context.Context, id string) (*model.Reel, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockReelRepo) Create(ctx context.Context, reel *model.Reel) error { return nil }

func (m *mockReelRepo) UpdateMetadata(ctx context.Context, phone, shortcode string, meta *model.ReelMetadata) error {
	return nil
}

func (m *mockReelRepo) UpdateEnrichment(ctx context.Context, phone, shortcode string, enrichment *model.Enrichment) error {
	return nil
}

func (m *mockReelRepo) MarkStatus(ctx context.Context, phone, shortcode string, status model.ReelStatus) error {
	return nil
}

func (m *mockReelRepo) ListRecentByUser(ctx context.Context, phone string, limit int) ([]*model.Reel, error) {
	return nil, nil
}

func (m *mockReelRepo) ListByUser(ctx context.Context, phone string) ([]*model.Reel, error) {
	if m.listByUserFunc != nil {
		return m.listByUserFunc(ctx, phone)
	}
	return nil, nil
}

func (m *mockReelRepo) ToggleStar(ctx context.Context, id string) (bool, error) {
	if m.toggleStarFunc != nil {
		return m.toggleStarFunc(ctx, id)
	}
	return true, nil
}

func (m *mockReelRepo) DeleteByID(ctx context.Context, id string) error {
	m.deletedID = id
	return nil
}

type mockReminderRepo struct {
	created *model.Reminder
}

func (m *mockReminderRepo) Create(ctx context.Context, reminder *model.Reminder) error {
	m.created = reminder
	return nil
}

func (m *mockReminderRepo) ListDue(ctx context.Context, now time.Time) ([]*model.DueReminder, error) {
	return nil, nil
}

func (m *mockReminderRepo) MarkStatus(ctx context.Context, id string, status model.ReminderStatus) error {
	return nil
}

func completedReel(id, phone string) *model.Reel {
	postedAt := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	return &model.Reel{
		ID:           id,
		UserPhone:    phone,
		Shortcode:    "Abc123",
		URL:          "https://instagram.com/reel/Abc123/",
		CanonicalURL: "https://www.instagram.com/reel/Abc123/",
		Caption:      "5 morning habits",
		Hashtags:     []string{"#productivity"},
		Username:     "creator_one",
		Summary:      "Morning routine tips.",
		Category:     "Productivity",
		Intent:       "Educational",
		Status:       model.ReelStatusCompleted,
		PostedAt:     &postedAt,
		CreatedAt:    fixedNow.Add(-24 * time.Hour),
		UpdatedAt:    fixedNow.Add(-24 * time.Hour),
	}
}

func newTestRouter(reels *mockReelRepo, reminders *mockReminderRepo) http.Handler {
	h := NewReelHandler(reels, reminders, testLogger(), ist)
	h.now = func() time.Time { return fixedNow }

	r := chi.NewRouter()
	r.Get("/api/reels", h.ListReels)
	r.Route("/api/reels/{id}", func(r chi.Router) {
		r.Post("/star", h.ToggleStar)
		r.Delete("/", h.DeleteReel)
		r.Post("/reminders", h.AddReminder)
	})
	return r
}

func TestListReels_ReturnsUserReels(t *testing.T) {
	reels := &mockReelRepo{
		listByUserFunc: func(ctx context.Context, phone string) ([]*model.Reel, error) {
			if phone != "+919876543210" {
				t.Errorf("user_phoneが渡されるべき: %q", phone)
			}
			return []*model.Reel{completedReel("reel-1", phone)}, nil
		},
	}
	router := newTestRouter(reels, &mockReminderRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/reels?user_phone=%2B919876543210", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	var body []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("レスポンスの解析に失敗した: %v", err)
	}
	if len(body) != 1 {
		t.Fatalf("件数が不正: got %d, want 1", len(body))
	}
	if body[0]["id"] != "reel-1" {
		t.Errorf("id = %v, want reel-1", body[0]["id"])
	}
	if body[0]["summary"] != "Morning routine tips." {
		t.Errorf("summary = %v", body[0]["summary"])
	}
	if body[0]["status"] != "completed" {
		t.Errorf("status = %v, want completed", body[0]["status"])
	}
}

func TestListReels_MissingUserPhone_Returns400(t *testing.T) {
	router := newTestRouter(&mockReelRepo{}, &mockReminderRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/reels", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["code"] != "MISSING_USER_PHONE" {
		t.Errorf("code = %q, want MISSING_USER_PHONE", body["code"])
	}
}

func TestToggleStar_ReturnsNewState(t *testing.T) {
	reels := &mockReelRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.Reel, error) {
			return completedReel(id, "+919876543210"), nil
		},
		toggleStarFunc: func(ctx context.Context, id string) (bool, error) {
			return true, nil
		},
	}
	router := newTestRouter(reels, &mockReminderRepo{})

	req := httptest.NewRequest(http.MethodPost, "/api/reels/reel-1/star", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	var body starResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("レスポンスの解析に失敗した: %v", err)
	}
	if !body.IsStarred {
		t.Error("is_starred = false, want true")
	}
}

func TestToggleStar_NotFound_Returns404(t *testing.T) {
	router := newTestRouter(&mockReelRepo{}, &mockReminderRepo{})

	req := httptest.NewRequest(http.MethodPost, "/api/reels/missing/star", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNotFound)
	}
}

func TestDeleteReel_Returns204(t *testing.T) {
	reels := &mockReelRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.Reel, error) {
			return completedReel(id, "+919876543210"), nil
		},
	}
	router := newTestRouter(reels, &mockReminderRepo{})

	req := httptest.NewRequest(http.MethodDelete, "/api/reels/reel-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNoContent)
	}
	if reels.deletedID != "reel-1" {
		t.Errorf("削除対象が不正: %q", reels.deletedID)
	}
}

func TestDeleteReel_NotFound_Returns404(t *testing.T) {
	router := newTestRouter(&mockReelRepo{}, &mockReminderRepo{})

	req := httptest.NewRequest(http.MethodDelete, "/api/reels/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNotFound)
	}
}

func addReminderReq(t *testing.T, reelID string, payload map[string]string) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("リクエストの組み立てに失敗した: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/reels/"+reelID+"/reminders", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestAddReminder_StructuredTime_Returns201(t *testing.T) {
	reels := &mockReelRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.Reel, error) {
			return completedReel(id, "+919876543210"), nil
		},
	}
	reminders := &mockReminderRepo{}
	router := newTestRouter(reels, reminders)

	remindAt := fixedNow.Add(2 * time.Hour).Format(time.RFC3339)
	req := addReminderReq(t, "reel-1", map[string]string{
		"user_phone": "+919876543210",
		"remind_at":  remindAt,
		"note":       "watch with coffee",
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", w.Result().StatusCode, http.StatusCreated, w.Body.String())
	}

	var body reminderResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("レスポンスの解析に失敗した: %v", err)
	}
	if body.ReelID != "reel-1" {
		t.Errorf("reel_id = %q, want reel-1", body.ReelID)
	}
	if body.Status != "pending" {
		t.Errorf("status = %q, want pending", body.Status)
	}
	if body.FormattedTime == "" {
		t.Error("formatted_timeが空であってはならない")
	}
	if reminders.created == nil {
		t.Fatal("リマインダーが作成されていない")
	}
	if reminders.created.Note != "watch with coffee" {
		t.Errorf("note = %q", reminders.created.Note)
	}
}

func TestAddReminder_NaturalLanguage_Returns201(t *testing.T) {
	reels := &mockReelRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.Reel, error) {
			return completedReel(id, "+919876543210"), nil
		},
	}
	reminders := &mockReminderRepo{}
	router := newTestRouter(reels, reminders)

	req := addReminderReq(t, "reel-1", map[string]string{
		"user_phone": "+919876543210",
		"text":       "tomorrow at 6pm",
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", w.Result().StatusCode, http.StatusCreated, w.Body.String())
	}

	want := time.Date(2026, 8, 27, 18, 0, 0, 0, ist)
	if !reminders.created.RemindAt.Equal(want) {
		t.Errorf("remind_at = %v, want %v", reminders.created.RemindAt, want)
	}

	var body reminderResponse
	json.NewDecoder(w.Body).Decode(&body)
	if body.FormattedTime != "Thu, 27 Aug, 6:00 PM" {
		t.Errorf("formatted_time = %q", body.FormattedTime)
	}
}

func TestAddReminder_PastTime_Returns400(t *testing.T) {
	reels := &mockReelRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.Reel, error) {
			return completedReel(id, "+919876543210"), nil
		},
	}
	router := newTestRouter(reels, &mockReminderRepo{})

	remindAt := fixedNow.Add(-1 * time.Hour).Format(time.RFC3339)
	req := addReminderReq(t, "reel-1", map[string]string{
		"user_phone": "+919876543210",
		"remind_at":  remindAt,
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["code"] != "INVALID_REMINDER_TIME" {
		t.Errorf("code = %q, want INVALID_REMINDER_TIME", body["code"])
	}
}

func TestAddReminder_UnparseableText_Returns400(t *testing.T) {
	reels := &mockReelRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.Reel, error) {
			return completedReel(id, "+919876543210"), nil
		},
	}
	router := newTestRouter(reels, &mockReminderRepo{})

	req := addReminderReq(t, "reel-1", map[string]string{
		"user_phone": "+919876543210",
		"text":       "whenever you feel like it",
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestAddReminder_OtherUsersReel_Returns404(t *testing.T) {
	reels := &mockReelRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.Reel, error) {
			return completedReel(id, "+911111111111"), nil
		},
	}
	router := newTestRouter(reels, &mockReminderRepo{})

	req := addReminderReq(t, "reel-1", map[string]string{
		"user_phone": "+919876543210",
		"text":       "tomorrow at 6pm",
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("他ユーザーのリールは404であるべき: %d", w.Result().StatusCode)
	}
}

func TestAddReminder_MissingUserPhone_Returns400(t *testing.T) {
	router := newTestRouter(&mockReelRepo{}, &mockReminderRepo{})

	req := addReminderReq(t, "reel-1", map[string]string{
		"text": "tomorrow at 6pm",
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}
