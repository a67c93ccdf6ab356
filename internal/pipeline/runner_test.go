package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/reelvault/internal/model"
	"github.com/hitoshi/reelvault/internal/security"
)

// --- モック ---

type mockReelRepo struct {
	mu                sync.Mutex
	updatedMetadata   *model.ReelMetadata
	updatedEnrichment *model.Enrichment
	markedStatus      model.ReelStatus
	markCtxErr        error

	updateMetadataErr   error
	updateEnrichmentErr error
}

func (m *mockReelRepo) FindByUserAndShortcode(ctx context.Context, phone, shortcode string) (*model.Reel, error) {
	return nil, nil
}
func (m *mockReelRepo) FindByID(ctx context.Context, id string) (*model.Reel, error) { return nil, nil }
func (m *mockReelRepo) Create(ctx context.Context, reel *model.Reel) error           { return nil }

func (m *mockReelRepo) UpdateMetadata(ctx context.Context, phone, shortcode string, meta *model.ReelMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatedMetadata = meta
	return m.updateMetadataErr
}

func (m *mockReelRepo) UpdateEnrichment(ctx context.Context, phone, shortcode string, enrichment *model.Enrichment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatedEnrichment = enrichment
	return m.updateEnrichmentErr
}

func (m *mockReelRepo) MarkStatus(ctx context.Context, phone, shortcode string, status model.ReelStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markedStatus = status
	m.markCtxErr = ctx.Err()
	return nil
}

func (m *mockReelRepo) ListRecentByUser(ctx context.Context, phone string, limit int) ([]*model.Reel, error) {
	return nil, nil
}
func (m *mockReelRepo) ListByUser(ctx context.Context, phone string) ([]*model.Reel, error) {
	return nil, nil
}
func (m *mockReelRepo) ToggleStar(ctx context.Context, id string) (bool, error) { return false, nil }
func (m *mockReelRepo) DeleteByID(ctx context.Context, id string) error         { return nil }

type mockFetcher struct {
	fetchFunc func(ctx context.Context, reelURL string) (*model.ReelMetadata, error)
}

func (m *mockFetcher) FetchMetadata(ctx context.Context, reelURL string) (*model.ReelMetadata, error) {
	return m.fetchFunc(ctx, reelURL)
}

type mockEnricher struct {
	analyzeFunc func(ctx context.Context, input *model.EnrichInput) (*model.Enrichment, error)
	gotInput    *model.EnrichInput
}

func (m *mockEnricher) Analyze(ctx context.Context, input *model.EnrichInput) (*model.Enrichment, error) {
	m.gotInput = input
	if m.analyzeFunc != nil {
		return m.analyzeFunc(ctx, input)
	}
	return &model.Enrichment{Summary: "A summary.", Category: "Other", Intent: "Informational"}, nil
}

type mockMessenger struct {
	mu         sync.Mutex
	sent       []string
	sendErr    error
	sendCtxErr error
}

func (m *mockMessenger) Send(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, body)
	m.sendCtxErr = ctx.Err()
	return m.sendErr
}

type mockMetrics struct {
	mu           sync.Mutex
	successes    int
	failures     map[string]int
	latencies    int
	sent         int
	rateLimited  int
	remSent      int
	remFailed    int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{failures: make(map[string]int)}
}

func (m *mockMetrics) RecordPipelineSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes++
}

func (m *mockMetrics) RecordPipelineFailure(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[stage]++
}

func (m *mockMetrics) RecordPipelineLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies++
}

func (m *mockMetrics) RecordReminderSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remSent++
}

func (m *mockMetrics) RecordReminderFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remFailed++
}

func (m *mockMetrics) RecordMessageSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent++
}

func (m *mockMetrics) RecordMessageRateLimited() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimited++
}

// allowAllGuard はテスト用にすべてのURLを許可するガード。
// httptestサーバーはループバックで起動するため、本物のガードでは弾かれる。
type allowAllGuard struct{}

func (allowAllGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	return http.DefaultClient
}
func (allowAllGuard) ValidateURL(rawURL string) error { return nil }

// --- フィクスチャ ---

type fixture struct {
	runner    *Runner
	reels     *mockReelRepo
	fetcher   *mockFetcher
	enricher  *mockEnricher
	messenger *mockMessenger
	metrics   *mockMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	var buf bytes.Buffer
	f := &fixture{
		reels:     &mockReelRepo{},
		fetcher:   &mockFetcher{},
		enricher:  &mockEnricher{},
		messenger: &mockMessenger{},
		metrics:   newMockMetrics(),
	}
	f.fetcher.fetchFunc = func(ctx context.Context, reelURL string) (*model.ReelMetadata, error) {
		return &model.ReelMetadata{
			CanonicalURL: "https://www.instagram.com/reel/Abc123/",
			Caption:      "5 morning habits #productivity",
			Hashtags:     []string{"#productivity"},
			Username:     "creator_one",
		}, nil
	}
	f.runner = NewRunner(RunnerDeps{
		Logger:           slog.New(slog.NewJSONHandler(&buf, nil)),
		Reels:            f.reels,
		Fetcher:          f.fetcher,
		Enricher:         f.enricher,
		Messenger:        f.messenger,
		Sanitizer:        security.NewTextSanitizer(),
		Guard:            allowAllGuard{},
		Metrics:          f.metrics,
		ThumbClient:      http.DefaultClient,
		ThumbnailMaxSize: 5 * 1024 * 1024,
		Workers:          2,
		QueueSize:        4,
		RunTimeout:       5 * time.Second,
	})
	return f
}

var testTask = Task{Shortcode: "Abc123", URL: "https://www.instagram.com/reel/Abc123/", Phone: "+919876543210"}

// --- テスト ---

func TestProcess_SuccessRunsAllStages(t *testing.T) {
	f := newFixture(t)

	f.runner.process(testTask)

	if f.reels.updatedMetadata == nil {
		t.Fatal("メタデータが保存されていない")
	}
	if f.reels.updatedMetadata.Caption != "5 morning habits #productivity" {
		t.Errorf("キャプションが不正: %q", f.reels.updatedMetadata.Caption)
	}
	if f.reels.updatedEnrichment == nil {
		t.Fatal("AI分析結果が保存されていない")
	}
	if f.reels.updatedEnrichment.Summary != "A summary." {
		t.Errorf("要約が不正: %q", f.reels.updatedEnrichment.Summary)
	}
	if f.metrics.successes != 1 || f.metrics.latencies != 1 {
		t.Errorf("成功メトリクスが記録されるべき: %+v", f.metrics)
	}
	if len(f.messenger.sent) != 0 {
		t.Errorf("成功時に通知を送ってはならない: %v", f.messenger.sent)
	}
}

func TestProcess_SanitizesExternalText(t *testing.T) {
	f := newFixture(t)
	f.fetcher.fetchFunc = func(ctx context.Context, reelURL string) (*model.ReelMetadata, error) {
		return &model.ReelMetadata{
			Caption:  `recipe <script>alert("x")</script> here`,
			Username: "chef",
		}, nil
	}
	f.enricher.analyzeFunc = func(ctx context.Context, input *model.EnrichInput) (*model.Enrichment, error) {
		return &model.Enrichment{Summary: "<b>Pasta</b> recipe.", Category: "Food", Intent: "Educational"}, nil
	}

	f.runner.process(testTask)

	if f.reels.updatedMetadata.Caption != "recipe here" {
		t.Errorf("キャプションがサニタイズされていない: %q", f.reels.updatedMetadata.Caption)
	}
	if f.reels.updatedEnrichment.Summary != "Pasta recipe." {
		t.Errorf("要約がサニタイズされていない: %q", f.reels.updatedEnrichment.Summary)
	}
}

func TestProcess_FetchFailure_MarksFailedAndNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	f.fetcher.fetchFunc = func(ctx context.Context, reelURL string) (*model.ReelMetadata, error) {
		return nil, model.NewCollaboratorError(model.FailureUpstreamUnavailable, "apify.fetch",
			errors.New("service down"))
	}

	f.runner.process(testTask)

	if f.reels.markedStatus != model.ReelStatusFailed {
		t.Errorf("failedへ遷移するべき: %s", f.reels.markedStatus)
	}
	if len(f.messenger.sent) != 1 {
		t.Fatalf("失敗通知はちょうど1通であるべき: %d", len(f.messenger.sent))
	}
	if f.metrics.failures["upstream_unavailable"] != 1 {
		t.Errorf("失敗分類が記録されるべき: %v", f.metrics.failures)
	}
	if f.reels.updatedMetadata != nil {
		t.Error("フェッチ失敗時にメタデータが保存されてはならない")
	}
}

func TestProcess_EnrichFailure_MarksFailedAfterMetadata(t *testing.T) {
	f := newFixture(t)
	f.enricher.analyzeFunc = func(ctx context.Context, input *model.EnrichInput) (*model.Enrichment, error) {
		return nil, model.NewCollaboratorError(model.FailureMalformedResponse, "gemini.analyze",
			errors.New("bad json"))
	}

	f.runner.process(testTask)

	// メタデータのステージは完了済みで、その後failedへ落ちる
	if f.reels.updatedMetadata == nil {
		t.Error("メタデータのステージは完了しているべき")
	}
	if f.reels.markedStatus != model.ReelStatusFailed {
		t.Errorf("failedへ遷移するべき: %s", f.reels.markedStatus)
	}
	if len(f.messenger.sent) != 1 {
		t.Errorf("失敗通知はちょうど1通であるべき: %d", len(f.messenger.sent))
	}
	if f.reels.updatedEnrichment != nil {
		t.Error("分析失敗時にAI分析結果が保存されてはならない")
	}
}

func TestProcess_RunTimeout_StillMarksFailedAndNotifies(t *testing.T) {
	f := newFixture(t)

	// ランの制限時間を超えるまで応答しない上流を模す
	f.fetcher.fetchFunc = func(ctx context.Context, reelURL string) (*model.ReelMetadata, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	var buf bytes.Buffer
	runner := NewRunner(RunnerDeps{
		Logger:           slog.New(slog.NewJSONHandler(&buf, nil)),
		Reels:            f.reels,
		Fetcher:          f.fetcher,
		Enricher:         f.enricher,
		Messenger:        f.messenger,
		Sanitizer:        security.NewTextSanitizer(),
		Guard:            allowAllGuard{},
		Metrics:          f.metrics,
		ThumbClient:      http.DefaultClient,
		ThumbnailMaxSize: 5 * 1024 * 1024,
		Workers:          1,
		QueueSize:        1,
		RunTimeout:       50 * time.Millisecond,
	})

	runner.process(testTask)

	// 期限切れのランコンテキストを引き継がず、失敗を確定できること
	if f.reels.markedStatus != model.ReelStatusFailed {
		t.Errorf("タイムアウト後もfailedに遷移していない: %q", f.reels.markedStatus)
	}
	if f.reels.markCtxErr != nil {
		t.Errorf("MarkStatus が期限切れコンテキストで呼ばれた: %v", f.reels.markCtxErr)
	}
	if len(f.messenger.sent) != 1 {
		t.Fatalf("失敗通知の件数が不正: got %d, want 1", len(f.messenger.sent))
	}
	if f.messenger.sendCtxErr != nil {
		t.Errorf("Send が期限切れコンテキストで呼ばれた: %v", f.messenger.sendCtxErr)
	}
}

func TestProcess_ImagePost_IncludesThumbnailBytes(t *testing.T) {
	thumb := []byte{0xff, 0xd8, 0xff, 0xe0}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(thumb)
	}))
	defer ts.Close()

	f := newFixture(t)
	f.fetcher.fetchFunc = func(ctx context.Context, reelURL string) (*model.ReelMetadata, error) {
		return &model.ReelMetadata{
			Caption:      "sunset",
			Username:     "photo_person",
			ThumbnailURL: ts.URL + "/thumb.jpg",
			IsImagePost:  true,
		}, nil
	}

	f.runner.process(testTask)

	if f.enricher.gotInput == nil {
		t.Fatal("分析が呼ばれていない")
	}
	if !bytes.Equal(f.enricher.gotInput.ThumbnailBytes, thumb) {
		t.Errorf("サムネイルが分析入力に含まれるべき: %v", f.enricher.gotInput.ThumbnailBytes)
	}
	if f.metrics.successes != 1 {
		t.Error("成功として完了するべき")
	}
}

func TestProcess_ThumbnailFailure_DegradesToTextOnly(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	f := newFixture(t)
	f.fetcher.fetchFunc = func(ctx context.Context, reelURL string) (*model.ReelMetadata, error) {
		return &model.ReelMetadata{
			Caption:      "sunset",
			Username:     "photo_person",
			ThumbnailURL: ts.URL + "/gone.jpg",
			IsImagePost:  true,
		}, nil
	}

	f.runner.process(testTask)

	if f.enricher.gotInput == nil {
		t.Fatal("サムネイル失敗でも分析は実行されるべき")
	}
	if f.enricher.gotInput.ThumbnailBytes != nil {
		t.Error("取得失敗時はサムネイルなしで分析するべき")
	}
	if f.metrics.successes != 1 {
		t.Error("サムネイル失敗は致命ではなく成功として完了するべき")
	}
	if f.reels.markedStatus == model.ReelStatusFailed {
		t.Error("サムネイル失敗でfailedへ遷移してはならない")
	}
}

func TestProcess_RateLimitedNotification_LogsAndContinues(t *testing.T) {
	f := newFixture(t)
	f.fetcher.fetchFunc = func(ctx context.Context, reelURL string) (*model.ReelMetadata, error) {
		return nil, model.NewCollaboratorError(model.FailureUpstreamUnavailable, "apify.fetch",
			errors.New("down"))
	}
	f.messenger.sendErr = model.NewCollaboratorError(model.FailureRateLimited, "twilio.send",
		errors.New("limit exceeded"))

	f.runner.process(testTask)

	if f.reels.markedStatus != model.ReelStatusFailed {
		t.Error("レート制限でもfailedへの遷移は維持されるべき")
	}
	if f.metrics.rateLimited != 1 {
		t.Errorf("レート制限メトリクスが記録されるべき: %d", f.metrics.rateLimited)
	}
}

func TestProcess_PanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	f.fetcher.fetchFunc = func(ctx context.Context, reelURL string) (*model.ReelMetadata, error) {
		panic("unexpected")
	}

	// パニックがこの境界を越えないこと
	f.runner.process(testTask)

	if f.metrics.failures["panic"] != 1 {
		t.Errorf("パニックが失敗として記録されるべき: %v", f.metrics.failures)
	}
}

func TestSubmit_DispatchesToWorker(t *testing.T) {
	f := newFixture(t)

	done := make(chan struct{})
	f.fetcher.fetchFunc = func(ctx context.Context, reelURL string) (*model.ReelMetadata, error) {
		defer close(done)
		return &model.ReelMetadata{Caption: "x", Username: "u"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.runner.Start(ctx)

	f.runner.Submit(testTask.Shortcode, testTask.URL, testTask.Phone)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("投入されたタスクがワーカーで実行されていない")
	}
}

func TestSubmit_QueueFull_RunsDirectly(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t)
	// ワーカーを起動せず、キュー長1のランナーで満杯時の迂回を確認する
	f.runner = NewRunner(RunnerDeps{
		Logger:           slog.New(slog.NewJSONHandler(&buf, nil)),
		Reels:            f.reels,
		Fetcher:          f.fetcher,
		Enricher:         f.enricher,
		Messenger:        f.messenger,
		Sanitizer:        security.NewTextSanitizer(),
		Guard:            allowAllGuard{},
		Metrics:          f.metrics,
		ThumbClient:      http.DefaultClient,
		ThumbnailMaxSize: 5 * 1024 * 1024,
		Workers:          1,
		QueueSize:        1,
		RunTimeout:       5 * time.Second,
	})

	done := make(chan struct{})
	f.fetcher.fetchFunc = func(ctx context.Context, reelURL string) (*model.ReelMetadata, error) {
		defer close(done)
		return &model.ReelMetadata{Caption: "x", Username: "u"}, nil
	}

	// 1件目でキューを埋め、2件目が直接実行される
	f.runner.Submit("Queued01", "https://www.instagram.com/reel/Queued01/", "+911111111111")
	f.runner.Submit("Direct01", "https://www.instagram.com/reel/Direct01/", "+911111111111")

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("キュー満杯時にタスクが直接実行されていない")
	}
}
