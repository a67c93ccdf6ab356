// Package pipeline はコンテンツレコードの非同期取り込みパイプラインを提供する。
// メタデータ抽出とAI分析を経て、レコードをprocessingからcompletedへ進める。
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/reelvault/internal/messenger"
	"github.com/hitoshi/reelvault/internal/metrics"
	"github.com/hitoshi/reelvault/internal/model"
	"github.com/hitoshi/reelvault/internal/repository"
	"github.com/hitoshi/reelvault/internal/security"
)

// msgPipelineFailed はパイプライン失敗時の通知メッセージ。
// 失敗1回につき必ず1通だけ送る。
const msgPipelineFailed = "❌ Something went wrong while analyzing your reel.\n" +
	"Send the link again whenever you want to retry."

// Task は取り込み1件分の作業単位。
type Task struct {
	Shortcode string
	URL       string
	Phone     string
}

// MetadataFetcher はメタデータ抽出サービスのインターフェース。
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, reelURL string) (*model.ReelMetadata, error)
}

// Enricher はAI分析サービスのインターフェース。
type Enricher interface {
	Analyze(ctx context.Context, input *model.EnrichInput) (*model.Enrichment, error)
}

// RunnerDeps はRunnerの依存関係。
type RunnerDeps struct {
	Logger    *slog.Logger
	Reels     repository.ReelRepository
	Fetcher   MetadataFetcher
	Enricher  Enricher
	Messenger messenger.Messenger
	Sanitizer security.TextSanitizerService
	Guard     security.SSRFGuardService
	Metrics   metrics.MetricsCollector

	// ThumbClient はサムネイル取得用のSSRF防止付きHTTPクライアント。
	ThumbClient *http.Client
	// ThumbnailMaxSize はサムネイルの最大許容サイズ（バイト）。
	ThumbnailMaxSize int64
	// Workers は並行して取り込みを行うワーカー数。
	Workers int
	// QueueSize はタスクキューのバッファ長。
	QueueSize int
	// RunTimeout は取り込み1件あたりの制限時間。
	RunTimeout time.Duration
}

// Runner は取り込みパイプラインの実行基盤。
// 明示的なタスクキューとワーカープールで構成され、各ランは独立した
// エラー境界を持つ。失敗してもプロセスは落ちない。
type Runner struct {
	deps  RunnerDeps
	tasks chan Task
	wg    sync.WaitGroup
}

// NewRunner はRunnerの新しいインスタンスを生成する。
func NewRunner(deps RunnerDeps) *Runner {
	return &Runner{
		deps:  deps,
		tasks: make(chan Task, deps.QueueSize),
	}
}

// Start はワーカープールを起動する。ctxのキャンセルで新規タスクの
// 受付を終える。実行中のランは完了まで走り切る（中断なし）。
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.deps.Workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-r.tasks:
					r.process(task)
				}
			}
		}()
	}
	r.deps.Logger.Info("取り込みパイプラインを起動しました",
		slog.Int("workers", r.deps.Workers),
		slog.Int("queue_size", r.deps.QueueSize),
	)
}

// Wait はすべてのワーカーの終了を待つ。
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Submit はタスクをキューへ投入する。呼び出し元をブロックしない。
// キューが満杯の場合はキューを迂回して専用ゴルーチンで直接実行する。
func (r *Runner) Submit(shortcode, url, phone string) {
	task := Task{Shortcode: shortcode, URL: url, Phone: phone}
	select {
	case r.tasks <- task:
	default:
		r.deps.Logger.Warn("タスクキューが満杯のため直接実行します",
			slog.String("shortcode", shortcode),
		)
		go r.process(task)
	}
}

// process はタスク1件を実行する。パニックを含むあらゆる失敗を
// この境界で回収し、プロセスへ伝播させない。
func (r *Runner) process(task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.deps.Logger.Error("取り込み処理でパニックが発生しました",
				slog.String("shortcode", task.Shortcode),
				slog.Any("panic", rec),
			)
			r.deps.Metrics.RecordPipelineFailure("panic")
		}
	}()

	// 元のリクエストとは独立したライフサイクルで実行する
	ctx, cancel := context.WithTimeout(context.Background(), r.deps.RunTimeout)
	defer cancel()

	start := time.Now()
	if err := r.run(ctx, task); err != nil {
		r.fail(task, err)
		return
	}

	r.deps.Metrics.RecordPipelineSuccess()
	r.deps.Metrics.RecordPipelineLatency(time.Since(start))
	r.deps.Logger.Info("取り込みが完了しました",
		slog.String("shortcode", task.Shortcode),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// run は取り込みの各ステージを順に実行する。
// ステージごとの永続化は全フィールド一括書き込みで、途中状態を残さない。
func (r *Runner) run(ctx context.Context, task Task) error {
	meta, err := r.deps.Fetcher.FetchMetadata(ctx, task.URL)
	if err != nil {
		return fmt.Errorf("メタデータの抽出に失敗しました: %w", err)
	}

	// 外部サービス由来のテキストは保存前にサニタイズする
	meta.Caption = r.deps.Sanitizer.Sanitize(meta.Caption)

	if err := r.deps.Reels.UpdateMetadata(ctx, task.Phone, task.Shortcode, meta); err != nil {
		return fmt.Errorf("メタデータの保存に失敗しました: %w", err)
	}

	input := &model.EnrichInput{
		Caption:         meta.Caption,
		Hashtags:        meta.Hashtags,
		Username:        meta.Username,
		FullName:        meta.FullName,
		DurationSeconds: meta.DurationSeconds,
	}

	// 画像投稿はサムネイルも分析に渡す。取得失敗はテキストのみ分析に切り替える
	if meta.IsImagePost && meta.ThumbnailURL != "" {
		thumb, err := r.fetchThumbnail(ctx, meta.ThumbnailURL)
		if err != nil {
			r.deps.Logger.Warn("サムネイルの取得に失敗したためテキストのみで分析します",
				slog.String("shortcode", task.Shortcode),
				slog.String("error", err.Error()),
			)
		} else {
			input.ThumbnailBytes = thumb
		}
	}

	enrichment, err := r.deps.Enricher.Analyze(ctx, input)
	if err != nil {
		return fmt.Errorf("AI分析に失敗しました: %w", err)
	}

	enrichment.Summary = r.deps.Sanitizer.Sanitize(enrichment.Summary)

	if err := r.deps.Reels.UpdateEnrichment(ctx, task.Phone, task.Shortcode, enrichment); err != nil {
		return fmt.Errorf("AI分析結果の保存に失敗しました: %w", err)
	}

	return nil
}

// fetchThumbnail はサムネイル画像を取得する。
// 信頼できないURLのため、事前検証とSSRF防止付きクライアントを必ず通す。
func (r *Runner) fetchThumbnail(ctx context.Context, thumbnailURL string) ([]byte, error) {
	if err := r.deps.Guard.ValidateURL(thumbnailURL); err != nil {
		return nil, fmt.Errorf("サムネイルURLの検証に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, thumbnailURL, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}

	resp, err := r.deps.ThumbClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("サムネイルの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("サムネイル取得がステータス %d を返しました", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.deps.ThumbnailMaxSize))
	if err != nil {
		return nil, fmt.Errorf("サムネイルの読み取りに失敗しました: %w", err)
	}
	return data, nil
}

// failTimeout は失敗確定処理（状態更新と通知送信）の制限時間。
const failTimeout = 30 * time.Second

// fail はランの失敗を確定させる。レコードをfailedへ落とし、
// 失敗通知をちょうど1通送る。ランがRunTimeout超過で死んだ場合、
// ランのコンテキストはすでに期限切れのため、独立したコンテキストで行う。
func (r *Runner) fail(task Task, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), failTimeout)
	defer cancel()

	kind := model.KindOf(runErr)
	r.deps.Logger.Error("取り込みに失敗しました",
		slog.String("shortcode", task.Shortcode),
		slog.String("kind", string(kind)),
		slog.String("error", runErr.Error()),
	)
	r.deps.Metrics.RecordPipelineFailure(string(kind))

	if err := r.deps.Reels.MarkStatus(ctx, task.Phone, task.Shortcode, model.ReelStatusFailed); err != nil {
		r.deps.Logger.Error("failed状態への更新に失敗しました",
			slog.String("shortcode", task.Shortcode),
			slog.String("error", err.Error()),
		)
	}

	if err := r.deps.Messenger.Send(ctx, task.Phone, msgPipelineFailed); err != nil {
		if model.IsRateLimited(err) {
			// レート制限は致命ではない。ログのみで続行する
			r.deps.Metrics.RecordMessageRateLimited()
			r.deps.Logger.Warn("失敗通知がレート制限されました",
				slog.String("user_phone", task.Phone),
			)
			return
		}
		r.deps.Logger.Error("失敗通知の送信に失敗しました",
			slog.String("user_phone", task.Phone),
			slog.String("error", err.Error()),
		)
		return
	}
	r.deps.Metrics.RecordMessageSent()
}
