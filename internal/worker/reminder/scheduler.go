// Package reminder はリマインダーのバックグラウンド配信処理を提供する。
// 定期的に配信期限を迎えたリマインダーを取得し、WhatsAppへ通知を送る。
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/reelvault/internal/messenger"
	"github.com/hitoshi/reelvault/internal/metrics"
	"github.com/hitoshi/reelvault/internal/model"
	"github.com/hitoshi/reelvault/internal/repository"
)

// Scheduler はリマインダー配信のスケジューリングを行う。
// ティッカーで配信対象を取得し、1件ずつ独立して配信と状態遷移を行う。
// 1件の失敗が同じサイクルの他のリマインダーを道連れにしない。
type Scheduler struct {
	reminderRepo repository.ReminderRepository
	messenger    messenger.Messenger
	metrics      metrics.MetricsCollector
	logger       *slog.Logger

	// Now はテストで現在時刻を固定するためのフック。nilならtime.Nowを使う。
	Now func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	reminderRepo repository.ReminderRepository,
	msgr messenger.Messenger,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		reminderRepo: reminderRepo,
		messenger:    msgr,
		metrics:      collector,
		logger:       logger,
	}
}

// now は現在時刻を返す。
func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("リマインダースケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("リマインダーサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("リマインダースケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("リマインダーサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は配信期限を迎えたリマインダーを1回取得し、順に配信する。
// 各リマインダーの成否は独立で、配信結果に応じてsent/failedへ遷移させる。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	due, err := s.reminderRepo.ListDue(ctx, s.now())
	if err != nil {
		return fmt.Errorf("配信対象リマインダーの取得に失敗しました: %w", err)
	}

	if len(due) == 0 {
		return nil
	}

	s.logger.Info("リマインダーサイクルを開始します",
		slog.Int("due_count", len(due)),
	)

	var sent, failed int
	for _, reminder := range due {
		if s.deliver(ctx, reminder) {
			sent++
		} else {
			failed++
		}
	}

	duration := time.Since(start)
	s.logger.Info("リマインダーサイクルが完了しました",
		slog.Int("sent_count", sent),
		slog.Int("failed_count", failed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// deliver はリマインダー1件を配信し、終端状態へ遷移させる。
// 配信失敗はfailedで確定し、再キューはしない。
func (s *Scheduler) deliver(ctx context.Context, reminder *model.DueReminder) bool {
	body := buildReminderMessage(reminder)

	if err := s.messenger.Send(ctx, reminder.UserPhone, body); err != nil {
		s.logger.Error("リマインダーの配信に失敗しました",
			slog.String("reminder_id", reminder.ReminderID),
			slog.String("user_phone", reminder.UserPhone),
			slog.String("kind", string(model.KindOf(err))),
			slog.String("error", err.Error()),
		)
		s.metrics.RecordReminderFailed()
		if model.IsRateLimited(err) {
			s.metrics.RecordMessageRateLimited()
		}
		s.markStatus(ctx, reminder.ReminderID, model.ReminderStatusFailed)
		return false
	}

	s.metrics.RecordReminderSent()
	s.metrics.RecordMessageSent()
	s.markStatus(ctx, reminder.ReminderID, model.ReminderStatusSent)
	return true
}

// markStatus は状態遷移を行い、失敗してもログのみで続行する。
func (s *Scheduler) markStatus(ctx context.Context, id string, status model.ReminderStatus) {
	if err := s.reminderRepo.MarkStatus(ctx, id, status); err != nil {
		s.logger.Error("リマインダー状態の更新に失敗しました",
			slog.String("reminder_id", id),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

// buildReminderMessage は配信メッセージを組み立てる。
// AI要約やメモがない場合は該当行を省略する。
func buildReminderMessage(reminder *model.DueReminder) string {
	var b strings.Builder
	b.WriteString("⏰ *Reminder!* You asked me to ping you about this reel:\n\n")

	var title []string
	if reminder.Category != "" {
		title = append(title, "["+reminder.Category+"]")
	}
	if reminder.Username != "" {
		title = append(title, "@"+reminder.Username)
	}
	if len(title) > 0 {
		b.WriteString(strings.Join(title, " ") + "\n")
	}
	if reminder.Summary != "" {
		b.WriteString("📝 \"" + reminder.Summary + "\"\n")
	}
	if reminder.Note != "" {
		b.WriteString("💬 Your note: " + reminder.Note + "\n")
	}

	link := reminder.CanonicalURL
	if link == "" {
		link = reminder.URL
	}
	b.WriteString("\n▶️ Watch it here:\n" + link)

	return b.String()
}
