package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/reelvault/internal/model"
)

// PostgresReminderRepo はPostgreSQLを使用したリマインダーリポジトリ。
type PostgresReminderRepo struct {
	db *sql.DB
}

// NewPostgresReminderRepo はPostgresReminderRepoを生成する。
func NewPostgresReminderRepo(db *sql.DB) *PostgresReminderRepo {
	return &PostgresReminderRepo{db: db}
}

// Create はリマインダーをpending状態で作成する。
func (r *PostgresReminderRepo) Create(ctx context.Context, reminder *model.Reminder) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reminders (id, reel_id, user_phone, remind_at, note, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		reminder.ID, reminder.ReelID, reminder.UserPhone,
		reminder.RemindAt, nullString(reminder.Note),
		reminder.Status, reminder.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("リマインダーの作成に失敗しました: %w", err)
	}
	return nil
}

// ListDue はremind_atが指定時刻以前のpendingリマインダーを、
// 通知メッセージの組み立てに必要なリールのフィールドとJOINして返す。
// serveとworkerの両モードがスケジューラを走らせるため、FOR UPDATE
// SKIP LOCKEDで同時スイープが同じ行を掴まないようにする。
func (r *PostgresReminderRepo) ListDue(ctx context.Context, now time.Time) ([]*model.DueReminder, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT rm.id, rm.user_phone, rm.note,
		        rl.shortcode, rl.canonical_url, rl.url, rl.summary, rl.category, rl.username
		 FROM reminders rm
		 JOIN reels rl ON rl.id = rm.reel_id
		 WHERE rm.status = $1 AND rm.remind_at <= $2
		 ORDER BY rm.remind_at ASC
		 FOR UPDATE OF rm SKIP LOCKED`,
		model.ReminderStatusPending, now,
	)
	if err != nil {
		return nil, fmt.Errorf("配信対象リマインダーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var due []*model.DueReminder
	for rows.Next() {
		d := &model.DueReminder{}
		var note, canonicalURL, summary, category, username sql.NullString
		err := rows.Scan(
			&d.ReminderID, &d.UserPhone, &note,
			&d.Shortcode, &canonicalURL, &d.URL, &summary, &category, &username,
		)
		if err != nil {
			return nil, fmt.Errorf("リマインダー行の読み取りに失敗しました: %w", err)
		}
		d.Note = nullStringValue(note)
		d.CanonicalURL = nullStringValue(canonicalURL)
		d.Summary = nullStringValue(summary)
		d.Category = nullStringValue(category)
		d.Username = nullStringValue(username)
		due = append(due, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リマインダー一覧の走査に失敗しました: %w", err)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return due, nil
}

// MarkStatus はリマインダーの配信状態を更新する。
// sent/failedは終端状態であり、二度と遷移しない。pending以外の行への
// 更新は別スイープがすでに確定済みのため、何もせず成功として扱う。
func (r *PostgresReminderRepo) MarkStatus(ctx context.Context, id string, status model.ReminderStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE reminders SET status = $2 WHERE id = $1 AND status = $3`,
		id, status, model.ReminderStatusPending,
	)
	if err != nil {
		return fmt.Errorf("リマインダーの状態更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ReminderRepository = (*PostgresReminderRepo)(nil)
