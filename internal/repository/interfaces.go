// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/reelvault/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByPhone は電話番号でユーザーを検索する。見つからない場合はnilを返す。
	FindByPhone(ctx context.Context, phone string) (*model.User, error)

	// Create はユーザーを作成する。同一電話番号が既に存在する場合は
	// is_registeredのみを上書きする（冪等）。
	Create(ctx context.Context, user *model.User) error

	// MarkRegistered は指定ユーザーの登録フラグを立てる。
	MarkRegistered(ctx context.Context, phone string) error
}

// ReelRepository はリールデータの永続化インターフェース。
// ステージごとの更新は各ステージの全フィールドをまとめて書き込み、
// 部分適用された状態遷移を残さない。
type ReelRepository interface {
	// FindByUserAndShortcode はユーザーとshortcodeでリールを検索する。見つからない場合はnilを返す。
	FindByUserAndShortcode(ctx context.Context, phone, shortcode string) (*model.Reel, error)

	// FindByID は指定IDのリールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Reel, error)

	// Create はリールをprocessing状態で作成する。
	// (user_phone, shortcode) のユニーク制約違反時はFailureDuplicate分類のエラーを返す。
	Create(ctx context.Context, reel *model.Reel) error

	// UpdateMetadata はメタデータステージの全フィールドを書き込み、
	// ステータスをmetadata_extractedへ遷移させる。
	UpdateMetadata(ctx context.Context, phone, shortcode string, meta *model.ReelMetadata) error

	// UpdateEnrichment はAI分析ステージの全フィールドを書き込み、
	// ステータスをcompletedへ遷移させる。
	UpdateEnrichment(ctx context.Context, phone, shortcode string, enrichment *model.Enrichment) error

	// MarkStatus はリールのステータスのみを更新する。
	// failed化とユーザー起点のリトライ（failed → processing）で使用する。
	MarkStatus(ctx context.Context, phone, shortcode string, status model.ReelStatus) error

	// ListRecentByUser はユーザーの最近の保存をcreated_at降順で最大limit件返す。
	ListRecentByUser(ctx context.Context, phone string, limit int) ([]*model.Reel, error)

	// ListByUser はユーザーの全リールをcreated_at降順で返す。ダッシュボードAPI用。
	ListByUser(ctx context.Context, phone string) ([]*model.Reel, error)

	// ToggleStar はスター状態を反転し、反転後の値を返す。
	// 対象が存在しない場合はfalseとエラーを返す。
	ToggleStar(ctx context.Context, id string) (bool, error)

	// DeleteByID は指定IDのリールを削除する。関連リマインダーはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// ReminderRepository はリマインダーデータの永続化インターフェース。
type ReminderRepository interface {
	// Create はリマインダーをpending状態で作成する。
	Create(ctx context.Context, reminder *model.Reminder) error

	// ListDue はremind_atが現在時刻以前かつpendingのリマインダーを
	// リールの表示用フィールドとJOINしてremind_at昇順で返す。
	ListDue(ctx context.Context, now time.Time) ([]*model.DueReminder, error)

	// MarkStatus はリマインダーの配信状態を更新する。
	// スケジューラのみが呼び出し、pendingからの一方向遷移のみを行う。
	MarkStatus(ctx context.Context, id string, status model.ReminderStatus) error
}
