// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// FailureKind は外部コラボレータ呼び出しと永続化の失敗分類を表す。
// パイプラインとセッションマネージャはこの分類に基づいて分岐する。
type FailureKind string

const (
	// FailureInvalidInput はリンク形式不正・必須フィールド欠落を表す。状態変更なしで即座に拒否する。
	FailureInvalidInput FailureKind = "invalid_input"
	// FailureDuplicate はユニーク制約違反を表す。失敗ではなく既存レコード分岐へリダイレクトされる。
	FailureDuplicate FailureKind = "duplicate"
	// FailureUpstreamUnavailable は外部サービスのダウン・タイムアウトを表す。そのランは失敗、後で再試行可能。
	FailureUpstreamUnavailable FailureKind = "upstream_unavailable"
	// FailureNoData は外部サービスがデータを返さなかったことを表す。
	FailureNoData FailureKind = "no_data"
	// FailureMalformedResponse は外部サービスの応答が解析不能だったことを表す。
	FailureMalformedResponse FailureKind = "malformed_response"
	// FailureRateLimited は送信レート制限を表す。呼び出し元はログのみで継続する。
	FailureRateLimited FailureKind = "rate_limited"
	// FailureInvalidRecipient は宛先が無効であることを表す。
	FailureInvalidRecipient FailureKind = "invalid_recipient"
	// FailurePersistence は永続化エラーを表す。現在の操作に対して致命的。
	FailurePersistence FailureKind = "persistence"
)

// CollaboratorError は外部コラボレータまたはリポジトリの失敗を分類付きで表す。
type CollaboratorError struct {
	Kind FailureKind
	Op   string // 失敗した操作（例: "apify.fetch", "reel.create"）
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *CollaboratorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s [%s]", e.Op, e.Kind)
}

// Unwrap はラップされたエラーを返す。
func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// NewCollaboratorError は分類付きエラーを生成する。
func NewCollaboratorError(kind FailureKind, op string, err error) *CollaboratorError {
	return &CollaboratorError{Kind: kind, Op: op, Err: err}
}

// KindOf はエラーの失敗分類を返す。分類不能な場合はFailurePersistenceを返す。
func KindOf(err error) FailureKind {
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return FailurePersistence
}

// IsDuplicate はユニーク制約違反エラーかどうかを判定する。
func IsDuplicate(err error) bool {
	return KindOf(err) == FailureDuplicate
}

// IsRateLimited は送信レート制限エラーかどうかを判定する。
func IsRateLimited(err error) bool {
	return KindOf(err) == FailureRateLimited
}

// APIError はダッシュボードAPIの統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, reel, reminder, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewInvalidRequestError はリクエストボディ解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewReelNotFoundError はリール未検出エラーを生成する。
func NewReelNotFoundError(reelID string) *APIError {
	return &APIError{
		Code:     "REEL_NOT_FOUND",
		Message:  fmt.Sprintf("指定されたリールが見つかりません: %s", reelID),
		Category: "reel",
		Action:   "リールIDを確認してください。",
	}
}

// NewInvalidReminderTimeError はリマインダー時刻の検証失敗エラーを生成する。
func NewInvalidReminderTimeError(reason string) *APIError {
	return &APIError{
		Code:     "INVALID_REMINDER_TIME",
		Message:  fmt.Sprintf("無効なリマインダー時刻です: %s", reason),
		Category: "reminder",
		Action:   "未来の時刻を指定するか、「tomorrow at 6pm」のような表現で指定してください。",
	}
}

// NewMissingUserPhoneError はユーザー識別子の欠落エラーを生成する。
func NewMissingUserPhoneError() *APIError {
	return &APIError{
		Code:     "MISSING_USER_PHONE",
		Message:  "ユーザーの電話番号が指定されていません。",
		Category: "validation",
		Action:   "user_phoneフィールドを指定してください。",
	}
}
