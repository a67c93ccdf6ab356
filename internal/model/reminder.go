// Package model はドメインモデルを定義する。
package model

import "time"

// Reminder はリールに紐づく時刻指定リマインダーを表す。
// ステータスはスケジューラのみが変更し、sent/failedは終端状態。
type Reminder struct {
	ID        string
	ReelID    string
	UserPhone string
	RemindAt  time.Time
	Note      string // 空文字列はメモなしを表す
	Status    ReminderStatus
	CreatedAt time.Time
}

// ReminderStatus はリマインダーの配信状態を表す。
type ReminderStatus string

const (
	// ReminderStatusPending は配信待ちの状態。
	ReminderStatusPending ReminderStatus = "pending"
	// ReminderStatusSent は配信成功の終端状態。
	ReminderStatusSent ReminderStatus = "sent"
	// ReminderStatusFailed は配信失敗の終端状態。再キューはしない。
	ReminderStatusFailed ReminderStatus = "failed"
)

// DueReminder は配信対象のリマインダーとリールの表示用フィールドを結合したモデル。
// reminders と reels をJOINして取得される。
type DueReminder struct {
	ReminderID   string
	UserPhone    string
	Note         string
	Shortcode    string
	CanonicalURL string
	URL          string
	Summary      string
	Category     string
	Username     string
}
