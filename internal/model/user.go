// Package model はドメインモデルを定義する。
package model

import "time"

// User はWhatsApp経由でサービスを利用するユーザーを表す。
// 電話番号（whatsapp:プレフィックスを除いたもの）を安定識別子とする。
type User struct {
	ID           string
	Phone        string
	IsRegistered bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
