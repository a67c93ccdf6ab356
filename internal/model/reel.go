// Package model はドメインモデルを定義する。
package model

import "time"

// Reel は保存されたInstagramリール/投稿のコンテンツレコードを表す。
// (user_phone, shortcode) の組がユニーク制約を持ち、重複保存の最終防壁となる。
type Reel struct {
	ID              string
	UserPhone       string
	Shortcode       string
	URL             string // ユーザーが送信した元リンク
	CanonicalURL    string // メタデータ抽出で得られた正規URL
	Caption         string
	Hashtags        []string
	Username        string // 投稿者のハンドル
	FullName        string // 投稿者の表示名
	ThumbnailURL    string
	VideoURL        string
	DurationSeconds float64
	PostedAt        *time.Time
	Summary         string
	Category        string
	Intent          string
	IsImagePost     bool
	Status          ReelStatus
	IsStarred       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ReelStatus はコンテンツレコードのライフサイクル状態を表す。
// 遷移: processing → metadata_extracted → completed。
// いずれかのステージ失敗で failed へ、ユーザーの再送信でのみ failed → processing へ戻る。
type ReelStatus string

const (
	// ReelStatusProcessing は初回保存直後、メタデータ抽出前の状態。
	ReelStatusProcessing ReelStatus = "processing"
	// ReelStatusMetadataExtracted はメタデータ保存済み、AI分析前の状態。
	ReelStatusMetadataExtracted ReelStatus = "metadata_extracted"
	// ReelStatusCompleted はAI分析まで完了した状態。
	ReelStatusCompleted ReelStatus = "completed"
	// ReelStatusFailed はいずれかのステージが失敗した状態。
	ReelStatusFailed ReelStatus = "failed"
)

// ReelMetadata はメタデータ抽出サービスから取得した未保存の投稿データを表す。
// パイプラインの第1ステージの出力としてリポジトリに渡される。
type ReelMetadata struct {
	CanonicalURL    string
	Caption         string
	Hashtags        []string
	Username        string
	FullName        string
	ThumbnailURL    string
	VideoURL        string
	DurationSeconds float64
	PostedAt        *time.Time
	IsImagePost     bool
}

// EnrichInput はAI分析に渡す入力データ。
// ThumbnailBytesは画像投稿の場合のみ設定される（マルチモーダル分析用）。
type EnrichInput struct {
	Caption         string
	Hashtags        []string
	Username        string
	FullName        string
	DurationSeconds float64
	ThumbnailBytes  []byte
}

// Enrichment はAI分析の結果（要約・カテゴリ・意図分類）を表す。
type Enrichment struct {
	Summary  string
	Category string
	Intent   string
}
