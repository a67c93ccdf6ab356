package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/reelvault/internal/model"
)

// pqUniqueViolation はPostgreSQLのユニーク制約違反エラーコード。
const pqUniqueViolation = "23505"

// reelColumns はreelsテーブルのSELECT対象カラム。
const reelColumns = `id, user_phone, shortcode, url, canonical_url, caption, hashtags,
		username, full_name, thumbnail_url, video_url, duration_seconds, posted_at,
		summary, category, intent, is_image_post, status, is_starred, created_at, updated_at`

// PostgresReelRepo はPostgreSQLを使用したリールリポジトリ。
type PostgresReelRepo struct {
	db *sql.DB
}

// NewPostgresReelRepo はPostgresReelRepoを生成する。
func NewPostgresReelRepo(db *sql.DB) *PostgresReelRepo {
	return &PostgresReelRepo{db: db}
}

// scanReel は1行分のリールを読み取る。
func scanReel(scan func(dest ...any) error) (*model.Reel, error) {
	reel := &model.Reel{}
	var canonicalURL, caption, username, fullName, thumbnailURL, videoURL sql.NullString
	var summary, category, intent sql.NullString
	var duration sql.NullFloat64
	var postedAt sql.NullTime

	err := scan(
		&reel.ID, &reel.UserPhone, &reel.Shortcode, &reel.URL, &canonicalURL,
		&caption, pq.Array(&reel.Hashtags), &username, &fullName,
		&thumbnailURL, &videoURL, &duration, &postedAt,
		&summary, &category, &intent, &reel.IsImagePost,
		&reel.Status, &reel.IsStarred, &reel.CreatedAt, &reel.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	reel.CanonicalURL = nullStringValue(canonicalURL)
	reel.Caption = nullStringValue(caption)
	reel.Username = nullStringValue(username)
	reel.FullName = nullStringValue(fullName)
	reel.ThumbnailURL = nullStringValue(thumbnailURL)
	reel.VideoURL = nullStringValue(videoURL)
	reel.Summary = nullStringValue(summary)
	reel.Category = nullStringValue(category)
	reel.Intent = nullStringValue(intent)
	if duration.Valid {
		reel.DurationSeconds = duration.Float64
	}
	if postedAt.Valid {
		t := postedAt.Time
		reel.PostedAt = &t
	}

	return reel, nil
}

// FindByUserAndShortcode はユーザーとshortcodeでリールを検索する。見つからない場合はnilを返す。
func (r *PostgresReelRepo) FindByUserAndShortcode(ctx context.Context, phone, shortcode string) (*model.Reel, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+reelColumns+` FROM reels WHERE user_phone = $1 AND shortcode = $2`,
		phone, shortcode,
	)

	reel, err := scanReel(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リールの検索に失敗しました: %w", err)
	}
	return reel, nil
}

// FindByID は指定IDのリールを取得する。見つからない場合はnilを返す。
func (r *PostgresReelRepo) FindByID(ctx context.Context, id string) (*model.Reel, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+reelColumns+` FROM reels WHERE id = $1`,
		id,
	)

	reel, err := scanReel(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リールの取得に失敗しました: %w", err)
	}
	return reel, nil
}

// Create はリールをprocessing状態で作成する。
// ユニーク制約違反はFailureDuplicate分類のエラーに変換する。
// チェック後の作成で競合しても、呼び出し元が既存レコード分岐として扱える。
func (r *PostgresReelRepo) Create(ctx context.Context, reel *model.Reel) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reels (id, user_phone, shortcode, url, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		reel.ID, reel.UserPhone, reel.Shortcode, reel.URL,
		reel.Status, reel.CreatedAt, reel.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return model.NewCollaboratorError(model.FailureDuplicate, "reel.create", err)
		}
		return fmt.Errorf("リールの作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateMetadata はメタデータステージの全フィールドを一括で書き込み、
// ステータスをmetadata_extractedへ遷移させる。
func (r *PostgresReelRepo) UpdateMetadata(ctx context.Context, phone, shortcode string, meta *model.ReelMetadata) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE reels SET
		    canonical_url = $3,
		    caption = $4,
		    hashtags = $5,
		    username = $6,
		    full_name = $7,
		    thumbnail_url = $8,
		    video_url = $9,
		    duration_seconds = $10,
		    posted_at = $11,
		    is_image_post = $12,
		    status = $13,
		    updated_at = now()
		 WHERE user_phone = $1 AND shortcode = $2`,
		phone, shortcode,
		nullString(meta.CanonicalURL), nullString(meta.Caption),
		pq.Array(meta.Hashtags),
		nullString(meta.Username), nullString(meta.FullName),
		nullString(meta.ThumbnailURL), nullString(meta.VideoURL),
		meta.DurationSeconds, meta.PostedAt, meta.IsImagePost,
		model.ReelStatusMetadataExtracted,
	)
	if err != nil {
		return fmt.Errorf("メタデータの保存に失敗しました: %w", err)
	}
	return nil
}

// UpdateEnrichment はAI分析ステージの全フィールドを一括で書き込み、
// ステータスをcompletedへ遷移させる。
func (r *PostgresReelRepo) UpdateEnrichment(ctx context.Context, phone, shortcode string, enrichment *model.Enrichment) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE reels SET
		    summary = $3,
		    category = $4,
		    intent = $5,
		    status = $6,
		    updated_at = now()
		 WHERE user_phone = $1 AND shortcode = $2`,
		phone, shortcode,
		nullString(enrichment.Summary), nullString(enrichment.Category),
		nullString(enrichment.Intent), model.ReelStatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("AI分析結果の保存に失敗しました: %w", err)
	}
	return nil
}

// MarkStatus はリールのステータスのみを更新する。
func (r *PostgresReelRepo) MarkStatus(ctx context.Context, phone, shortcode string, status model.ReelStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE reels SET status = $3, updated_at = now()
		 WHERE user_phone = $1 AND shortcode = $2`,
		phone, shortcode, status,
	)
	if err != nil {
		return fmt.Errorf("ステータスの更新に失敗しました: %w", err)
	}
	return nil
}

// ListRecentByUser はユーザーの最近の保存をcreated_at降順で最大limit件返す。
func (r *PostgresReelRepo) ListRecentByUser(ctx context.Context, phone string, limit int) ([]*model.Reel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+reelColumns+` FROM reels
		 WHERE user_phone = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		phone, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("最近のリール一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectReels(rows)
}

// ListByUser はユーザーの全リールをcreated_at降順で返す。
func (r *PostgresReelRepo) ListByUser(ctx context.Context, phone string) ([]*model.Reel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+reelColumns+` FROM reels
		 WHERE user_phone = $1
		 ORDER BY created_at DESC`,
		phone,
	)
	if err != nil {
		return nil, fmt.Errorf("リール一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectReels(rows)
}

// collectReels はクエリ結果の全行をリールに変換する。
func collectReels(rows *sql.Rows) ([]*model.Reel, error) {
	var reels []*model.Reel
	for rows.Next() {
		reel, err := scanReel(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("リール行の読み取りに失敗しました: %w", err)
		}
		reels = append(reels, reel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リール一覧の走査に失敗しました: %w", err)
	}
	return reels, nil
}

// ToggleStar はスター状態を反転し、反転後の値を返す。
func (r *PostgresReelRepo) ToggleStar(ctx context.Context, id string) (bool, error) {
	var starred bool
	err := r.db.QueryRowContext(ctx,
		`UPDATE reels SET is_starred = NOT is_starred, updated_at = now()
		 WHERE id = $1
		 RETURNING is_starred`,
		id,
	).Scan(&starred)

	if err == sql.ErrNoRows {
		return false, fmt.Errorf("スター対象のリールが見つかりません: %s", id)
	}
	if err != nil {
		return false, fmt.Errorf("スター状態の更新に失敗しました: %w", err)
	}
	return starred, nil
}

// DeleteByID は指定IDのリールを削除する。
func (r *PostgresReelRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM reels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("リールの削除に失敗しました: %w", err)
	}
	return nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ ReelRepository = (*PostgresReelRepo)(nil)
