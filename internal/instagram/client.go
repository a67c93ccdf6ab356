// Package instagram はInstagram投稿のメタデータ抽出機能を提供する。
// Apifyのスクレイパーアクターを同期実行し、リール/投稿のメタデータを取得する。
package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hitoshi/reelvault/internal/model"
)

const (
	// defaultEndpoint はApifyの同期実行APIのエンドポイント。
	// アクターの実行完了を待ってデータセットの中身をそのまま返す。
	defaultEndpoint = "https://api.apify.com/v2/acts/apify~instagram-scraper/run-sync-get-dataset-items"
)

// hashtagPattern はキャプション中のハッシュタグにマッチする。Unicode対応。
var hashtagPattern = regexp.MustCompile(`#[\p{L}\p{N}_]+`)

// Client はApifyのInstagramスクレイパーAPIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	token      string
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, token string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		token:      token,
		endpoint:   defaultEndpoint,
	}
}

// apifyRunInput はアクターへの実行入力。
type apifyRunInput struct {
	DirectURLs   []string `json:"directUrls"`
	ResultsLimit int      `json:"resultsLimit"`
}

// apifyItem はデータセットの1アイテム。必要なフィールドのみ定義する。
type apifyItem struct {
	Type          string  `json:"type"`
	URL           string  `json:"url"`
	Caption       string  `json:"caption"`
	OwnerUsername string  `json:"ownerUsername"`
	OwnerFullName string  `json:"ownerFullName"`
	DisplayURL    string  `json:"displayUrl"`
	VideoURL      string  `json:"videoUrl"`
	VideoDuration float64 `json:"videoDuration"`
	Timestamp     string  `json:"timestamp"`
}

// FetchMetadata は指定URLのInstagram投稿のメタデータを取得する。
// 失敗はFailureKindで分類して返す:
//   - ネットワークエラー、5xx応答: FailureUpstreamUnavailable
//   - データセットが空: FailureNoData
//   - 応答の解析不能: FailureMalformedResponse
func (c *Client) FetchMetadata(ctx context.Context, reelURL string) (*model.ReelMetadata, error) {
	reqURL, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}
	q := reqURL.Query()
	q.Set("token", c.token)
	reqURL.RawQuery = q.Encode()

	input := apifyRunInput{DirectURLs: []string{reelURL}, ResultsLimit: 1}
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("実行入力のエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Apify APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
			slog.String("url", reelURL),
		)
		return nil, model.NewCollaboratorError(model.FailureUpstreamUnavailable, "apify.fetch", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewCollaboratorError(model.FailureUpstreamUnavailable, "apify.fetch",
			fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err))
	}

	// 同期実行APIは実行完了時に200または201を返す
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		c.logger.Error("Apify APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("url", reelURL),
		)
		return nil, model.NewCollaboratorError(model.FailureUpstreamUnavailable, "apify.fetch",
			fmt.Errorf("Apify APIがステータス %d を返しました", resp.StatusCode))
	}

	var items []apifyItem
	if err := json.Unmarshal(body, &items); err != nil {
		c.logger.Error("Apify APIのレスポンスのパースに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, model.NewCollaboratorError(model.FailureMalformedResponse, "apify.fetch",
			fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err))
	}

	if len(items) == 0 {
		return nil, model.NewCollaboratorError(model.FailureNoData, "apify.fetch",
			fmt.Errorf("投稿データが返されませんでした: %s", reelURL))
	}

	return toMetadata(&items[0], reelURL), nil
}

// toMetadata はApifyのアイテムをドメインのメタデータに変換する。
func toMetadata(item *apifyItem, reelURL string) *model.ReelMetadata {
	caption := normalizeCaption(item.Caption)

	canonical := item.URL
	if canonical == "" {
		canonical = reelURL
	}

	var postedAt *time.Time
	if item.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, item.Timestamp); err == nil {
			postedAt = &t
		}
	}

	return &model.ReelMetadata{
		CanonicalURL:    canonical,
		Caption:         caption,
		Hashtags:        extractHashtags(caption),
		Username:        item.OwnerUsername,
		FullName:        item.OwnerFullName,
		ThumbnailURL:    item.DisplayURL,
		VideoURL:        item.VideoURL,
		DurationSeconds: item.VideoDuration,
		PostedAt:        postedAt,
		IsImagePost:     item.Type == "Image" || item.Type == "Sidecar",
	}
}

// normalizeCaption はキャプションの前後を切り詰め、連続する空白を1つに畳む。
func normalizeCaption(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// extractHashtags はキャプションからハッシュタグを重複なしで抽出する。
// 出現順を保つ。
func extractHashtags(caption string) []string {
	matches := hashtagPattern.FindAllString(caption, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	tags := make([]string, 0, len(matches))
	for _, tag := range matches {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}
