// Package enrich は保存コンテンツのAI分析機能を提供する。
// GeminiのgenerateContent APIで要約・カテゴリ・意図分類を生成する。
package enrich

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/reelvault/internal/model"
)

const (
	// defaultEndpointFormat はGemini APIのエンドポイント。モデル名を埋め込む。
	defaultEndpointFormat = "https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent"

	// promptTemplate は分析プロンプト。応答をJSONのみに制限する。
	promptTemplate = `You are a strict Instagram reel analyzer.

CAPTION:
%s

HASHTAGS:
%s

Return ONLY valid JSON.

Use this exact structure:

{
  "summary": "Max 2 concise sentences",
  "category": "One of: Education, Entertainment, Fitness, Tech, Motivation, Business, Lifestyle, Food, Travel, Other",
  "intent": "One of: Educational, Promotional, Informational, Personal, Entertainment"
}

Do not include markdown formatting.
Do not include explanation.
Only return JSON.`
)

// Client はGemini APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	apiKey     string
	model      string
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
// modelNameは設定から渡される（既定はgemini-flash-latest）。
func NewClient(httpClient *http.Client, logger *slog.Logger, apiKey, modelName string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		apiKey:     apiKey,
		model:      modelName,
		endpoint:   fmt.Sprintf(defaultEndpointFormat, modelName),
	}
}

// generateRequest はgenerateContent APIのリクエストボディ。
type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// generateResponse はgenerateContent APIのレスポンスボディ。必要な部分のみ。
type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// analysis はモデルに要求するJSON構造。
type analysis struct {
	Summary  string `json:"summary"`
	Category string `json:"category"`
	Intent   string `json:"intent"`
}

// Analyze はコンテンツのキャプションとハッシュタグ（画像投稿の場合はサムネイルも）を
// 分析し、要約・カテゴリ・意図分類を返す。
// 失敗はFailureKindで分類して返す:
//   - ネットワークエラー、エラーステータス: FailureUpstreamUnavailable
//   - 応答の解析不能、必須フィールド欠落: FailureMalformedResponse
func (c *Client) Analyze(ctx context.Context, input *model.EnrichInput) (*model.Enrichment, error) {
	hashtags, err := json.Marshal(input.Hashtags)
	if err != nil {
		return nil, fmt.Errorf("ハッシュタグのエンコードに失敗しました: %w", err)
	}

	parts := []part{
		{Text: fmt.Sprintf(promptTemplate, input.Caption, string(hashtags))},
	}
	// 画像投稿はキャプションが乏しいことが多いため、サムネイルも分析に含める
	if len(input.ThumbnailBytes) > 0 {
		parts = append(parts, part{InlineData: &inlineData{
			MimeType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(input.ThumbnailBytes),
		}})
	}

	payload, err := json.Marshal(generateRequest{Contents: []content{{Parts: parts}}})
	if err != nil {
		return nil, fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Gemini APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, model.NewCollaboratorError(model.FailureUpstreamUnavailable, "gemini.analyze", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewCollaboratorError(model.FailureUpstreamUnavailable, "gemini.analyze",
			fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Gemini APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, model.NewCollaboratorError(model.FailureUpstreamUnavailable, "gemini.analyze",
			fmt.Errorf("Gemini APIがステータス %d を返しました", resp.StatusCode))
	}

	var genResp generateResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return nil, model.NewCollaboratorError(model.FailureMalformedResponse, "gemini.analyze",
			fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err))
	}

	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return nil, model.NewCollaboratorError(model.FailureMalformedResponse, "gemini.analyze",
			fmt.Errorf("候補が返されませんでした"))
	}

	return parseAnalysis(genResp.Candidates[0].Content.Parts[0].Text)
}

// parseAnalysis はモデルの応答テキストを分析結果に変換する。
// JSONのみを要求しているが、モデルがマークダウンのコードフェンスで
// 包んで返すことがあるため、フェンスを取り除いてから解析する。
func parseAnalysis(text string) (*model.Enrichment, error) {
	cleaned := strings.ReplaceAll(text, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	var parsed analysis
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, model.NewCollaboratorError(model.FailureMalformedResponse, "gemini.analyze",
			fmt.Errorf("分析結果のパースに失敗しました: %w", err))
	}

	if parsed.Summary == "" || parsed.Category == "" || parsed.Intent == "" {
		return nil, model.NewCollaboratorError(model.FailureMalformedResponse, "gemini.analyze",
			fmt.Errorf("分析結果に必須フィールドが欠けています"))
	}

	return &model.Enrichment{
		Summary:  parsed.Summary,
		Category: parsed.Category,
		Intent:   parsed.Intent,
	}, nil
}
