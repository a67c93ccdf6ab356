// Package messenger はWhatsAppへのメッセージ送信機能を提供する。
// TwilioのMessages APIを使用する。
package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/reelvault/internal/model"
)

// defaultEndpointFormat はTwilio Messages APIのエンドポイント。アカウントSIDを埋め込む。
const defaultEndpointFormat = "https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json"

// Messenger はメッセージ送信機能のインターフェースを定義する。
// セッションマネージャ、パイプライン、リマインダースケジューラの3箇所から使用される。
type Messenger interface {
	// Send は指定の電話番号へWhatsAppメッセージを送信する。
	// 宛先はE.164形式（whatsapp:プレフィックスは自動付与）。
	Send(ctx context.Context, to, body string) error
}

// Client はTwilio Messages APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	accountSID string
	authToken  string
	fromNumber string // whatsapp:+14155238886 の形式
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, accountSID, authToken, fromNumber string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		endpoint:   fmt.Sprintf(defaultEndpointFormat, accountSID),
	}
}

// twilioError はTwilio APIのエラーレスポンス。
type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Twilioのエラーコード。
const (
	// codeDailyLimitExceeded はサンドボックスの日次送信上限超過。
	codeDailyLimitExceeded = 63038
	// codeTooManyRequests はAPI全体のレート制限。
	codeTooManyRequests = 20429
	// codeInvalidToNumber は宛先番号の形式不正。
	codeInvalidToNumber = 21211
	// codeNotMobileNumber は宛先がモバイル番号でない。
	codeNotMobileNumber = 21614
)

// Send は指定の電話番号へWhatsAppメッセージを送信する。
// 失敗はFailureKindで分類して返す:
//   - HTTP 429、コード20429/63038: FailureRateLimited
//   - コード21211/21614: FailureInvalidRecipient
//   - それ以外のエラー: FailureUpstreamUnavailable
func (c *Client) Send(ctx context.Context, to, body string) error {
	form := url.Values{}
	form.Set("From", c.fromNumber)
	form.Set("To", withWhatsAppPrefix(to))
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Twilio APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return model.NewCollaboratorError(model.FailureUpstreamUnavailable, "twilio.send", err)
	}
	defer resp.Body.Close()

	// 201 Createdで送信受付完了
	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.NewCollaboratorError(model.FailureUpstreamUnavailable, "twilio.send",
			fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err))
	}

	var twErr twilioError
	// エラーボディが解析できなくても、ステータスコードで分類は続行する
	_ = json.Unmarshal(respBody, &twErr)

	kind := classify(resp.StatusCode, twErr.Code)
	c.logger.Error("Twilio APIがエラーを返しました",
		slog.Int("http_status", resp.StatusCode),
		slog.Int("twilio_code", twErr.Code),
		slog.String("kind", string(kind)),
	)

	return model.NewCollaboratorError(kind, "twilio.send",
		fmt.Errorf("Twilio APIがステータス %d を返しました (コード %d: %s)", resp.StatusCode, twErr.Code, twErr.Message))
}

// classify はHTTPステータスとTwilioエラーコードから失敗分類を決定する。
func classify(httpStatus, twilioCode int) model.FailureKind {
	switch twilioCode {
	case codeDailyLimitExceeded, codeTooManyRequests:
		return model.FailureRateLimited
	case codeInvalidToNumber, codeNotMobileNumber:
		return model.FailureInvalidRecipient
	}
	if httpStatus == http.StatusTooManyRequests {
		return model.FailureRateLimited
	}
	return model.FailureUpstreamUnavailable
}

// withWhatsAppPrefix は電話番号にwhatsapp:プレフィックスを付与する。付与済みならそのまま返す。
func withWhatsAppPrefix(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// compile-time interface check
var _ Messenger = (*Client)(nil)
