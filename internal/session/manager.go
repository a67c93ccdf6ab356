package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/reelvault/internal/linkparse"
	"github.com/hitoshi/reelvault/internal/model"
	"github.com/hitoshi/reelvault/internal/repository"
	"github.com/hitoshi/reelvault/internal/timeparse"
)

// maxTimeAttempts はAwaitingTime状態で許容する解釈失敗の上限。
// 上限に達するとセッションを破棄してフローを打ち切る。
const maxTimeAttempts = 3

// TaskSubmitter は取り込みパイプラインへのタスク投入インターフェース。
// 投入は待ち合わせなしで戻る（fire-and-forget）。
type TaskSubmitter interface {
	Submit(shortcode, url, phone string)
}

// Reply はユーザーへの返信1通を表す。
// 送信はwebhookハンドラーが行い、マネージャは内容の決定のみを担う。
type Reply struct {
	Body string
}

// ManagerDeps はManagerの依存関係。
type ManagerDeps struct {
	Logger       *slog.Logger
	Store        Store
	Users        repository.UserRepository
	Reels        repository.ReelRepository
	Reminders    repository.ReminderRepository
	Submitter    TaskSubmitter
	DashboardURL string
	RecentLimit  int
	Location     *time.Location

	// Now はテストで現在時刻を固定するためのフック。nilならtime.Nowを使う。
	Now func() time.Time
}

// Manager はユーザーごとの会話状態マシン。
// 受信メッセージ1件を現在の状態に基づいて解釈し、返信と副作用を決定する。
type Manager struct {
	deps ManagerDeps
}

// NewManager はManagerの新しいインスタンスを生成する。
func NewManager(deps ManagerDeps) *Manager {
	return &Manager{deps: deps}
}

// now は基準タイムゾーンでの現在時刻を返す。
func (m *Manager) now() time.Time {
	if m.deps.Now != nil {
		return m.deps.Now().In(m.deps.Location)
	}
	return time.Now().In(m.deps.Location)
}

// Handle は受信メッセージを処理し、返信を返す。
// 副作用はセッションの書き換え、レコード/リマインダーの作成、
// パイプラインへのタスク投入に限られる。
func (m *Manager) Handle(ctx context.Context, phone, text string) ([]Reply, error) {
	if state, ok := m.deps.Store.Get(phone); ok {
		switch s := state.(type) {
		case *AwaitingRegistration:
			return m.handleRegistrationReply(ctx, phone, text, s)
		case *AwaitingTime:
			return m.handleTimeReply(ctx, phone, text, s)
		case *IdleWithContent:
			return m.handleMenuReply(ctx, phone, text, s)
		}
	}
	return m.handleNoSession(ctx, phone, text)
}

// handleNoSession はセッションのないユーザーからのメッセージを処理する。
func (m *Manager) handleNoSession(ctx context.Context, phone, text string) ([]Reply, error) {
	user, err := m.deps.Users.FindByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}

	// 未知のユーザーは登録フローへ。元のメッセージは登録完了後に再実行する
	if user == nil {
		m.deps.Store.Set(phone, &AwaitingRegistration{PendingText: text})
		return []Reply{{Body: msgRegistrationPrompt}}, nil
	}

	// 既知だが未登録のユーザーは黙って登録済みにして続行する
	if !user.IsRegistered {
		if err := m.deps.Users.MarkRegistered(ctx, phone); err != nil {
			return nil, err
		}
	}

	link, ok := linkparse.Extract(text)
	if !ok {
		// Instagramリンクはあるがshortcodeを特定できない（プロフィールURLなど）
		if linkparse.Contains(text) {
			return []Reply{{Body: msgUnsupportedLink}}, nil
		}
		// セッションは作らない
		return []Reply{{Body: msgHelp}}, nil
	}

	return m.handleLink(ctx, phone, text, link)
}

// handleRegistrationReply は登録確認への返信を処理する。
func (m *Manager) handleRegistrationReply(ctx context.Context, phone, text string, s *AwaitingRegistration) ([]Reply, error) {
	switch strings.TrimSpace(text) {
	case "1":
		user, err := m.deps.Users.FindByPhone(ctx, phone)
		if err != nil {
			return nil, err
		}
		if user == nil {
			// 保留中のメッセージは保持したまま再入力を待つ
			return []Reply{{Body: msgNotAUser}}, nil
		}
		if err := m.deps.Users.MarkRegistered(ctx, phone); err != nil {
			return nil, err
		}
		return m.replay(ctx, phone, s.PendingText)

	case "2":
		user, err := m.deps.Users.FindByPhone(ctx, phone)
		if err != nil {
			return nil, err
		}
		if user != nil && user.IsRegistered {
			return []Reply{{Body: msgAlreadyRegistered}}, nil
		}
		if user == nil {
			now := m.now()
			newUser := &model.User{
				ID:           uuid.New().String(),
				Phone:        phone,
				IsRegistered: true,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := m.deps.Users.Create(ctx, newUser); err != nil {
				return nil, err
			}
		} else if err := m.deps.Users.MarkRegistered(ctx, phone); err != nil {
			return nil, err
		}
		return m.replay(ctx, phone, s.PendingText)

	default:
		return []Reply{{Body: msgRegistrationPrompt}}, nil
	}
}

// replay は登録完了後、保留していた最初のメッセージを新規受信として再実行する。
func (m *Manager) replay(ctx context.Context, phone, pendingText string) ([]Reply, error) {
	m.deps.Store.Delete(phone)
	return m.Handle(ctx, phone, pendingText)
}

// handleLink はInstagramリンクを含むメッセージを処理する。
// IdleWithContent状態からの再突入でも使われる（状態は参照を更新して上書き）。
func (m *Manager) handleLink(ctx context.Context, phone, text string, link *linkparse.Link) ([]Reply, error) {
	existing, err := m.deps.Reels.FindByUserAndShortcode(ctx, phone, link.Shortcode)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return m.handleExistingReel(ctx, phone, existing)
	}

	now := m.now()
	reel := &model.Reel{
		ID:        uuid.New().String(),
		UserPhone: phone,
		Shortcode: link.Shortcode,
		URL:       link.URL,
		Status:    model.ReelStatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.deps.Reels.Create(ctx, reel); err != nil {
		// 確認と作成の間に同じリンクが並行して届いた場合は
		// ユニーク制約が検出する。既存レコード分岐へ流し直す
		if model.IsDuplicate(err) {
			raced, ferr := m.deps.Reels.FindByUserAndShortcode(ctx, phone, link.Shortcode)
			if ferr != nil {
				return nil, ferr
			}
			if raced != nil {
				return m.handleExistingReel(ctx, phone, raced)
			}
		}
		return nil, err
	}

	m.deps.Submitter.Submit(link.Shortcode, link.URL, phone)

	ref := ContentRef{ReelID: reel.ID, Shortcode: reel.Shortcode, CanonicalURL: reel.URL}
	m.deps.Store.Set(phone, &IdleWithContent{Ref: ref})

	// 最初のメッセージ自体にリマインダー指定が含まれていれば、その場で設定する
	if parsed := timeparse.Parse(text, now); parsed != nil && parsed.RemindAt.After(now) {
		if err := m.createReminder(ctx, phone, ref.ReelID, parsed); err != nil {
			return nil, err
		}
		return []Reply{{Body: savedWithReminder(timeparse.FormatTime(parsed.RemindAt))}}, nil
	}

	return []Reply{{Body: msgSaved}}, nil
}

// handleExistingReel は既存レコードへの再送信をステータス別に処理する。
func (m *Manager) handleExistingReel(ctx context.Context, phone string, reel *model.Reel) ([]Reply, error) {
	ref := ContentRef{ReelID: reel.ID, Shortcode: reel.Shortcode, CanonicalURL: reelLink(reel)}

	switch reel.Status {
	case model.ReelStatusProcessing:
		// 再キューはしない
		return []Reply{{Body: msgProcessing}}, nil

	case model.ReelStatusFailed:
		// ユーザー起点のリトライ。processingへ戻してから1回だけ再投入する
		if err := m.deps.Reels.MarkStatus(ctx, phone, reel.Shortcode, model.ReelStatusProcessing); err != nil {
			return nil, err
		}
		m.deps.Submitter.Submit(reel.Shortcode, reel.URL, phone)
		m.deps.Store.Set(phone, &IdleWithContent{Ref: ref})
		return []Reply{{Body: msgRetrying}}, nil

	default: // completed, metadata_extracted
		m.deps.Store.Set(phone, &IdleWithContent{Ref: ref})
		return []Reply{{Body: msgAlreadySaved}}, nil
	}
}

// handleMenuReply はIdleWithContent状態でのメニュー返信を処理する。
func (m *Manager) handleMenuReply(ctx context.Context, phone, text string, s *IdleWithContent) ([]Reply, error) {
	// 新しいリンクはメニューより優先する（この状態は再突入可能）
	if link, ok := linkparse.Extract(text); ok {
		return m.handleLink(ctx, phone, text, link)
	}

	reply := strings.ToLower(strings.TrimSpace(text))
	switch {
	case reply == "1" || strings.Contains(reply, "remind"):
		m.deps.Store.Set(phone, &AwaitingTime{Ref: s.Ref})
		return []Reply{{Body: msgAskTime}}, nil

	case reply == "2" || strings.Contains(reply, "recent"):
		reels, err := m.deps.Reels.ListRecentByUser(ctx, phone, m.deps.RecentLimit)
		if err != nil {
			return nil, err
		}
		m.deps.Store.Delete(phone)
		return []Reply{{Body: recentSavesMessage(reels)}}, nil

	case reply == "3" || strings.Contains(reply, "dashboard"):
		m.deps.Store.Delete(phone)
		return []Reply{{Body: dashboardMessage(m.deps.DashboardURL)}}, nil

	default:
		// セッションは維持する
		return []Reply{{Body: msgMenuHint}}, nil
	}
}

// handleTimeReply はAwaitingTime状態での時刻返信を処理する。
func (m *Manager) handleTimeReply(ctx context.Context, phone, text string, s *AwaitingTime) ([]Reply, error) {
	now := m.now()

	// 返信はキーワードを含まないことが多いため、意図ゲートを通すために前置する
	parsed := timeparse.Parse("remind me "+text, now)

	if parsed == nil || !parsed.RemindAt.After(now) {
		s.Attempts++
		if s.Attempts >= maxTimeAttempts {
			m.deps.Store.Delete(phone)
			return []Reply{{Body: msgTimeCancelled}}, nil
		}
		m.deps.Store.Set(phone, s)
		if parsed != nil {
			return []Reply{{Body: msgTimeMustBeFuture}}, nil
		}
		return []Reply{{Body: msgTimeRetry}}, nil
	}

	if err := m.createReminder(ctx, phone, s.Ref.ReelID, parsed); err != nil {
		return nil, err
	}
	m.deps.Store.Delete(phone)
	return []Reply{{Body: reminderConfirmation(timeparse.FormatTime(parsed.RemindAt))}}, nil
}

// createReminder は解析済みの時刻からリマインダーを作成する。
func (m *Manager) createReminder(ctx context.Context, phone, reelID string, parsed *timeparse.Result) error {
	reminder := &model.Reminder{
		ID:        uuid.New().String(),
		ReelID:    reelID,
		UserPhone: phone,
		RemindAt:  parsed.RemindAt,
		Note:      parsed.Note,
		Status:    model.ReminderStatusPending,
		CreatedAt: m.now(),
	}
	if err := m.deps.Reminders.Create(ctx, reminder); err != nil {
		return fmt.Errorf("リマインダーの作成に失敗しました: %w", err)
	}

	m.deps.Logger.Info("リマインダーを作成しました",
		slog.String("user_phone", phone),
		slog.String("reel_id", reelID),
		slog.Time("remind_at", parsed.RemindAt),
	)
	return nil
}
