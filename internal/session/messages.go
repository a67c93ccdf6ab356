package session

import (
	"fmt"
	"strings"

	"github.com/hitoshi/reelvault/internal/model"
)

// ユーザー向けメッセージ。WhatsAppでそのまま表示される英語テキスト。

const (
	msgRegistrationPrompt = "👋 Welcome to ReelVault!\n\n" +
		"Are you a new or an existing user?\n\n" +
		"1️⃣ Existing user\n" +
		"2️⃣ New user\n\n" +
		"Reply with 1 or 2."

	msgNotAUser = "❌ We couldn't find an account for this number.\n" +
		"Reply 2 to register as a new user."

	msgAlreadyRegistered = "📌 You're already registered!\n" +
		"Reply 1 to continue as an existing user."

	msgHelp = "👋 Send me an Instagram reel or post link and I'll save it to your dashboard!\n\n" +
		"Example: https://www.instagram.com/reel/ABC123/"

	msgUnsupportedLink = "🤔 That looks like an Instagram link, but I can only save reels and posts.\n" +
		"Try a link like https://www.instagram.com/reel/ABC123/"

	msgMenu = "What's next?\n\n" +
		"1️⃣ Set a reminder\n" +
		"2️⃣ Recent saves\n" +
		"3️⃣ Dashboard\n\n" +
		"Reply with 1, 2 or 3."

	msgSaved = "✅ Reel is successfully saved in your dashboard 🚀\n\n" + msgMenu

	msgAlreadySaved = "📌 This reel is already saved in your dashboard!\n\n" + msgMenu

	msgProcessing = "⏳ This reel is already being analyzed. Hang tight!"

	msgRetrying = "🔄 Giving this reel another try! I'll let you know if something goes wrong.\n\n" + msgMenu

	msgAskTime = "⏰ When should I remind you? Try something like:\n\n" +
		"• in 2 hours\n" +
		"• tomorrow at 6pm\n" +
		"• on friday at 9am"

	msgTimeRetry = "🤔 I couldn't understand that time. Try something like:\n\n" +
		"• in 2 hours\n" +
		"• tomorrow at 6pm\n" +
		"• on friday at 9am"

	msgTimeMustBeFuture = "🤔 That time has already passed. Try something like:\n\n" +
		"• in 2 hours\n" +
		"• tomorrow at 6pm\n" +
		"• on friday at 9am"

	msgTimeCancelled = "❌ Couldn't set that reminder. Send the link again whenever you want to retry."

	msgMenuHint = "🤖 Reply with:\n\n" +
		"1️⃣ Set a reminder\n" +
		"2️⃣ Recent saves\n" +
		"3️⃣ Dashboard"

	msgNoRecentSaves = "📂 You haven't saved anything yet. Send me an Instagram link to get started!"
)

// reminderConfirmation はリマインダー設定完了メッセージを組み立てる。
func reminderConfirmation(formattedTime string) string {
	return fmt.Sprintf("✅ Reminder set for %s ⏰", formattedTime)
}

// savedWithReminder は保存とリマインダー設定を1通で確認するメッセージを組み立てる。
func savedWithReminder(formattedTime string) string {
	return fmt.Sprintf("✅ Reel is successfully saved in your dashboard 🚀\n\n⏰ I'll remind you on %s.", formattedTime)
}

// dashboardMessage はダッシュボードリンクのメッセージを組み立てる。
func dashboardMessage(dashboardURL string) string {
	return fmt.Sprintf("📊 Your dashboard:\n%s", dashboardURL)
}

// recentSavesMessage は最近の保存の一覧メッセージを組み立てる。
func recentSavesMessage(reels []*model.Reel) string {
	if len(reels) == 0 {
		return msgNoRecentSaves
	}

	var b strings.Builder
	b.WriteString("📂 Your recent saves:\n")
	for i, reel := range reels {
		b.WriteString(fmt.Sprintf("\n%d. %s\n", i+1, reelTitle(reel)))
		b.WriteString("   " + reelLink(reel) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// reelTitle は一覧表示用の1行タイトルを組み立てる。
// AI要約があればそれを優先し、なければ投稿者とステータスで補う。
func reelTitle(reel *model.Reel) string {
	var parts []string
	if reel.Category != "" {
		parts = append(parts, "["+reel.Category+"]")
	}
	if reel.Username != "" {
		parts = append(parts, "@"+reel.Username)
	}
	switch {
	case reel.Summary != "":
		parts = append(parts, reel.Summary)
	case reel.Status == model.ReelStatusProcessing, reel.Status == model.ReelStatusMetadataExtracted:
		parts = append(parts, "(still analyzing)")
	case reel.Status == model.ReelStatusFailed:
		parts = append(parts, "(analysis failed)")
	}
	if len(parts) == 0 {
		return reel.Shortcode
	}
	return strings.Join(parts, " ")
}

// reelLink は表示用のリンクを返す。正規URLがあればそれを優先する。
func reelLink(reel *model.Reel) string {
	if reel.CanonicalURL != "" {
		return reel.CanonicalURL
	}
	return reel.URL
}
