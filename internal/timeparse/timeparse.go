// Package timeparse は自由文のリマインダー時刻表現を絶対時刻に解決する。
//
// 解釈は網羅的なNLPではなくヒューリスティックで行う。対応する表現:
//
//	"remind me tomorrow at 6pm"
//	"remind me in 2 hours"
//	"remind me on friday at 9am"
//	"set reminder at 8pm"
package timeparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/reelvault/internal/linkparse"
)

// Result は解決されたリマインダー時刻と任意のメモ。
type Result struct {
	RemindAt time.Time
	Note     string // 空文字列はメモなしを表す
}

var (
	// keywordPattern はリマインダー意図の判定ゲート。
	// これを含まないテキストはエラーではなく「意図なし」としてnilを返す。
	keywordPattern = regexp.MustCompile(`remind|reminder|alert|notify|ping|set alarm`)

	// relativePattern は "in 2 hours" のような相対表現にマッチする。
	relativePattern = regexp.MustCompile(`in\s+(\d+)\s*(minute|min|hour|hr|day|week)s?`)

	// clockPattern は "at 6:30pm" のような時刻表現にマッチする。12時間制。
	clockPattern = regexp.MustCompile(`at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?`)

	// weekdayPattern は曜日名にマッチする。"on " プレフィックスは任意。
	weekdayPattern = regexp.MustCompile(`(?:on\s+)?(sunday|monday|tuesday|wednesday|thursday|friday|saturday)`)
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Parse はメッセージからリマインダー時刻とメモを解決する。
// リマインダー意図のキーワードを含まない、またはどの規則でも時刻を
// 解決できない場合はnilを返す。時刻はnowのロケーションで解釈される。
//
// 規則は先勝ちで順に適用する:
//  1. 相対表現 "in N minutes/hours/days/weeks"
//  2. "tomorrow"（時刻省略時は翌日09:00）
//  3. "today at <time>"（時刻がなければ次の規則へ）
//  4. 曜日名（常に翌日以降の次の該当曜日、時刻省略時は09:00）
//  5. 裸の "at <time>"（今日のその時刻、過ぎていれば明日に繰り越し）
//
// 解決された時刻が未来であることの検証は呼び出し元の責務。
func Parse(message string, now time.Time) *Result {
	text := strings.ToLower(strings.TrimSpace(message))

	if !keywordPattern.MatchString(text) {
		return nil
	}

	var remindAt time.Time
	phraseEnd := -1 // メモ抽出用。認識した時刻表現の末尾位置

	if m := relativePattern.FindStringSubmatchIndex(text); m != nil {
		amount, _ := strconv.Atoi(text[m[2]:m[3]])
		unit := text[m[4]:m[5]]
		switch {
		case strings.HasPrefix(unit, "min"):
			remindAt = now.Add(time.Duration(amount) * time.Minute)
		case strings.HasPrefix(unit, "hour"), unit == "hr":
			remindAt = now.Add(time.Duration(amount) * time.Hour)
		case strings.HasPrefix(unit, "day"):
			remindAt = now.AddDate(0, 0, amount)
		case strings.HasPrefix(unit, "week"):
			remindAt = now.AddDate(0, 0, amount*7)
		}
		phraseEnd = m[1]
	}

	if remindAt.IsZero() {
		if idx := strings.Index(text, "tomorrow"); idx >= 0 {
			day := now.AddDate(0, 0, 1)
			if m := clockPattern.FindStringSubmatchIndex(text); m != nil {
				remindAt = applyClock(day, text, m)
				phraseEnd = maxInt(idx+len("tomorrow"), m[1])
			} else {
				remindAt = atHour(day, 9, 0)
				phraseEnd = idx + len("tomorrow")
			}
		}
	}

	if remindAt.IsZero() {
		if idx := strings.Index(text, "today"); idx >= 0 {
			if m := clockPattern.FindStringSubmatchIndex(text); m != nil {
				remindAt = applyClock(now, text, m)
				phraseEnd = maxInt(idx+len("today"), m[1])
			}
			// 時刻指定のない "today" は解決しない
		}
	}

	if remindAt.IsZero() {
		if m := weekdayPattern.FindStringSubmatchIndex(text); m != nil {
			target := weekdays[text[m[2]:m[3]]]
			diff := (int(target) - int(now.Weekday()) + 7) % 7
			if diff == 0 {
				diff = 7 // 同日は指さない。最短で1日後
			}
			day := now.AddDate(0, 0, diff)
			if cm := clockPattern.FindStringSubmatchIndex(text); cm != nil {
				remindAt = applyClock(day, text, cm)
				phraseEnd = maxInt(m[1], cm[1])
			} else {
				remindAt = atHour(day, 9, 0)
				phraseEnd = m[1]
			}
		}
	}

	if remindAt.IsZero() {
		if m := clockPattern.FindStringSubmatchIndex(text); m != nil {
			remindAt = applyClock(now, text, m)
			if !remindAt.After(now) {
				remindAt = remindAt.AddDate(0, 0, 1)
			}
			phraseEnd = m[1]
		}
	}

	if remindAt.IsZero() {
		return nil
	}

	return &Result{RemindAt: remindAt, Note: extractNote(message, text, phraseEnd)}
}

// applyClock は時刻表現のマッチ結果を日付dayに適用する。
// 12時間制: pmは12未満の時に+12、amの12時は0時に写す。
func applyClock(day time.Time, text string, m []int) time.Time {
	hours, _ := strconv.Atoi(text[m[2]:m[3]])
	minutes := 0
	if m[4] >= 0 {
		minutes, _ = strconv.Atoi(text[m[4]:m[5]])
	}
	if m[6] >= 0 {
		switch text[m[6]:m[7]] {
		case "pm":
			if hours < 12 {
				hours += 12
			}
		case "am":
			if hours == 12 {
				hours = 0
			}
		}
	}
	return atHour(day, hours, minutes)
}

// atHour はdayの日付を保ったまま時刻を設定する。
func atHour(day time.Time, hour, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())
}

// extractNote は認識した時刻表現の後ろに続く自由文をメモとして取り出す。
// URLを取り除き、トリム後3文字未満なら捨てる。
func extractNote(message, lowered string, phraseEnd int) string {
	if phraseEnd < 0 || phraseEnd >= len(lowered) {
		return ""
	}

	// 小文字化で長さが変わる文字を含む場合は元の位置に写せないため、
	// 小文字化済みテキストから取り出す
	tail := lowered[phraseEnd:]
	if len(lowered) == len(message) {
		tail = message[phraseEnd:]
	}

	tail = linkparse.Strip(tail)
	tail = strings.Trim(tail, " \t\n-—–,.:")
	if len(tail) < 3 {
		return ""
	}
	return tail
}

// FormatTime はリマインダー時刻を確認メッセージ用の読みやすい形式にする。
func FormatTime(t time.Time) string {
	return t.Format("Mon, 2 Jan, 3:04 PM")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
