// Package linkparse はメッセージ本文からのInstagramリンク抽出を提供する。
package linkparse

import (
	"regexp"
	"strings"
)

// instagramURLPattern はメッセージ中のInstagram URLにマッチする。
// クエリパラメータ付きの共有リンク（?igsh=... など）も拾う。
var instagramURLPattern = regexp.MustCompile(`https?://(?:www\.)?instagram\.com/\S+`)

// shortcodePattern はリール/投稿URLからshortcodeを取り出す。
// reel, reels, p, tv のいずれのパス形式も受け付ける。
var shortcodePattern = regexp.MustCompile(`instagram\.com/(?:reel|reels|p|tv)/([A-Za-z0-9_-]+)`)

// Link は抽出されたInstagramリンクを表す。
type Link struct {
	URL       string // メッセージに含まれていたままのURL
	Shortcode string // コンテンツの識別子
}

// Extract はメッセージ本文から最初のInstagramリンクを抽出する。
// リンクが見つからない場合、またはshortcodeを特定できないURL
// （プロフィールページなど）の場合はfalseを返す。
func Extract(text string) (*Link, bool) {
	url := instagramURLPattern.FindString(text)
	if url == "" {
		return nil, false
	}

	m := shortcodePattern.FindStringSubmatch(url)
	if m == nil {
		return nil, false
	}

	return &Link{URL: url, Shortcode: m[1]}, true
}

// Contains はメッセージ本文にInstagramリンクが含まれるかを返す。
// shortcodeの有無は判定しない。
func Contains(text string) bool {
	return instagramURLPattern.MatchString(text)
}

// Strip はメッセージ本文からURLをすべて取り除き、余分な空白を畳んで返す。
// リマインダーのメモ抽出で、リンク部分を除いた本文だけを扱うために使う。
func Strip(text string) string {
	stripped := urlPattern.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(stripped), " ")
}

// urlPattern はStripで取り除く一般URLにマッチする。
var urlPattern = regexp.MustCompile(`https?://\S+`)
