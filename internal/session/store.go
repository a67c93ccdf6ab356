// Package session はユーザーごとの会話状態マシンを提供する。
// 状態はプロセス内にのみ保持され、再起動で消える（仕様上の割り切り）。
package session

import "sync"

// ContentRef はセッションが指す最新のコンテンツレコードへの参照。
type ContentRef struct {
	ReelID       string
	Shortcode    string
	CanonicalURL string
}

// State はセッション状態のタグ付きバリアント。
// 状態ごとに専用の型を持たせることで、不正な状態の組み合わせを
// 型レベルで表現不能にする。
type State interface {
	isState()
}

// AwaitingRegistration は登録確認の返信待ち状態。
// 登録完了後に再実行するため、最初の受信テキストを保持する。
type AwaitingRegistration struct {
	PendingText string
}

// IdleWithContent は直近のコンテンツを参照しつつメニュー返信を待つ状態。
type IdleWithContent struct {
	Ref ContentRef
}

// AwaitingTime はリマインダー時刻の返信待ち状態。
// Attemptsは解釈に失敗した回数。上限に達するとフローを打ち切る。
type AwaitingTime struct {
	Ref      ContentRef
	Attempts int
}

func (*AwaitingRegistration) isState() {}
func (*IdleWithContent) isState()      {}
func (*AwaitingTime) isState()         {}

// Store はセッション状態の保存先インターフェース。
// ユーザーごとに最大1つの状態を保持する。
type Store interface {
	Get(phone string) (State, bool)
	Set(phone string, state State)
	Delete(phone string)
}

// MemoryStore はsync.Mapベースのセッションストア。
// ユーザーキーごとに独立してアクセスでき、全体を直列化するロックを持たない。
type MemoryStore struct {
	sessions sync.Map
}

// NewMemoryStore はMemoryStoreの新しいインスタンスを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get は指定ユーザーのセッション状態を返す。
func (s *MemoryStore) Get(phone string) (State, bool) {
	v, ok := s.sessions.Load(phone)
	if !ok {
		return nil, false
	}
	return v.(State), true
}

// Set は指定ユーザーのセッション状態を上書きする。
func (s *MemoryStore) Set(phone string, state State) {
	s.sessions.Store(phone, state)
}

// Delete は指定ユーザーのセッション状態を削除する。
func (s *MemoryStore) Delete(phone string) {
	s.sessions.Delete(phone)
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
