package model

import "github.com/rotisserie/eris"

// エラー分類。呼び出し側は eris.Is で判定する。
// ストレージ自体の失敗はラップせずにそのまま返す。
var (
	// ErrInvalidArgument キー・位置・geohash・クエリ条件の検証失敗
	ErrInvalidArgument = eris.New("invalid argument")
	// ErrInvalidState 内部状態の整合性違反
	ErrInvalidState = eris.New("invalid state")
	// ErrCorruptRecord 保存済みレコードのデコード失敗
	ErrCorruptRecord = eris.New("corrupt record")
	// ErrNotFound 指定キーのレコードが存在しない
	ErrNotFound = eris.New("not found")
)
