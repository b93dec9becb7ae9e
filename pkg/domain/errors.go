package domain

import (
	"context"
	"errors"
	"fmt"
)

// 設定不備（APIキー未設定・モデル未選択）は即座に失敗させ、リトライしません。
var (
	ErrNoAPIKey = errors.New("canvas-kit: APIキーが設定されていません")
	ErrNoModel  = errors.New("canvas-kit: 生成モデルが選択されていません")
)

// ジョブが failed に到達した、または使える出力が一度も返らなかった場合の終端エラーです。
var (
	ErrJobFailed = errors.New("canvas-kit: 生成ジョブが失敗しました")
	ErrNoOutputs = errors.New("canvas-kit: 利用可能な出力が得られませんでした")
)

// ErrPollTimeout は短命ポーリングが時間切れになったことを示すのだ。
// キャンセル（Abort）とは区別して扱います。
var ErrPollTimeout = errors.New("canvas-kit: ジョブ状態の取得がタイムアウトしました")

// ValidationError は入力そのものが受け付けられない場合のエラーです。
// 対象の入力については致命的で、リトライしても解決しません。
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("canvas-kit: 入力検証エラー: %s", e.Reason)
}

// IsValidation は err が ValidationError かどうかを判定します。
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// DownloadError はダウンロードがHTTPステータスで失敗したことを表します。
// リトライ可否の判定は呼び出し側（OutputRetriever）の責務なのだ。
type DownloadError struct {
	StatusCode int
	URL        string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("canvas-kit: ダウンロード失敗 (status %d): %s", e.StatusCode, e.URL)
}

// IsAbort はキャンセル起因の失敗かどうかを判定します。
// 呼び出し側はこれを使ってユーザー向けのエラー表示を抑制できます。
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
