package model

import (
	"errors"
	"fmt"
)

// OpError は処理失敗の分類付きエラーを表す。
// Codeで失敗の種別を、Fatalで実行全体を中断すべきかを示す。
// Fatalでない失敗はアイテム単位で処理され、実行は継続する。
type OpError struct {
	Code    string // エラーコード
	Message string // エラーメッセージ
	Fatal   bool   // trueの場合、実行全体を中断する
	Err     error  // 原因となった下位エラー
}

// Error はerrorインターフェースを実装する。
func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *OpError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	// ErrCodeStorage はストアのI/O障害。状態管理全体が信頼できなくなるため
	// 唯一実行を中断させるエラーコード。
	ErrCodeStorage = "STORAGE_ERROR"
	// ErrCodeRemoteUnavailable はポータルへのネットワーク/HTTP障害。
	ErrCodeRemoteUnavailable = "REMOTE_UNAVAILABLE"
	// ErrCodeJobFailed はリモートの一括ジョブ失敗（jobId欠落、アーカイブ欠落）。
	ErrCodeJobFailed = "JOB_FAILED"
	// ErrCodeDownloadTimeout は設定された待機上限の超過。
	ErrCodeDownloadTimeout = "DOWNLOAD_TIMEOUT"
	// ErrCodeIntegrityGap は修復処理でファイルもチェックサム一致も
	// 見つからなかった状態。対象請求は再ダウンロードに回される。
	ErrCodeIntegrityGap = "INTEGRITY_GAP"
)

// NewStorageError はストアI/O障害エラーを生成する。
func NewStorageError(op string, err error) *OpError {
	return &OpError{
		Code:    ErrCodeStorage,
		Message: fmt.Sprintf("ストア操作に失敗しました: %s", op),
		Fatal:   true,
		Err:     err,
	}
}

// NewRemoteUnavailableError はポータル通信障害エラーを生成する。
func NewRemoteUnavailableError(source string, err error) *OpError {
	return &OpError{
		Code:    ErrCodeRemoteUnavailable,
		Message: fmt.Sprintf("ポータルへの接続に失敗しました: %s", source),
		Err:     err,
	}
}

// NewJobFailedError は一括ダウンロードジョブの失敗エラーを生成する。
func NewJobFailedError(requestID string, reason string) *OpError {
	return &OpError{
		Code:    ErrCodeJobFailed,
		Message: fmt.Sprintf("一括ダウンロードジョブに失敗しました (請求 %s): %s", requestID, reason),
	}
}

// NewDownloadTimeoutError はダウンロード待機の時間切れエラーを生成する。
func NewDownloadTimeoutError(requestID string) *OpError {
	return &OpError{
		Code:    ErrCodeDownloadTimeout,
		Message: fmt.Sprintf("ダウンロード待機が時間切れになりました (請求 %s)", requestID),
	}
}

// NewIntegrityGapError は修復不能レコードのエラーを生成する。
func NewIntegrityGapError(path string) *OpError {
	return &OpError{
		Code:    ErrCodeIntegrityGap,
		Message: fmt.Sprintf("記録されたファイルが見つかりません: %s", path),
	}
}

// IsStorageError はエラー連鎖にストアI/O障害が含まれるかを判定する。
// 呼び出し元はtrueの場合に実行を中断しなければならない。
func IsStorageError(err error) bool {
	var opErr *OpError
	return errors.As(err, &opErr) && opErr.Code == ErrCodeStorage
}

// ErrorCode はエラー連鎖からOpErrorのコードを取り出す。
// OpErrorが含まれない場合は空文字列を返す。
func ErrorCode(err error) string {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Code
	}
	return ""
}
