// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
	"time"
)

// Request はポータル上で発見された1件の開示請求を表す。
// (Source, ExternalID) の組がグローバルに一意であり、
// 再発見時は既存行のメタデータを上書き更新する（重複行は作らない）。
type Request struct {
	ID            string
	Source        string // ポータルのベースURL
	ExternalID    string // ポータル側の請求ID
	Status        RequestStatus
	SubmittedAt   time.Time
	LastCheckedAt time.Time
	Department    string
	DocumentCount int // ポータルが報告する文書総数（訪問のたびに更新）
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RequestStatus は請求のライフサイクル状態を表す。
// ダウンロード済みかどうかは請求の状態ではなくDownloadRecordの有無で表現する。
// 請求がクローズされた後に文書が追加されることがあるため、
// 「ダウンロード済み」を終端状態にすると追加文書を取りこぼす。
type RequestStatus string

const (
	// StatusPending は未処理の請求状態。発見直後の初期状態。
	StatusPending RequestStatus = "pending"
	// StatusClosed はポータル側でクローズされた請求状態。
	StatusClosed RequestStatus = "closed"
	// StatusError はダウンロード失敗等で操作者の介入を要する請求状態。
	// redownloadコマンドによる明示的な再投入でのみpendingに戻る。
	StatusError RequestStatus = "error"
)

// StatusFromPortal はポータルが返す状態文字列をRequestStatusに変換する。
// 対応表にない文字列は黙ってデフォルトに落とさず、エラーを返す。
func StatusFromPortal(s string) (RequestStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "in progress", "in review", "due soon", "overdue":
		return StatusPending, nil
	case "closed", "complete", "completed", "released":
		return StatusClosed, nil
	default:
		return "", fmt.Errorf("未知のポータル状態文字列です: %q", s)
	}
}
