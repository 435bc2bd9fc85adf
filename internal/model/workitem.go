package model

import "time"

// TaskType はワークアイテムの処理種別を表す。
type TaskType string

const (
	// TaskBulkDownload は請求配下の全文書を1つのzipとして取得するタスク。
	TaskBulkDownload TaskType = "bulk_download"
	// TaskDocumentDownload は単一文書を取得するタスク。
	TaskDocumentDownload TaskType = "document_download"
	// TaskRefresh はメタデータのみ更新し、ダウンロードを行わないタスク。
	TaskRefresh TaskType = "refresh"
)

// WorkItem は請求に対する未処理アクション1件を表す永続キューの要素。
// (Source, TaskType, TargetID, DocumentID) の組で重複排除され、
// 同一キーでの再enqueueは何もしない。
// キューからの削除はオーケストレータが終端結果（成功または記録済みエラー）を
// 永続化した後に限る。dequeueと完了の間でクラッシュしても
// アイテムはキューに残る（at-least-once配送）。
type WorkItem struct {
	ID           string
	Source       string
	TaskType     TaskType
	TargetID     string // 請求のポータル側ID
	DocumentID   string // 単一文書タスクのみ。請求単位のタスクでは空文字列
	DocumentName string
	EnqueuedAt   time.Time
}
