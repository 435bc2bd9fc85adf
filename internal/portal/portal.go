// Package portal は開示請求ポータルへのアクセス契約を定義する。
// ライフサイクルエンジンとオーケスレータはこのインターフェースのみに
// 依存し、ポータルごとの実装（nextrequest等）は下位パッケージが提供する。
package portal

import (
	"context"
	"io"
	"time"
)

// SearchFilter は検索の絞り込み条件を表す。少なくともオープン/クローズの
// 区別を提供する。両方falseの場合は絞り込みなし。
type SearchFilter struct {
	Open   bool
	Closed bool
}

// RequestSearchItem は請求検索の結果1件を表す。
type RequestSearchItem struct {
	ID    string // ポータル側の請求ID
	Title string
}

// RequestSearchPage は請求検索の1ページ分の結果を表す。
// TotalCountは全ページを通した総件数で、ページ送りの終了判定に使う。
type RequestSearchPage struct {
	Items      []RequestSearchItem
	TotalCount int
}

// DocumentSearchItem は文書検索の結果1件を表す。
// RequestIDは文書が属する請求のポータル側ID。請求に属さない孤児文書では空。
type DocumentSearchItem struct {
	DocumentID   string
	DocumentName string
	RequestID    string
}

// DocumentSearchPage は文書検索の1ページ分の結果を表す。
type DocumentSearchPage struct {
	Items      []DocumentSearchItem
	TotalCount int
}

// RequestInfo はポータルが報告する請求の現在情報を表す。
type RequestInfo struct {
	Status      string // ポータルの生の状態文字列。変換はmodel.StatusFromPortalで行う
	Department  string
	SubmittedAt time.Time
}

// DocumentRef は請求配下の文書1件への参照を表す。
type DocumentRef struct {
	ID   string
	Name string
}

// DocumentsInfo は請求配下の文書一覧を表す。
type DocumentsInfo struct {
	TotalCount int
	Documents  []DocumentRef
}

// BulkResult は完了した一括ダウンロードジョブの成果物を表す。
type BulkResult struct {
	URL      string
	Filename string
}

// FileDownload は取得中のファイルストリームを表す。
// ContentLengthはリモートが申告した場合のみ非負、不明な場合は-1。
// 呼び出し元はBodyを必ずCloseすること。
type FileDownload struct {
	Body          io.ReadCloser
	ContentLength int64
	Filename      string
}

// Client はポータル1インスタンスへのアクセス契約。
// 実装はネットワーク/HTTP障害を model.OpError (REMOTE_UNAVAILABLE) として、
// 一括ジョブの失敗を model.OpError (JOB_FAILED) として返す。
type Client interface {
	// Source はこのクライアントが対象とするポータルのベースURLを返す。
	// ストア上のsource列の値と一致する。
	Source() string

	// SignIn はポータルにサインインする。冪等で、既にセッションを保持して
	// いる場合は何もしない。繰り返し呼んでも安全であること。
	SignIn(ctx context.Context) error

	// SearchRequests は請求を検索する。pageは0始まりで、呼び出し側は
	// 消費件数がTotalCountに達するまで昇順にページを進める。
	SearchRequests(ctx context.Context, term string, page int, filter SearchFilter) (*RequestSearchPage, error)

	// SearchDocuments は文書を検索する。ページングはSearchRequestsと同様。
	SearchDocuments(ctx context.Context, term string, page int) (*DocumentSearchPage, error)

	// RequestInfo は請求の現在情報を取得する。
	RequestInfo(ctx context.Context, externalID string) (*RequestInfo, error)

	// DocumentsInfo は請求配下の文書一覧を取得する。
	DocumentsInfo(ctx context.Context, externalID string) (*DocumentsInfo, error)

	// InitiateBulkDownload は請求配下の全文書のzip化ジョブを開始し、
	// ジョブIDを返す。ジョブIDが得られない場合はJOB_FAILEDを返す。
	InitiateBulkDownload(ctx context.Context, externalID string) (string, error)

	// PollJob はジョブの状態を照会し、まだ処理中ならtrueを返す。
	PollJob(ctx context.Context, externalID, jobID string) (bool, error)

	// FetchBulkResult は完了したジョブの成果物URLとファイル名を取得する。
	FetchBulkResult(ctx context.Context, externalID, jobID string) (*BulkResult, error)

	// DownloadDocument は単一文書のストリームを開く。
	DownloadDocument(ctx context.Context, externalID, documentID string) (*FileDownload, error)

	// Fetch は任意のURL（FetchBulkResultが返した成果物URL等）の
	// ストリームを開く。セッションCookieを保持したまま取得する。
	Fetch(ctx context.Context, rawURL string) (*FileDownload, error)
}
