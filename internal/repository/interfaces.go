// Package repository はデータ永続化のインターフェースを定義する。
// ストアは永続状態を排他的に所有する。エンジンとオーケストレータは
// 呼び出しをまたいで独自のコピーを保持せず、毎回ストアから読み直す。
// 各実装はI/O障害を model.OpError (STORAGE_ERROR) として返し、
// 呼び出し元はそれを実行中断として扱う。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/kaiji/internal/model"
)

// UpsertRequestParams はRequestRepository.Upsertへの入力をまとめた構造体。
type UpsertRequestParams struct {
	Source        string
	ExternalID    string
	Status        model.RequestStatus
	SubmittedAt   time.Time
	Department    string
	DocumentCount int
}

// RequestRepository は開示請求データの永続化インターフェース。
type RequestRepository interface {
	// Upsert は(source, external_id)の行が存在すれば可変フィールドと
	// last_checked_atを更新し、なければ挿入する。リトライされても
	// 重複行を残さないことを保証し、結果の行を返す。
	Upsert(ctx context.Context, params UpsertRequestParams) (*model.Request, error)

	// FindBySourceAndExternalID は複合キーで請求を取得する。見つからない場合はnilを返す。
	FindBySourceAndExternalID(ctx context.Context, source, externalID string) (*model.Request, error)

	// FindByID は内部IDで請求を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Request, error)

	// MarkStatus は請求の状態とlast_checked_atのみを更新する。
	MarkStatus(ctx context.Context, id string, status model.RequestStatus) error

	// ListWithDownloads はDownloadRecordを1件以上持つ請求を返す。
	// beforeが非nilの場合、最終ダウンロードがbeforeより前の請求に絞る。
	// redownloadコマンドの再投入対象の列挙に使う。
	ListWithDownloads(ctx context.Context, before *time.Time) ([]*model.Request, error)
}

// WorkItemRepository は永続ワークキューのインターフェース。
type WorkItemRepository interface {
	// Enqueue はワークアイテムを追加する。(source, task_type, target_id,
	// document_id)が同一のアイテムが既に存在する場合は挿入せずnilを返す。
	// この重複排除がシステム全体の冪等性の境界になる。
	Enqueue(ctx context.Context, item *model.WorkItem) (*model.WorkItem, error)

	// DequeueAll は指定ソースの現在のキューを投入順で返す。
	// アイテムは削除しない（at-least-once配送のため、削除はCompleteでのみ行う）。
	DequeueAll(ctx context.Context, source string) ([]*model.WorkItem, error)

	// Complete はワークアイテムを削除する。終端結果（成功または記録済み
	// エラー）が永続化された後にのみ呼び出すこと。
	Complete(ctx context.Context, id string) error

	// Count はキュー内のアイテム総数を返す。
	Count(ctx context.Context) (int, error)

	// ClearAll はキューを空にし、削除件数を返す。請求自体は変更しない。
	ClearAll(ctx context.Context) (int64, error)
}

// DownloadRepository は取得証跡の永続化インターフェース。
type DownloadRepository interface {
	// Record は取得証跡を追加する。既存レコードの更新は行わない。
	Record(ctx context.Context, rec *model.DownloadRecord) error

	// HasDocument は指定のポータル文書IDに対する証跡が存在するかを返す。
	// 文書検索での重複取得防止に使う。
	HasDocument(ctx context.Context, documentID string) (bool, error)

	// ListAll は全証跡を返す。修復処理の照合対象の列挙に使う。
	ListAll(ctx context.Context) ([]*model.DownloadRecord, error)

	// UpdatePath は証跡のパスのみを書き換える。チェックサムは変更しない。
	// 内容が同一のままファイルが移動・改名された場合の修復専用。
	UpdatePath(ctx context.Context, id, newPath string) error
}

// CheckpointRepository はポータルごとの探索チェックポイントの永続化インターフェース。
type CheckpointRepository interface {
	// Touch は指定ソースのチェックポイントを現在時刻でupsertする。
	Touch(ctx context.Context, source string) error

	// Get は指定ソースのチェックポイントを取得する。見つからない場合はnilを返す。
	Get(ctx context.Context, source string) (*model.ScrapeCheckpoint, error)
}

// StatsRepository はデータベース集計のインターフェース。
type StatsRepository interface {
	// Stats は状態別の請求数と文書総数、最終探索時刻を集計して返す。
	// 集計以外のビジネスロジックは持たない。
	Stats(ctx context.Context) (*model.DatabaseStats, error)
}
