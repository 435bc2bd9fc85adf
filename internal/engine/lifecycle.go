// Package engine は開示請求の状態機械を所有し、ポータルの観測結果を
// ストアへの変更に変換する。状態遷移は Pending → {Closed, Error}、
// Error → Pending は明示的な再投入操作でのみ起こる。「ダウンロード済み」は
// 請求の状態ではなくDownloadRecord単位の事実として扱う（クローズ後に
// 文書が追加されることがあるため）。
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/kaiji/internal/model"
	"github.com/hitoshi/kaiji/internal/portal"
	"github.com/hitoshi/kaiji/internal/repository"
)

// LifecycleEngine は探索・訪問・再投入の各遷移を実装する。
type LifecycleEngine struct {
	portal      portal.Client
	requests    repository.RequestRepository
	items       repository.WorkItemRepository
	downloads   repository.DownloadRepository
	checkpoints repository.CheckpointRepository
	ignoredIDs  map[string]struct{}
	logger      *slog.Logger
}

// NewLifecycleEngine はLifecycleEngineの新しいインスタンスを生成する。
// ignoredIDsに含まれる請求は探索で無視され、修復ではエラー扱いになる。
func NewLifecycleEngine(
	portalClient portal.Client,
	requests repository.RequestRepository,
	items repository.WorkItemRepository,
	downloads repository.DownloadRepository,
	checkpoints repository.CheckpointRepository,
	ignoredIDs []string,
	logger *slog.Logger,
) *LifecycleEngine {
	ignored := make(map[string]struct{}, len(ignoredIDs))
	for _, id := range ignoredIDs {
		ignored[id] = struct{}{}
	}
	return &LifecycleEngine{
		portal:      portalClient,
		requests:    requests,
		items:       items,
		downloads:   downloads,
		checkpoints: checkpoints,
		ignoredIDs:  ignored,
		logger:      logger,
	}
}

// IsIgnored は指定の請求IDが無視リストに含まれるかを返す。
func (e *LifecycleEngine) IsIgnored(externalID string) bool {
	_, ok := e.ignoredIDs[externalID]
	return ok
}

// DiscoverResult は1回の探索の集計。
type DiscoverResult struct {
	Scanned  int // 検索結果から読んだ件数
	Enqueued int // 新規に投入したワークアイテム数
}

// Discover は検索語で請求を探索し、未知の請求をPendingで登録して
// 一括ダウンロードタスクを投入する。既知の請求でもPendingのままの
// ものは改めて投入を試みる（キューに残っていれば重複排除でno-opになる
// ため、再実行しても新たな投入は起こらない）。ClosedとErrorの既知請求は
// 読み飛ばす（前者は処理済み、後者は明示的な再投入待ち）。
// ページは昇順に読み、消費件数がポータルの報告する総数に達した時点で
// 停止する（件数を誤報告するソースでの無限ループを防ぐ）。
func (e *LifecycleEngine) Discover(ctx context.Context, term string, filter portal.SearchFilter) (*DiscoverResult, error) {
	source := e.portal.Source()
	result := &DiscoverResult{}

	for page := 0; ; page++ {
		searchPage, err := e.portal.SearchRequests(ctx, term, page, filter)
		if err != nil {
			return result, err
		}
		if len(searchPage.Items) == 0 {
			break
		}

		for _, item := range searchPage.Items {
			result.Scanned++
			if e.IsIgnored(item.ID) {
				continue
			}

			existing, err := e.requests.FindBySourceAndExternalID(ctx, source, item.ID)
			if err != nil {
				return result, err
			}
			if existing != nil && existing.Status != model.StatusPending {
				continue
			}

			if existing == nil {
				if _, err := e.requests.Upsert(ctx, repository.UpsertRequestParams{
					Source:     source,
					ExternalID: item.ID,
					Status:     model.StatusPending,
				}); err != nil {
					return result, err
				}
			}

			enqueued, err := e.items.Enqueue(ctx, &model.WorkItem{
				Source:   source,
				TaskType: model.TaskBulkDownload,
				TargetID: item.ID,
			})
			if err != nil {
				return result, err
			}
			if enqueued != nil {
				result.Enqueued++
				e.logger.Info("請求を投入しました",
					slog.String("source", source),
					slog.String("external_id", item.ID),
				)
			}
		}

		if result.Scanned >= searchPage.TotalCount {
			break
		}
	}

	if err := e.checkpoints.Touch(ctx, source); err != nil {
		return result, err
	}
	return result, nil
}

// DiscoverDocuments は検索語で文書を探索し、未取得の文書の
// 単体ダウンロードタスクを投入する。取得証跡が既にある文書は読み飛ばす。
// 請求に紐付かない文書（orphan）はTargetID空で投入される。
func (e *LifecycleEngine) DiscoverDocuments(ctx context.Context, term string) (*DiscoverResult, error) {
	source := e.portal.Source()
	result := &DiscoverResult{}

	for page := 0; ; page++ {
		searchPage, err := e.portal.SearchDocuments(ctx, term, page)
		if err != nil {
			return result, err
		}
		if len(searchPage.Items) == 0 {
			break
		}

		for _, item := range searchPage.Items {
			result.Scanned++
			if item.RequestID != "" && e.IsIgnored(item.RequestID) {
				continue
			}

			seen, err := e.downloads.HasDocument(ctx, item.DocumentID)
			if err != nil {
				return result, err
			}
			if seen {
				continue
			}

			enqueued, err := e.items.Enqueue(ctx, &model.WorkItem{
				Source:       source,
				TaskType:     model.TaskDocumentDownload,
				TargetID:     item.RequestID,
				DocumentID:   item.DocumentID,
				DocumentName: item.DocumentName,
			})
			if err != nil {
				return result, err
			}
			if enqueued != nil {
				result.Enqueued++
			}
		}

		if result.Scanned >= searchPage.TotalCount {
			break
		}
	}

	if err := e.checkpoints.Touch(ctx, source); err != nil {
		return result, err
	}
	return result, nil
}

// FetchSingle は指定の請求を登録（または更新）し、一括ダウンロードタスクを
// 投入する。探索を経ない明示的な取得指示に使う。
func (e *LifecycleEngine) FetchSingle(ctx context.Context, externalID string) (*model.WorkItem, error) {
	if _, err := e.refreshRequest(ctx, externalID); err != nil {
		return nil, err
	}

	return e.items.Enqueue(ctx, &model.WorkItem{
		Source:   e.portal.Source(),
		TaskType: model.TaskBulkDownload,
		TargetID: externalID,
	})
}

// Visit はワークアイテムの対象請求の現在情報をポータルから取得して
// ストアに反映し、ダウンロードへ進むべきかを返す。
//   - メタデータ更新タスクは反映のみで停止する
//   - 一括タスクは請求がClosedの場合のみ進む（オープン中の請求を
//     ダウンロードすると後から追加される文書を取りこぼすため）
//   - 単体文書タスクは無条件に進む
func (e *LifecycleEngine) Visit(ctx context.Context, item *model.WorkItem) (*model.Request, bool, error) {
	// orphan文書には参照すべき請求がない
	if item.TargetID == "" {
		if item.TaskType != model.TaskDocumentDownload {
			return nil, false, fmt.Errorf("請求IDの無いワークアイテムです: task_type=%s", item.TaskType)
		}
		return nil, true, nil
	}

	req, err := e.refreshRequest(ctx, item.TargetID)
	if err != nil {
		return nil, false, err
	}

	switch item.TaskType {
	case model.TaskRefresh:
		return req, false, nil
	case model.TaskBulkDownload:
		return req, req.Status == model.StatusClosed, nil
	case model.TaskDocumentDownload:
		return req, true, nil
	default:
		return req, false, fmt.Errorf("未知のタスク種別です: %q", item.TaskType)
	}
}

// refreshRequest はポータルの現在情報で請求をupsertする。
// 未知の状態文字列は黙って既定値に落とさずエラーにする。
func (e *LifecycleEngine) refreshRequest(ctx context.Context, externalID string) (*model.Request, error) {
	info, err := e.portal.RequestInfo(ctx, externalID)
	if err != nil {
		return nil, err
	}

	status, err := model.StatusFromPortal(info.Status)
	if err != nil {
		return nil, err
	}

	docsInfo, err := e.portal.DocumentsInfo(ctx, externalID)
	if err != nil {
		return nil, err
	}

	return e.requests.Upsert(ctx, repository.UpsertRequestParams{
		Source:        e.portal.Source(),
		ExternalID:    externalID,
		Status:        status,
		SubmittedAt:   info.SubmittedAt,
		Department:    info.Department,
		DocumentCount: docsInfo.TotalCount,
	})
}

// MarkFailure はワークアイテムの失敗を対象請求のError状態として記録する。
// アイテム自体は処理済みとして扱われ、再試行は明示的な再投入操作に委ねる
// （問題のあるアイテムがキューを塞ぎ続けないようにするための設計判断）。
func (e *LifecycleEngine) MarkFailure(ctx context.Context, item *model.WorkItem) error {
	if item.TargetID == "" {
		return nil
	}
	req, err := e.requests.FindBySourceAndExternalID(ctx, item.Source, item.TargetID)
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}
	return e.requests.MarkStatus(ctx, req.ID, model.StatusError)
}

// Redownload は取得済みの請求を再投入する。beforeが非nilの場合、
// 最終ダウンロードがbeforeより前の請求のみ対象にする。
// 各請求はPendingに戻され、一括ダウンロードタスクが投入される。
// 投入件数を返す。
func (e *LifecycleEngine) Redownload(ctx context.Context, before *time.Time) (int, error) {
	requests, err := e.requests.ListWithDownloads(ctx, before)
	if err != nil {
		return 0, err
	}

	enqueuedCount := 0
	for _, req := range requests {
		if err := e.requests.MarkStatus(ctx, req.ID, model.StatusPending); err != nil {
			return enqueuedCount, err
		}
		enqueued, err := e.items.Enqueue(ctx, &model.WorkItem{
			Source:   req.Source,
			TaskType: model.TaskBulkDownload,
			TargetID: req.ExternalID,
		})
		if err != nil {
			return enqueuedCount, err
		}
		if enqueued != nil {
			enqueuedCount++
		}
	}

	e.logger.Info("再ダウンロード対象を投入しました",
		slog.Int("requests", len(requests)),
		slog.Int("enqueued", enqueuedCount),
	)
	return enqueuedCount, nil
}
