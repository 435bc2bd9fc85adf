// Package download はワークキューの消化を行うオーケストレータを提供する。
// キューのスナップショットを投入順に処理し、一括ジョブのポーリング、
// タイムアウト、リモートへのリクエストレート制御を担う。
package download

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/kaiji/internal/engine"
	"github.com/hitoshi/kaiji/internal/metrics"
	"github.com/hitoshi/kaiji/internal/model"
	"github.com/hitoshi/kaiji/internal/portal"
	"github.com/hitoshi/kaiji/internal/repository"
	"github.com/hitoshi/kaiji/internal/storage"
)

// RunSummary は1回のキュー消化の集計。Skippedは対象請求がまだ
// オープンで保留したアイテム（キューに残る）。
type RunSummary struct {
	Processed int
	Succeeded int
	Skipped   int
	Failed    int
}

// Orchestrator はワークアイテムをRemoteSourceに対して実行する。
// 同時に待ち合わせるダウンロードは1件（リモート側がセッション単位で
// ダウンロードを直列化するため）。各アイテムの実行はゴルーチンに
// 切り出してチャネルで待つので、上限を上げる場合も契約は変わらない。
type Orchestrator struct {
	portal    portal.Client
	lifecycle *engine.LifecycleEngine
	items     repository.WorkItemRepository
	downloads repository.DownloadRepository
	store     *storage.FileStore
	limiter   *rate.Limiter
	collector metrics.MetricsCollector
	logger    *slog.Logger

	downloadTimeout time.Duration
	jobPollInterval time.Duration
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
// niceIntervalはワークアイテム間に挟む最小間隔（成否に関わらず適用）。
func NewOrchestrator(
	portalClient portal.Client,
	lifecycle *engine.LifecycleEngine,
	items repository.WorkItemRepository,
	downloads repository.DownloadRepository,
	store *storage.FileStore,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	downloadTimeout time.Duration,
	jobPollInterval time.Duration,
	niceInterval time.Duration,
) *Orchestrator {
	return &Orchestrator{
		portal:          portalClient,
		lifecycle:       lifecycle,
		items:           items,
		downloads:       downloads,
		store:           store,
		limiter:         rate.NewLimiter(rate.Every(niceInterval), 1),
		collector:       collector,
		logger:          logger,
		downloadTimeout: downloadTimeout,
		jobPollInterval: jobPollInterval,
	}
}

// ProcessQueue はキューのスナップショットを投入順に処理する。
// アイテム単位の失敗は対象請求のError状態として記録してアイテムを
// 完了させ、実行は続行する。対象請求がまだオープンの一括タスクは
// 保留としてキューに残す（請求がクローズした後の実行で消化される）。
// ストア障害のみが実行を中断させる（状態管理全体がストアに依存する
// ため）。操作者によるキャンセルは失敗として扱わず、そのまま中断する。
func (o *Orchestrator) ProcessQueue(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{}

	if err := o.portal.SignIn(ctx); err != nil {
		return summary, err
	}

	queue, err := o.items.DequeueAll(ctx, o.portal.Source())
	if err != nil {
		return summary, err
	}
	o.logger.Info("キューの処理を開始します",
		slog.String("source", o.portal.Source()),
		slog.Int("items", len(queue)),
	)

	for _, item := range queue {
		// 操作者によるキャンセルはアイテムの切れ目でのみ反映する。
		// 未処理のアイテムはキューに残ったままになる。
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		summary.Processed++
		start := time.Now()

		_, skipped, itemErr := o.processItem(ctx, item)
		if o.collector != nil {
			o.collector.RecordDownloadLatency(time.Since(start))
		}

		if itemErr != nil {
			if model.IsStorageError(itemErr) {
				return summary, itemErr
			}
			// アイテム処理中にキャンセルされた場合は失敗として記録しない。
			// アイテムはキューに残り、次回の実行で再処理される。
			if ctx.Err() != nil && errors.Is(itemErr, context.Canceled) {
				return summary, ctx.Err()
			}
			summary.Failed++
			o.logger.Error("ワークアイテムの処理に失敗しました",
				slog.String("item_id", item.ID),
				slog.String("task_type", string(item.TaskType)),
				slog.String("external_id", item.TargetID),
				slog.String("error", itemErr.Error()),
			)
			if o.collector != nil {
				o.collector.RecordDownloadFailure(string(item.TaskType), model.ErrorCode(itemErr))
			}
			if err := o.lifecycle.MarkFailure(ctx, item); err != nil {
				return summary, err
			}
		} else if skipped {
			summary.Skipped++
			o.logger.Info("請求がまだオープンのため保留します",
				slog.String("item_id", item.ID),
				slog.String("external_id", item.TargetID),
			)
		} else {
			summary.Succeeded++
			if o.collector != nil {
				o.collector.RecordDownloadSuccess(string(item.TaskType))
			}
		}

		// 終端結果（成功または記録済みエラー）が永続化された後にのみ
		// アイテムを削除する。ここより前にクラッシュした場合、次回の
		// 実行で同じアイテムが再度処理される（at-least-once配送）。
		// 保留したアイテムは削除せずキューに残す。
		if !skipped {
			if err := o.items.Complete(ctx, item.ID); err != nil {
				return summary, err
			}
		}

		// リモートへのリクエストレートを抑える固定スロットル。
		// 適応的バックオフではない。
		if err := o.limiter.Wait(ctx); err != nil {
			return summary, err
		}
	}

	o.logger.Info("キューの処理が完了しました",
		slog.Int("processed", summary.Processed),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
	)
	return summary, nil
}

type itemOutcome struct {
	record *model.DownloadRecord
	err    error
}

// processItem はワークアイテム1件を実行する。2番目の戻り値は保留を
// 示す（対象請求がまだオープンの一括タスク。呼び出し側はアイテムを
// 完了させず、キューに残す）。ダウンロード本体はタイムアウト付き
// コンテキストのゴルーチンで実行し、結果をチャネルで待つ。期限超過は
// DOWNLOAD_TIMEOUTに変換する（リモート側の処理は続いているかも
// しれないが、こちらの記録は一貫させて見切りを付ける）。
func (o *Orchestrator) processItem(ctx context.Context, item *model.WorkItem) (*model.DownloadRecord, bool, error) {
	req, proceed, err := o.lifecycle.Visit(ctx, item)
	if err != nil {
		return nil, false, err
	}
	if !proceed {
		// 一括タスクはクローズ待ちの保留。それ以外（既に終端状態の
		// 請求に対するタスクなど）はやることがないだけなので完了扱い。
		skipped := item.TaskType == model.TaskBulkDownload
		return nil, skipped, nil
	}

	itemCtx, cancel := context.WithTimeout(ctx, o.downloadTimeout)
	defer cancel()

	ch := make(chan itemOutcome, 1)
	go func() {
		rec, err := o.execute(itemCtx, item, req)
		ch <- itemOutcome{record: rec, err: err}
	}()

	outcome := <-ch
	if outcome.err != nil {
		if errors.Is(outcome.err, context.DeadlineExceeded) {
			return nil, false, model.NewDownloadTimeoutError(item.TargetID)
		}
		return nil, false, outcome.err
	}

	if outcome.record != nil {
		if err := o.downloads.Record(ctx, outcome.record); err != nil {
			return nil, false, err
		}
	}
	return outcome.record, false, nil
}

// execute はタスク種別に応じたダウンロードを行い、取得証跡を組み立てる。
// 証跡の永続化は呼び出し側が行う。
func (o *Orchestrator) execute(ctx context.Context, item *model.WorkItem, req *model.Request) (*model.DownloadRecord, error) {
	switch item.TaskType {
	case model.TaskBulkDownload:
		return o.executeBulk(ctx, req)
	case model.TaskDocumentDownload:
		return o.executeDocument(ctx, item, req)
	default:
		// Visitで停止するタスク種別はここに到達しない
		return nil, nil
	}
}

// executeBulk は一括（zip）ダウンロードの2段階プロトコルを実行する:
// ジョブ開始 → 完了までポーリング → 成果物URLの取得とストリーム保存。
// ポーリングの反復回数に上限は設けず、外側のタイムアウトで全体を抑える。
func (o *Orchestrator) executeBulk(ctx context.Context, req *model.Request) (*model.DownloadRecord, error) {
	jobID, err := o.portal.InitiateBulkDownload(ctx, req.ExternalID)
	if err != nil {
		return nil, err
	}
	o.logger.Info("一括ダウンロードジョブを開始しました",
		slog.String("external_id", req.ExternalID),
		slog.String("job_id", jobID),
	)

	for {
		working, err := o.portal.PollJob(ctx, req.ExternalID, jobID)
		if err != nil {
			return nil, err
		}
		if o.collector != nil {
			o.collector.RecordJobPoll()
		}
		if !working {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.jobPollInterval):
		}
	}

	result, err := o.portal.FetchBulkResult(ctx, req.ExternalID, jobID)
	if err != nil {
		return nil, err
	}

	dl, err := o.portal.Fetch(ctx, result.URL)
	if err != nil {
		return nil, err
	}
	defer dl.Body.Close()

	fileName := result.Filename
	if fileName == "" {
		fileName = dl.Filename
	}
	path, err := o.store.DocumentPath(req.Source, req.ExternalID, fileName)
	if err != nil {
		return nil, err
	}

	written, err := o.store.Write(path, dl.Body, dl.ContentLength)
	if err != nil {
		return nil, err
	}
	if o.collector != nil {
		o.collector.RecordDownloadBytes(written.Size)
	}

	return &model.DownloadRecord{
		RequestID:     req.ID,
		DownloadedAt:  time.Now(),
		IsBulk:        true,
		DownloadPath:  written.Path,
		Checksum:      written.Checksum,
		DocumentCount: req.DocumentCount,
	}, nil
}

// executeDocument は単一文書のダウンロードを実行する。
// reqは請求に紐付かない文書（orphan）の場合nil。
func (o *Orchestrator) executeDocument(ctx context.Context, item *model.WorkItem, req *model.Request) (*model.DownloadRecord, error) {
	dl, err := o.portal.DownloadDocument(ctx, item.TargetID, item.DocumentID)
	if err != nil {
		return nil, err
	}
	defer dl.Body.Close()

	fileName := item.DocumentName
	if fileName == "" {
		fileName = dl.Filename
	}
	path, err := o.store.DocumentPath(o.portal.Source(), item.TargetID, fileName)
	if err != nil {
		return nil, err
	}

	written, err := o.store.Write(path, dl.Body, dl.ContentLength)
	if err != nil {
		return nil, err
	}
	if o.collector != nil {
		o.collector.RecordDownloadBytes(written.Size)
	}

	rec := &model.DownloadRecord{
		DocumentID:    item.DocumentID,
		DownloadedAt:  time.Now(),
		DownloadPath:  written.Path,
		Checksum:      written.Checksum,
		DocumentCount: 1,
	}
	if req != nil {
		rec.RequestID = req.ID
	}
	return rec, nil
}
