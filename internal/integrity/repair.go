// Package integrity はストアとファイルシステムの突き合わせを行う。
// フォルダの移動や手動整理で取得証跡のパスが実体とずれた場合に、
// チェックサム索引でファイルを再発見してパスを付け替えるか、
// 喪失した証跡の請求を再投入する。
package integrity

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hitoshi/kaiji/internal/metrics"
	"github.com/hitoshi/kaiji/internal/model"
	"github.com/hitoshi/kaiji/internal/repository"
	"github.com/hitoshi/kaiji/internal/storage"
)

// Report は1回の修復の集計。
type Report struct {
	Checked   int // 照合した証跡数
	Relocated int // パスを付け替えた証跡数
	Broken    int // ファイルもチェックサム一致も見つからなかった証跡数
	Enqueued  int // 再投入したワークアイテム数
}

// Repairer は取得証跡とディスク実体の突き合わせを実装する。
type Repairer struct {
	downloads  repository.DownloadRepository
	requests   repository.RequestRepository
	items      repository.WorkItemRepository
	store      *storage.FileStore
	ignoredIDs map[string]struct{}
	collector  metrics.MetricsCollector
	logger     *slog.Logger
}

// NewRepairer はRepairerの新しいインスタンスを生成する。
func NewRepairer(
	downloads repository.DownloadRepository,
	requests repository.RequestRepository,
	items repository.WorkItemRepository,
	store *storage.FileStore,
	ignoredIDs []string,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Repairer {
	ignored := make(map[string]struct{}, len(ignoredIDs))
	for _, id := range ignoredIDs {
		ignored[id] = struct{}{}
	}
	return &Repairer{
		downloads:  downloads,
		requests:   requests,
		items:      items,
		store:      store,
		ignoredIDs: ignored,
		collector:  collector,
		logger:     logger,
	}
}

// Repair は全証跡をディスクと突き合わせる。
//   - 記録されたパスにファイルがあればそのまま
//   - なければチェックサム索引で現在のパスを探し、見つかればパスを付け替える
//   - 見つからなければ証跡は喪失扱いとし、所属請求を再投入する
//     （請求に紐付かない証跡は件数のみ数える）
//   - 無視リストの請求はディスク状態に関わらずError状態にする
//
// 再投入で膨らんだキューの消化は呼び出し側がオーケストレータで行う。
func (r *Repairer) Repair(ctx context.Context) (*Report, error) {
	index, err := r.buildChecksumIndex()
	if err != nil {
		return nil, err
	}
	r.logger.Info("チェックサム索引を構築しました",
		slog.Int("files", len(index)),
	)

	records, err := r.downloads.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, rec := range records {
		report.Checked++

		var req *model.Request
		if rec.RequestID != "" {
			req, err = r.requests.FindByID(ctx, rec.RequestID)
			if err != nil {
				return report, err
			}
		}

		if req != nil {
			if _, ignored := r.ignoredIDs[req.ExternalID]; ignored {
				if err := r.requests.MarkStatus(ctx, req.ID, model.StatusError); err != nil {
					return report, err
				}
				continue
			}
		}

		if fileExists(rec.DownloadPath) {
			continue
		}

		if newPath, found := index[rec.Checksum]; found {
			// 内容は同一のままファイルが移動・改名されただけなので
			// 再ダウンロードは不要
			if err := r.downloads.UpdatePath(ctx, rec.ID, newPath); err != nil {
				return report, err
			}
			report.Relocated++
			r.logger.Info("証跡のパスを付け替えました",
				slog.String("old_path", rec.DownloadPath),
				slog.String("new_path", newPath),
			)
			continue
		}

		report.Broken++
		r.logger.Warn("証跡の実体が見つかりません",
			slog.String("record_id", rec.ID),
			slog.String("path", rec.DownloadPath),
		)
		if req == nil {
			continue
		}

		if err := r.requests.MarkStatus(ctx, req.ID, model.StatusPending); err != nil {
			return report, err
		}
		enqueued, err := r.items.Enqueue(ctx, &model.WorkItem{
			Source:   req.Source,
			TaskType: model.TaskBulkDownload,
			TargetID: req.ExternalID,
		})
		if err != nil {
			return report, err
		}
		if enqueued != nil {
			report.Enqueued++
		}
	}

	if r.collector != nil {
		r.collector.RecordRepairRelocated(report.Relocated)
		r.collector.RecordRepairBroken(report.Broken)
	}
	r.logger.Info("修復が完了しました",
		slog.Int("checked", report.Checked),
		slog.Int("relocated", report.Relocated),
		slog.Int("broken", report.Broken),
		slog.Int("enqueued", report.Enqueued),
	)
	return report, nil
}

// buildChecksumIndex はダウンロードルート配下の全ファイルのチェックサムを
// 計算し、チェックサム→現在パスの索引を返す。同一チェックサムのファイルが
// 複数ある場合は後から走査された方が残る（許容された曖昧さ）。
// ステージングファイルとバックアップは対象外。
func (r *Repairer) buildChecksumIndex() (map[string]string, error) {
	index := make(map[string]string)

	root := r.store.Root()
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return index, nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || storage.IsTransientFile(d.Name()) {
			return nil
		}
		sum, err := storage.HashFile(path)
		if err != nil {
			return err
		}
		index[sum] = path
		return nil
	})
	if err != nil {
		return nil, err
	}
	return index, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
