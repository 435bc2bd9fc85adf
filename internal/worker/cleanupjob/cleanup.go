// Package cleanupjob はダウンロードルートの掃除ジョブを提供する。
// 転送中のクラッシュで残ったステージングファイル（.part-*）と
// 昇格に失敗した際のバックアップ（.bak）を削除する。正規パスの
// ファイルはリネーム昇格の規律で守られているため対象にしない。
package cleanupjob

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hitoshi/kaiji/internal/storage"
)

// CleanupJob は中断されたダウンロードの残骸を削除するジョブ。
// キュー消化の前に実行する。冪等: 削除対象がない場合でもエラーにならない。
type CleanupJob struct {
	root   string
	logger *slog.Logger
	MaxAge time.Duration // この期間より古い残骸のみ削除する（デフォルト: 24h）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// 進行中の転送を消さないよう、デフォルトでは24時間より古いファイルのみ対象。
func NewCleanupJob(root string, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		root:   root,
		logger: logger,
		MaxAge: 24 * time.Hour,
	}
}

// Run はダウンロードルートを走査し、MaxAgeより古いステージングファイルと
// バックアップを削除する。削除件数を返す。
func (j *CleanupJob) Run(ctx context.Context) (int, error) {
	start := time.Now()
	cutoff := start.Add(-j.MaxAge)
	deleted := 0

	if _, err := os.Stat(j.root); os.IsNotExist(err) {
		return 0, nil
	}

	err := filepath.WalkDir(j.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !storage.IsTransientFile(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			j.logger.Warn("残骸ファイルの削除に失敗しました",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			return nil
		}
		deleted++
		return nil
	})
	if err != nil {
		return deleted, err
	}

	j.logger.Info("掃除ジョブが完了しました",
		slog.Int("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return deleted, nil
}
