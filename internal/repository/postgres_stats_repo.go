package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/kaiji/internal/model"
)

// PostgresStatsRepo はPostgreSQLを使用した集計リポジトリ。
type PostgresStatsRepo struct {
	db *sql.DB
}

// NewPostgresStatsRepo はPostgresStatsRepoを生成する。
func NewPostgresStatsRepo(db *sql.DB) *PostgresStatsRepo {
	return &PostgresStatsRepo{db: db}
}

// Stats は状態別の請求数と文書総数、最終探索時刻を集計して返す。
// 区分は排他的: DownloadRecordを持つ請求はdownloadedに入り、
// それ以外は現在の状態で数える。これにより
// total == pending + closed + downloaded + error が常に成立する。
func (r *PostgresStatsRepo) Stats(ctx context.Context) (*model.DatabaseStats, error) {
	stats := &model.DatabaseStats{}

	err := r.db.QueryRowContext(ctx,
		`SELECT
		    count(*),
		    count(*) FILTER (WHERE NOT has_download AND status = 'pending'),
		    count(*) FILTER (WHERE NOT has_download AND status = 'closed'),
		    count(*) FILTER (WHERE has_download),
		    count(*) FILTER (WHERE NOT has_download AND status = 'error')
		 FROM (
		    SELECT r.status,
		           EXISTS (SELECT 1 FROM download_records d WHERE d.request_id = r.id) AS has_download
		    FROM requests r
		 ) t`,
	).Scan(
		&stats.TotalRequestCount,
		&stats.PendingRequestCount,
		&stats.ClosedRequestCount,
		&stats.DownloadedRequestCount,
		&stats.ErrorRequestCount,
	)
	if err != nil {
		return nil, model.NewStorageError("請求数の集計", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(sum(document_count), 0) FROM download_records`,
	).Scan(&stats.DocumentCount)
	if err != nil {
		return nil, model.NewStorageError("文書数の集計", err)
	}

	var lastScrape sql.NullTime
	err = r.db.QueryRowContext(ctx,
		`SELECT max(last_scrape_at) FROM scrape_checkpoints`,
	).Scan(&lastScrape)
	if err != nil {
		return nil, model.NewStorageError("最終探索時刻の取得", err)
	}
	if lastScrape.Valid {
		stats.LastScrape = lastScrape.Time
	}

	return stats, nil
}

// compile-time interface check
var _ StatsRepository = (*PostgresStatsRepo)(nil)
