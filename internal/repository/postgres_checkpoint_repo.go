package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/kaiji/internal/model"
)

// PostgresCheckpointRepo はPostgreSQLを使用した探索チェックポイントリポジトリ。
type PostgresCheckpointRepo struct {
	db *sql.DB
}

// NewPostgresCheckpointRepo はPostgresCheckpointRepoを生成する。
func NewPostgresCheckpointRepo(db *sql.DB) *PostgresCheckpointRepo {
	return &PostgresCheckpointRepo{db: db}
}

// Touch は指定ソースのチェックポイントを現在時刻でupsertする。
// sourceの主キー制約により1ソース1行が保たれる。
func (r *PostgresCheckpointRepo) Touch(ctx context.Context, source string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scrape_checkpoints (source, last_scrape_at)
		 VALUES ($1, now())
		 ON CONFLICT (source) DO UPDATE SET last_scrape_at = now()`,
		source,
	)
	if err != nil {
		return model.NewStorageError("チェックポイントの更新", err)
	}
	return nil
}

// Get は指定ソースのチェックポイントを取得する。見つからない場合はnilを返す。
func (r *PostgresCheckpointRepo) Get(ctx context.Context, source string) (*model.ScrapeCheckpoint, error) {
	cp := &model.ScrapeCheckpoint{}
	err := r.db.QueryRowContext(ctx,
		`SELECT source, last_scrape_at FROM scrape_checkpoints WHERE source = $1`,
		source,
	).Scan(&cp.Source, &cp.LastScrapeAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewStorageError("チェックポイントの取得", err)
	}
	return cp, nil
}

// compile-time interface check
var _ CheckpointRepository = (*PostgresCheckpointRepo)(nil)
