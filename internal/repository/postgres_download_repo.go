package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/hitoshi/kaiji/internal/model"
)

// PostgresDownloadRepo はPostgreSQLを使用した取得証跡リポジトリ。
type PostgresDownloadRepo struct {
	db *sql.DB
}

// NewPostgresDownloadRepo はPostgresDownloadRepoを生成する。
func NewPostgresDownloadRepo(db *sql.DB) *PostgresDownloadRepo {
	return &PostgresDownloadRepo{db: db}
}

// Record は取得証跡を追加する。証跡は追記専用で、同一文書の再取得は
// 既存レコードを置き換えず新しい行として積む。
func (r *PostgresDownloadRepo) Record(ctx context.Context, rec *model.DownloadRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO download_records (id, request_id, document_id, downloaded_at,
		                               is_bulk, download_path, checksum, document_count)
		 VALUES ($1, $2, $3, now(), $4, $5, $6, $7)`,
		rec.ID, nullString(rec.RequestID), nullString(rec.DocumentID),
		rec.IsBulk, rec.DownloadPath, rec.Checksum, rec.DocumentCount,
	)
	if err != nil {
		return model.NewStorageError("取得証跡の記録", err)
	}
	return nil
}

// HasDocument は指定のポータル文書IDに対する証跡が存在するかを返す。
func (r *PostgresDownloadRepo) HasDocument(ctx context.Context, documentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM download_records WHERE document_id = $1)`,
		documentID,
	).Scan(&exists)
	if err != nil {
		return false, model.NewStorageError("取得証跡の存在確認", err)
	}
	return exists, nil
}

// ListAll は全証跡を返す。
func (r *PostgresDownloadRepo) ListAll(ctx context.Context) ([]*model.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, request_id, document_id, downloaded_at, is_bulk,
		        download_path, checksum, document_count
		 FROM download_records
		 ORDER BY downloaded_at ASC`,
	)
	if err != nil {
		return nil, model.NewStorageError("取得証跡の列挙", err)
	}
	defer rows.Close()

	var recs []*model.DownloadRecord
	for rows.Next() {
		rec := &model.DownloadRecord{}
		var requestID, documentID sql.NullString
		if err := rows.Scan(
			&rec.ID, &requestID, &documentID, &rec.DownloadedAt, &rec.IsBulk,
			&rec.DownloadPath, &rec.Checksum, &rec.DocumentCount,
		); err != nil {
			return nil, model.NewStorageError("取得証跡の読み取り", err)
		}
		rec.RequestID = nullStringValue(requestID)
		rec.DocumentID = nullStringValue(documentID)
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("取得証跡の走査", err)
	}

	return recs, nil
}

// UpdatePath は証跡のパスのみを書き換える。チェックサムは変更しない。
func (r *PostgresDownloadRepo) UpdatePath(ctx context.Context, id, newPath string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE download_records SET download_path = $2 WHERE id = $1`,
		id, newPath,
	)
	if err != nil {
		return model.NewStorageError("取得証跡パスの更新", err)
	}
	return nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ DownloadRepository = (*PostgresDownloadRepo)(nil)
