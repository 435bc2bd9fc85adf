package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kaiji/internal/model"
)

// PostgresRequestRepo はPostgreSQLを使用した請求リポジトリ。
type PostgresRequestRepo struct {
	db *sql.DB
}

// NewPostgresRequestRepo はPostgresRequestRepoを生成する。
func NewPostgresRequestRepo(db *sql.DB) *PostgresRequestRepo {
	return &PostgresRequestRepo{db: db}
}

const requestColumns = `id, source, external_id, status, submitted_at,
	        last_checked_at, department, document_count, created_at, updated_at`

// Upsert は(source, external_id)の行が存在すれば可変フィールドと
// last_checked_atを更新し、なければ挿入する。ON CONFLICTにより
// 並行呼び出しやリトライでも重複行は生じない。
func (r *PostgresRequestRepo) Upsert(ctx context.Context, params UpsertRequestParams) (*model.Request, error) {
	req := &model.Request{}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO requests (id, source, external_id, status, submitted_at,
		                       last_checked_at, department, document_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), $6, $7, now(), now())
		 ON CONFLICT (source, external_id) DO UPDATE SET
		    status = EXCLUDED.status,
		    submitted_at = EXCLUDED.submitted_at,
		    last_checked_at = now(),
		    department = EXCLUDED.department,
		    document_count = EXCLUDED.document_count,
		    updated_at = now()
		 RETURNING `+requestColumns,
		uuid.NewString(), params.Source, params.ExternalID, params.Status,
		params.SubmittedAt, params.Department, params.DocumentCount,
	).Scan(
		&req.ID, &req.Source, &req.ExternalID, &req.Status, &req.SubmittedAt,
		&req.LastCheckedAt, &req.Department, &req.DocumentCount,
		&req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, model.NewStorageError("請求のupsert", err)
	}

	return req, nil
}

// FindBySourceAndExternalID は複合キーで請求を取得する。見つからない場合はnilを返す。
func (r *PostgresRequestRepo) FindBySourceAndExternalID(ctx context.Context, source, externalID string) (*model.Request, error) {
	return r.findOne(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE source = $1 AND external_id = $2`,
		source, externalID)
}

// FindByID は内部IDで請求を取得する。見つからない場合はnilを返す。
func (r *PostgresRequestRepo) FindByID(ctx context.Context, id string) (*model.Request, error) {
	return r.findOne(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
}

func (r *PostgresRequestRepo) findOne(ctx context.Context, query string, args ...any) (*model.Request, error) {
	req := &model.Request{}
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&req.ID, &req.Source, &req.ExternalID, &req.Status, &req.SubmittedAt,
		&req.LastCheckedAt, &req.Department, &req.DocumentCount,
		&req.CreatedAt, &req.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewStorageError("請求の取得", err)
	}
	return req, nil
}

// MarkStatus は請求の状態とlast_checked_atのみを更新する。
func (r *PostgresRequestRepo) MarkStatus(ctx context.Context, id string, status model.RequestStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE requests SET status = $2, last_checked_at = now(), updated_at = now()
		 WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return model.NewStorageError("請求状態の更新", err)
	}
	return nil
}

// ListWithDownloads はDownloadRecordを1件以上持つ請求を返す。
// beforeが非nilの場合、最終ダウンロードがbeforeより前の請求に絞る。
func (r *PostgresRequestRepo) ListWithDownloads(ctx context.Context, before *time.Time) ([]*model.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests r
		 WHERE EXISTS (SELECT 1 FROM download_records d WHERE d.request_id = r.id)`
	args := []any{}
	if before != nil {
		query = `SELECT ` + requestColumns + ` FROM requests r
		 WHERE EXISTS (SELECT 1 FROM download_records d WHERE d.request_id = r.id)
		   AND (SELECT max(d.downloaded_at) FROM download_records d WHERE d.request_id = r.id) < $1`
		args = append(args, *before)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.NewStorageError("ダウンロード済み請求の列挙", err)
	}
	defer rows.Close()

	var reqs []*model.Request
	for rows.Next() {
		req := &model.Request{}
		if err := rows.Scan(
			&req.ID, &req.Source, &req.ExternalID, &req.Status, &req.SubmittedAt,
			&req.LastCheckedAt, &req.Department, &req.DocumentCount,
			&req.CreatedAt, &req.UpdatedAt,
		); err != nil {
			return nil, model.NewStorageError("ダウンロード済み請求の読み取り", err)
		}
		reqs = append(reqs, req)
	}

	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("ダウンロード済み請求の走査", err)
	}

	return reqs, nil
}

// compile-time interface check
var _ RequestRepository = (*PostgresRequestRepo)(nil)
