package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/hitoshi/kaiji/internal/model"
)

// PostgresWorkItemRepo はPostgreSQLを使用したワークキューリポジトリ。
// キューの重複排除はwork_itemsの一意制約に委ねており、
// チェックと挿入の競合はデータベース側で直列化される。
type PostgresWorkItemRepo struct {
	db *sql.DB
}

// NewPostgresWorkItemRepo はPostgresWorkItemRepoを生成する。
func NewPostgresWorkItemRepo(db *sql.DB) *PostgresWorkItemRepo {
	return &PostgresWorkItemRepo{db: db}
}

// Enqueue はワークアイテムを追加する。重複キーの場合は挿入せずnilを返す。
// ON CONFLICT DO NOTHINGにより、チェックしてから挿入する方式に伴う
// 競合ウィンドウが存在しない。
func (r *PostgresWorkItemRepo) Enqueue(ctx context.Context, item *model.WorkItem) (*model.WorkItem, error) {
	inserted := &model.WorkItem{}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO work_items (id, source, task_type, target_id, document_id, document_name, enqueued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (source, task_type, target_id, document_id) DO NOTHING
		 RETURNING id, source, task_type, target_id, document_id, document_name, enqueued_at`,
		uuid.NewString(), item.Source, item.TaskType, item.TargetID,
		item.DocumentID, item.DocumentName,
	).Scan(
		&inserted.ID, &inserted.Source, &inserted.TaskType, &inserted.TargetID,
		&inserted.DocumentID, &inserted.DocumentName, &inserted.EnqueuedAt,
	)
	if err == sql.ErrNoRows {
		// 既存アイテムと重複。no-op
		return nil, nil
	}
	if err != nil {
		return nil, model.NewStorageError("ワークアイテムのenqueue", err)
	}

	return inserted, nil
}

// DequeueAll は指定ソースの現在のキューを投入順で返す。アイテムは削除しない。
func (r *PostgresWorkItemRepo) DequeueAll(ctx context.Context, source string) ([]*model.WorkItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, source, task_type, target_id, document_id, document_name, enqueued_at
		 FROM work_items
		 WHERE source = $1
		 ORDER BY enqueued_at ASC, id ASC`,
		source,
	)
	if err != nil {
		return nil, model.NewStorageError("キューの取得", err)
	}
	defer rows.Close()

	var items []*model.WorkItem
	for rows.Next() {
		item := &model.WorkItem{}
		if err := rows.Scan(
			&item.ID, &item.Source, &item.TaskType, &item.TargetID,
			&item.DocumentID, &item.DocumentName, &item.EnqueuedAt,
		); err != nil {
			return nil, model.NewStorageError("キューの読み取り", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("キューの走査", err)
	}

	return items, nil
}

// Complete はワークアイテムを削除する。
// 終端結果が永続化された後にのみ呼び出すこと。
func (r *PostgresWorkItemRepo) Complete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM work_items WHERE id = $1`, id)
	if err != nil {
		return model.NewStorageError("ワークアイテムの完了", err)
	}
	return nil
}

// Count はキュー内のアイテム総数を返す。
func (r *PostgresWorkItemRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM work_items`).Scan(&count)
	if err != nil {
		return 0, model.NewStorageError("キュー件数の取得", err)
	}
	return count, nil
}

// ClearAll はキューを空にし、削除件数を返す。
func (r *PostgresWorkItemRepo) ClearAll(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM work_items`)
	if err != nil {
		return 0, model.NewStorageError("キューのクリア", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, model.NewStorageError("削除件数の取得", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ WorkItemRepository = (*PostgresWorkItemRepo)(nil)
