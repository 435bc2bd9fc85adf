package repository

import (
	"testing"
	"time"

	"github.com/hitoshi/kaiji/internal/model"
)

// PostgresDownloadRepoはDownloadRepositoryインターフェースを満たすことを検証
func TestPostgresDownloadRepo_ImplementsInterface(t *testing.T) {
	var _ DownloadRepository = (*PostgresDownloadRepo)(nil)
}

// NewPostgresDownloadRepoが正しく初期化されることを検証
func TestNewPostgresDownloadRepo_Initializes(t *testing.T) {
	repo := NewPostgresDownloadRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// DownloadRecordモデルのフィールドが正しく構築されることを検証
func TestPostgresDownloadRepo_RecordModel_Fields(t *testing.T) {
	rec := &model.DownloadRecord{
		ID:            "rec-uuid-1",
		RequestID:     "internal-uuid-1",
		DownloadedAt:  time.Now(),
		IsBulk:        true,
		DownloadPath:  "/data/downloads/example.com/21-1234.zip",
		Checksum:      "deadbeef",
		DocumentCount: 7,
	}

	if !rec.IsBulk {
		t.Error("rec.IsBulk = false, want true")
	}
	if rec.DocumentCount != 7 {
		t.Errorf("rec.DocumentCount = %d, want 7", rec.DocumentCount)
	}
	// 一括取得ではDocumentIDは空
	if rec.DocumentID != "" {
		t.Errorf("rec.DocumentID = %q, want empty string", rec.DocumentID)
	}
}

// 孤立文書のレコードはRequestIDを持たないことを検証
func TestPostgresDownloadRepo_OrphanRecord_NoRequestID(t *testing.T) {
	rec := &model.DownloadRecord{
		ID:            "rec-uuid-2",
		DocumentID:    "doc-42",
		DownloadPath:  "/data/downloads/example.com/orphans/report.pdf",
		Checksum:      "cafebabe",
		DocumentCount: 1,
	}

	if rec.RequestID != "" {
		t.Errorf("rec.RequestID = %q, want empty string for orphan", rec.RequestID)
	}
	if rec.IsBulk {
		t.Error("orphan document record should not be bulk")
	}
}
