package cleanupjob

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestJob(t *testing.T) (*CleanupJob, string) {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewCleanupJob(root, logger), root
}

func writeAged(t *testing.T, root, rel string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_DeletesOldStagingFiles(t *testing.T) {
	job, root := newTestJob(t)
	stale := writeAged(t, root, "host/R-1/a.pdf.part-550e8400-e29b-41d4-a716-446655440000", 48*time.Hour)
	staleBak := writeAged(t, root, "host/R-1/a.pdf.bak", 48*time.Hour)

	deleted, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}
	if deleted != 2 {
		t.Errorf("削除件数 = %d, want 2", deleted)
	}
	for _, path := range []string{stale, staleBak} {
		if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
			t.Errorf("ファイルが削除されているべき: %s", path)
		}
	}
}

func TestRun_KeepsRecentStagingFiles(t *testing.T) {
	job, root := newTestJob(t)
	// 進行中かもしれない新しいステージングファイルは残す
	fresh := writeAged(t, root, "host/fresh.pdf.part-abc", time.Minute)

	deleted, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}
	if deleted != 0 {
		t.Errorf("削除件数 = %d, want 0", deleted)
	}
	if _, statErr := os.Stat(fresh); statErr != nil {
		t.Errorf("新しいステージングファイルは残るべき: %v", statErr)
	}
}

func TestRun_KeepsCanonicalFiles(t *testing.T) {
	job, root := newTestJob(t)
	canonical := writeAged(t, root, "host/R-1/report.pdf", 72*time.Hour)

	deleted, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}
	if deleted != 0 {
		t.Errorf("削除件数 = %d, want 0", deleted)
	}
	if _, statErr := os.Stat(canonical); statErr != nil {
		t.Errorf("正規パスのファイルは残るべき: %v", statErr)
	}
}

func TestRun_MissingRootIsNoop(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	job := NewCleanupJob(filepath.Join(t.TempDir(), "does-not-exist"), logger)

	deleted, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}
	if deleted != 0 {
		t.Errorf("削除件数 = %d, want 0", deleted)
	}
}
