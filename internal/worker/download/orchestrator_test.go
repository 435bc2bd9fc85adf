package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kaiji/internal/engine"
	"github.com/hitoshi/kaiji/internal/model"
	"github.com/hitoshi/kaiji/internal/portal"
	"github.com/hitoshi/kaiji/internal/repository"
	"github.com/hitoshi/kaiji/internal/storage"
)

// --- Orchestrator テスト用モック ---

// mockPortal はテスト用のportal.Clientモック。一括ジョブのポーリング
// 回数と応答内容をシナリオとして指定できる。
type mockPortal struct {
	source      string
	infos       map[string]*portal.RequestInfo
	docsInfos   map[string]*portal.DocumentsInfo
	jobID       string
	pollResults []bool // PollJobの応答列。使い切った後はfalse
	pollCalls   int
	pollHook    func() // PollJob呼び出しのたびに実行される
	bulkResult  *portal.BulkResult
	fileBody    string
	initiateErr error
	fetchErr    error
	signInCalls int
}

func newMockPortal() *mockPortal {
	return &mockPortal{
		source:    "https://acme.gov",
		infos:     make(map[string]*portal.RequestInfo),
		docsInfos: make(map[string]*portal.DocumentsInfo),
	}
}

func (m *mockPortal) Source() string { return m.source }

func (m *mockPortal) SignIn(context.Context) error {
	m.signInCalls++
	return nil
}

func (m *mockPortal) SearchRequests(context.Context, string, int, portal.SearchFilter) (*portal.RequestSearchPage, error) {
	return &portal.RequestSearchPage{}, nil
}

func (m *mockPortal) SearchDocuments(context.Context, string, int) (*portal.DocumentSearchPage, error) {
	return &portal.DocumentSearchPage{}, nil
}

func (m *mockPortal) RequestInfo(_ context.Context, externalID string) (*portal.RequestInfo, error) {
	info, ok := m.infos[externalID]
	if !ok {
		return nil, fmt.Errorf("テストに情報が未登録: %s", externalID)
	}
	return info, nil
}

func (m *mockPortal) DocumentsInfo(_ context.Context, externalID string) (*portal.DocumentsInfo, error) {
	if info, ok := m.docsInfos[externalID]; ok {
		return info, nil
	}
	return &portal.DocumentsInfo{}, nil
}

func (m *mockPortal) InitiateBulkDownload(_ context.Context, externalID string) (string, error) {
	if m.initiateErr != nil {
		return "", m.initiateErr
	}
	return m.jobID, nil
}

func (m *mockPortal) PollJob(_ context.Context, _, _ string) (bool, error) {
	if m.pollHook != nil {
		m.pollHook()
	}
	idx := m.pollCalls
	m.pollCalls++
	if idx < len(m.pollResults) {
		return m.pollResults[idx], nil
	}
	return false, nil
}

func (m *mockPortal) FetchBulkResult(context.Context, string, string) (*portal.BulkResult, error) {
	return m.bulkResult, nil
}

func (m *mockPortal) DownloadDocument(context.Context, string, string) (*portal.FileDownload, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return &portal.FileDownload{
		Body:          io.NopCloser(strings.NewReader(m.fileBody)),
		ContentLength: int64(len(m.fileBody)),
	}, nil
}

func (m *mockPortal) Fetch(context.Context, string) (*portal.FileDownload, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return &portal.FileDownload{
		Body:          io.NopCloser(strings.NewReader(m.fileBody)),
		ContentLength: int64(len(m.fileBody)),
	}, nil
}

// mockRequestRepo はテスト用のRequestRepositoryモック。
type mockRequestRepo struct {
	byKey map[string]*model.Request
}

func newMockRequestRepo() *mockRequestRepo {
	return &mockRequestRepo{byKey: make(map[string]*model.Request)}
}

func (m *mockRequestRepo) Upsert(_ context.Context, p repository.UpsertRequestParams) (*model.Request, error) {
	key := p.Source + "|" + p.ExternalID
	req, ok := m.byKey[key]
	if !ok {
		req = &model.Request{ID: uuid.New().String(), Source: p.Source, ExternalID: p.ExternalID}
		m.byKey[key] = req
	}
	req.Status = p.Status
	req.Department = p.Department
	req.DocumentCount = p.DocumentCount
	return req, nil
}

func (m *mockRequestRepo) FindBySourceAndExternalID(_ context.Context, source, externalID string) (*model.Request, error) {
	return m.byKey[source+"|"+externalID], nil
}

func (m *mockRequestRepo) FindByID(_ context.Context, id string) (*model.Request, error) {
	for _, req := range m.byKey {
		if req.ID == id {
			return req, nil
		}
	}
	return nil, nil
}

func (m *mockRequestRepo) MarkStatus(_ context.Context, id string, status model.RequestStatus) error {
	for _, req := range m.byKey {
		if req.ID == id {
			req.Status = status
		}
	}
	return nil
}

func (m *mockRequestRepo) ListWithDownloads(context.Context, *time.Time) ([]*model.Request, error) {
	return nil, nil
}

// mockWorkItemRepo はテスト用のWorkItemRepositoryモック。
type mockWorkItemRepo struct {
	items map[string]*model.WorkItem
	order []string
}

func newMockWorkItemRepo() *mockWorkItemRepo {
	return &mockWorkItemRepo{items: make(map[string]*model.WorkItem)}
}

func itemKey(item *model.WorkItem) string {
	return item.Source + "|" + string(item.TaskType) + "|" + item.TargetID + "|" + item.DocumentID
}

func (m *mockWorkItemRepo) Enqueue(_ context.Context, item *model.WorkItem) (*model.WorkItem, error) {
	key := itemKey(item)
	if _, exists := m.items[key]; exists {
		return nil, nil
	}
	stored := *item
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	m.items[key] = &stored
	m.order = append(m.order, key)
	return &stored, nil
}

func (m *mockWorkItemRepo) DequeueAll(_ context.Context, source string) ([]*model.WorkItem, error) {
	var out []*model.WorkItem
	for _, key := range m.order {
		if item, ok := m.items[key]; ok && item.Source == source {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *mockWorkItemRepo) Complete(_ context.Context, id string) error {
	for key, item := range m.items {
		if item.ID == id {
			delete(m.items, key)
		}
	}
	return nil
}

func (m *mockWorkItemRepo) Count(_ context.Context) (int, error) {
	return len(m.items), nil
}

func (m *mockWorkItemRepo) ClearAll(_ context.Context) (int64, error) {
	n := int64(len(m.items))
	m.items = make(map[string]*model.WorkItem)
	m.order = nil
	return n, nil
}

// mockDownloadRepo はテスト用のDownloadRepositoryモック。
type mockDownloadRepo struct {
	records   []*model.DownloadRecord
	recordErr error
}

func (m *mockDownloadRepo) Record(_ context.Context, rec *model.DownloadRecord) error {
	if m.recordErr != nil {
		return m.recordErr
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *mockDownloadRepo) HasDocument(context.Context, string) (bool, error) {
	return false, nil
}

func (m *mockDownloadRepo) ListAll(context.Context) ([]*model.DownloadRecord, error) {
	return m.records, nil
}

func (m *mockDownloadRepo) UpdatePath(context.Context, string, string) error {
	return nil
}

type mockCheckpointRepo struct{}

func (m *mockCheckpointRepo) Touch(context.Context, string) error { return nil }
func (m *mockCheckpointRepo) Get(context.Context, string) (*model.ScrapeCheckpoint, error) {
	return nil, nil
}

type fixture struct {
	orchestrator *Orchestrator
	portal       *mockPortal
	requests     *mockRequestRepo
	items        *mockWorkItemRepo
	downloads    *mockDownloadRepo
	store        *storage.FileStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	f := &fixture{
		portal:    newMockPortal(),
		requests:  newMockRequestRepo(),
		items:     newMockWorkItemRepo(),
		downloads: &mockDownloadRepo{},
		store:     storage.NewFileStore(t.TempDir(), logger),
	}
	lifecycle := engine.NewLifecycleEngine(
		f.portal, f.requests, f.items, f.downloads, &mockCheckpointRepo{}, nil, logger)
	f.orchestrator = NewOrchestrator(
		f.portal, lifecycle, f.items, f.downloads, f.store, nil, logger,
		5*time.Second,       // downloadTimeout
		time.Millisecond,    // jobPollInterval
		time.Nanosecond,     // niceInterval（テストでは実質待たない）
	)
	return f
}

// 投入→処理→証跡→完了までの一連のシナリオ。
// ジョブJ1が2回のポーリングでworkingを報告した後に完了し、
// zipアーカイブが取得される。
func TestProcessQueue_BulkScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 同一パラメータの二重投入は1件に重複排除される
	item := &model.WorkItem{
		Source:   "https://acme.gov",
		TaskType: model.TaskBulkDownload,
		TargetID: "R-100",
	}
	first, _ := f.items.Enqueue(ctx, item)
	second, _ := f.items.Enqueue(ctx, item)
	if first == nil {
		t.Fatal("1回目の投入はアイテムを返すべき")
	}
	if second != nil {
		t.Fatal("2回目の投入は重複排除されるべき")
	}

	f.portal.infos["R-100"] = &portal.RequestInfo{Status: "Closed"}
	f.portal.docsInfos["R-100"] = &portal.DocumentsInfo{TotalCount: 7}
	f.portal.jobID = "J1"
	f.portal.pollResults = []bool{true, true, false}
	f.portal.bulkResult = &portal.BulkResult{
		URL:      "https://x/z.zip",
		Filename: "R-100.zip",
	}
	f.portal.fileBody = "zip-bytes"

	summary, err := f.orchestrator.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue がエラーを返した: %v", err)
	}
	if summary.Processed != 1 || summary.Succeeded != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want processed=1 succeeded=1 failed=0", summary)
	}
	if f.portal.signInCalls != 1 {
		t.Errorf("サインイン回数 = %d, want 1", f.portal.signInCalls)
	}
	if f.portal.pollCalls != 3 {
		t.Errorf("ポーリング回数 = %d, want 3", f.portal.pollCalls)
	}

	// 証跡: is_bulk=true、文書数は請求に記録されていた総数
	if len(f.downloads.records) != 1 {
		t.Fatalf("証跡数 = %d, want 1", len(f.downloads.records))
	}
	rec := f.downloads.records[0]
	if !rec.IsBulk {
		t.Error("is_bulk = false, want true")
	}
	if rec.DocumentCount != 7 {
		t.Errorf("DocumentCount = %d, want 7", rec.DocumentCount)
	}
	if rec.Checksum == "" {
		t.Error("チェックサムが記録されるべき")
	}

	// zipは請求フォルダに畳み込まれる
	if _, statErr := os.Stat(rec.DownloadPath); statErr != nil {
		t.Errorf("ダウンロードパスにファイルが存在すべき: %v", statErr)
	}
	if !strings.HasSuffix(rec.DownloadPath, "R-100.zip") {
		t.Errorf("パス = %s, want 末尾 R-100.zip", rec.DownloadPath)
	}

	// アイテムはキューから消えている
	count, _ := f.items.Count(ctx)
	if count != 0 {
		t.Errorf("キュー内のアイテム数 = %d, want 0", count)
	}
}

// オープン中の請求の一括タスクは保留されてキューに残り、請求が
// クローズした後の実行で消化される。
func TestProcessQueue_OpenRequestDefersBulkDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.items.Enqueue(ctx, &model.WorkItem{
		Source:   "https://acme.gov",
		TaskType: model.TaskBulkDownload,
		TargetID: "R-200",
	})
	f.portal.infos["R-200"] = &portal.RequestInfo{Status: "Open"}

	summary, err := f.orchestrator.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue がエラーを返した: %v", err)
	}
	if summary.Skipped != 1 || summary.Succeeded != 0 {
		t.Errorf("summary = %+v, want skipped=1 succeeded=0", summary)
	}
	if len(f.downloads.records) != 0 {
		t.Errorf("オープン中の請求に証跡が作られるべきではない: %d", len(f.downloads.records))
	}

	// アイテムはキューに残り、請求はPendingのまま
	count, _ := f.items.Count(ctx)
	if count != 1 {
		t.Fatalf("キュー内のアイテム数 = %d, want 1", count)
	}
	req, _ := f.requests.FindBySourceAndExternalID(ctx, "https://acme.gov", "R-200")
	if req.Status != model.StatusPending {
		t.Errorf("状態 = %s, want %s", req.Status, model.StatusPending)
	}

	// 請求がクローズした後の実行では同じアイテムが消化される
	f.portal.infos["R-200"] = &portal.RequestInfo{Status: "Closed"}
	f.portal.jobID = "J2"
	f.portal.bulkResult = &portal.BulkResult{URL: "https://x/z.zip", Filename: "R-200.zip"}
	f.portal.fileBody = "zip-bytes"

	summary, err = f.orchestrator.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("2回目の ProcessQueue がエラーを返した: %v", err)
	}
	if summary.Succeeded != 1 || summary.Skipped != 0 {
		t.Errorf("2回目のsummary = %+v, want succeeded=1 skipped=0", summary)
	}
	if len(f.downloads.records) != 1 {
		t.Errorf("証跡数 = %d, want 1", len(f.downloads.records))
	}
	count, _ = f.items.Count(ctx)
	if count != 0 {
		t.Errorf("消化後のキュー内のアイテム数 = %d, want 0", count)
	}
}

// メタデータ更新タスクは反映のみで成功扱いとなり、キューから消える。
func TestProcessQueue_RefreshTaskCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.items.Enqueue(ctx, &model.WorkItem{
		Source:   "https://acme.gov",
		TaskType: model.TaskRefresh,
		TargetID: "R-210",
	})
	f.portal.infos["R-210"] = &portal.RequestInfo{Status: "Open"}

	summary, err := f.orchestrator.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue がエラーを返した: %v", err)
	}
	if summary.Succeeded != 1 || summary.Skipped != 0 {
		t.Errorf("summary = %+v, want succeeded=1 skipped=0", summary)
	}
	count, _ := f.items.Count(ctx)
	if count != 0 {
		t.Errorf("キュー内のアイテム数 = %d, want 0", count)
	}
}

func TestProcessQueue_FailureMarksRequestErrorAndContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.items.Enqueue(ctx, &model.WorkItem{
		Source:   "https://acme.gov",
		TaskType: model.TaskBulkDownload,
		TargetID: "R-300",
	})
	f.items.Enqueue(ctx, &model.WorkItem{
		Source:     "https://acme.gov",
		TaskType:   model.TaskDocumentDownload,
		TargetID:   "R-301",
		DocumentID: "doc-1",
	})

	f.portal.infos["R-300"] = &portal.RequestInfo{Status: "Closed"}
	f.portal.infos["R-301"] = &portal.RequestInfo{Status: "Closed"}
	f.portal.initiateErr = model.NewJobFailedError("R-300", "ジョブIDが返されませんでした")
	f.portal.fileBody = "doc-bytes"

	summary, err := f.orchestrator.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("アイテム単体の失敗で実行が中断されるべきではない: %v", err)
	}
	if summary.Failed != 1 || summary.Succeeded != 1 {
		t.Errorf("summary = %+v, want failed=1 succeeded=1", summary)
	}

	// 失敗した請求はError状態になる
	failed, _ := f.requests.FindBySourceAndExternalID(ctx, "https://acme.gov", "R-300")
	if failed.Status != model.StatusError {
		t.Errorf("失敗請求の状態 = %s, want %s", failed.Status, model.StatusError)
	}

	// 失敗アイテムもキューからは消える（再試行は明示的な再投入で行う）
	count, _ := f.items.Count(ctx)
	if count != 0 {
		t.Errorf("キュー内のアイテム数 = %d, want 0", count)
	}
}

func TestProcessQueue_StorageErrorAbortsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.items.Enqueue(ctx, &model.WorkItem{
		Source:     "https://acme.gov",
		TaskType:   model.TaskDocumentDownload,
		TargetID:   "R-400",
		DocumentID: "doc-1",
	})
	f.items.Enqueue(ctx, &model.WorkItem{
		Source:     "https://acme.gov",
		TaskType:   model.TaskDocumentDownload,
		TargetID:   "R-400",
		DocumentID: "doc-2",
	})

	f.portal.infos["R-400"] = &portal.RequestInfo{Status: "Closed"}
	f.portal.fileBody = "doc-bytes"
	f.downloads.recordErr = model.NewStorageError("証跡の記録", errors.New("disk failure"))

	_, err := f.orchestrator.ProcessQueue(ctx)
	if err == nil {
		t.Fatal("ストア障害は実行を中断させるべき")
	}
	if !model.IsStorageError(err) {
		t.Errorf("ストア障害がそのまま伝播すべき: %v", err)
	}

	// 中断されたアイテムはキューに残る（at-least-once配送）
	count, _ := f.items.Count(ctx)
	if count != 2 {
		t.Errorf("キュー内のアイテム数 = %d, want 2", count)
	}
}

func TestProcessQueue_TimeoutMarksError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.items.Enqueue(ctx, &model.WorkItem{
		Source:   "https://acme.gov",
		TaskType: model.TaskBulkDownload,
		TargetID: "R-500",
	})
	f.portal.infos["R-500"] = &portal.RequestInfo{Status: "Closed"}
	f.portal.jobID = "J9"
	// ジョブが完了しないまま外側のタイムアウトに達する
	f.portal.pollResults = make([]bool, 10000)
	for i := range f.portal.pollResults {
		f.portal.pollResults[i] = true
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	lifecycle := engine.NewLifecycleEngine(
		f.portal, f.requests, f.items, f.downloads, &mockCheckpointRepo{}, nil, logger)
	short := NewOrchestrator(
		f.portal, lifecycle, f.items, f.downloads, f.store, nil, logger,
		20*time.Millisecond, // downloadTimeout
		time.Millisecond,
		time.Nanosecond,
	)

	summary, err := short.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("タイムアウトで実行が中断されるべきではない: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("Failed = %d, want 1", summary.Failed)
	}

	req, _ := f.requests.FindBySourceAndExternalID(ctx, "https://acme.gov", "R-500")
	if req.Status != model.StatusError {
		t.Errorf("状態 = %s, want %s", req.Status, model.StatusError)
	}
}

func TestProcessQueue_OrphanDocumentGoesToOrphansFolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.items.Enqueue(ctx, &model.WorkItem{
		Source:       "https://acme.gov",
		TaskType:     model.TaskDocumentDownload,
		TargetID:     "",
		DocumentID:   "doc-stray",
		DocumentName: "stray.pdf",
	})
	f.portal.fileBody = "stray-bytes"

	summary, err := f.orchestrator.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue がエラーを返した: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", summary.Succeeded)
	}
	if len(f.downloads.records) != 1 {
		t.Fatalf("証跡数 = %d, want 1", len(f.downloads.records))
	}
	rec := f.downloads.records[0]
	if rec.RequestID != "" {
		t.Errorf("orphan証跡のRequestID = %q, want 空", rec.RequestID)
	}
	if !strings.Contains(rec.DownloadPath, "orphans") {
		t.Errorf("パス = %s, want orphansフォルダ配下", rec.DownloadPath)
	}
}

func TestProcessQueue_CancellationBetweenItemsKeepsQueue(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.items.Enqueue(context.Background(), &model.WorkItem{
		Source:   "https://acme.gov",
		TaskType: model.TaskBulkDownload,
		TargetID: "R-600",
	})

	_, err := f.orchestrator.ProcessQueue(ctx)
	if err == nil {
		t.Fatal("キャンセル済みコンテキストでエラーが返されるべき")
	}

	count, _ := f.items.Count(context.Background())
	if count != 1 {
		t.Errorf("キュー内のアイテム数 = %d, want 1（キュー状態は無傷のまま）", count)
	}
}

// アイテム処理の途中でキャンセルされた場合も失敗扱いにはしない。
// 請求はError状態にならず、アイテムはキューに残る。
func TestProcessQueue_CancellationMidItemIsNotFailure(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.items.Enqueue(ctx, &model.WorkItem{
		Source:   "https://acme.gov",
		TaskType: model.TaskBulkDownload,
		TargetID: "R-700",
	})
	f.portal.infos["R-700"] = &portal.RequestInfo{Status: "Closed"}
	f.portal.jobID = "J7"
	// ジョブのポーリング中に操作者がキャンセルする
	f.portal.pollResults = []bool{true, true, true}
	f.portal.pollHook = cancel

	summary, err := f.orchestrator.ProcessQueue(ctx)
	if err == nil {
		t.Fatal("キャンセルはエラーとして返されるべき")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if summary.Failed != 0 {
		t.Errorf("Failed = %d, want 0（キャンセルは失敗ではない）", summary.Failed)
	}

	// 請求はError状態にならない
	req, _ := f.requests.FindBySourceAndExternalID(context.Background(), "https://acme.gov", "R-700")
	if req.Status == model.StatusError {
		t.Errorf("キャンセルで請求がError状態になるべきではない: %s", req.Status)
	}

	// アイテムはキューに残り、次回の実行で再処理される
	count, _ := f.items.Count(context.Background())
	if count != 1 {
		t.Errorf("キュー内のアイテム数 = %d, want 1", count)
	}
}
