package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/kaiji/internal/config"
	"github.com/hitoshi/kaiji/internal/database"
	"github.com/hitoshi/kaiji/internal/engine"
	"github.com/hitoshi/kaiji/internal/handler"
	"github.com/hitoshi/kaiji/internal/integrity"
	"github.com/hitoshi/kaiji/internal/logger"
	"github.com/hitoshi/kaiji/internal/metrics"
	"github.com/hitoshi/kaiji/internal/portal"
	"github.com/hitoshi/kaiji/internal/portal/nextrequest"
	"github.com/hitoshi/kaiji/internal/repository"
	"github.com/hitoshi/kaiji/internal/security"
	"github.com/hitoshi/kaiji/internal/storage"
	"github.com/hitoshi/kaiji/internal/worker/cleanupjob"
	"github.com/hitoshi/kaiji/internal/worker/download"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, rest := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.Int("portals", len(cfg.PortalURLs)),
	)

	if cmd == CommandMigrate {
		return runMigrate(cfg)
	}

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case CommandRun:
		if err := rt.discoverAll(ctx); err != nil {
			return err
		}
		return rt.processAll(ctx)
	case CommandDiscover:
		return rt.discoverAll(ctx)
	case CommandProcess:
		return rt.processAll(ctx)
	case CommandFetch:
		return rt.fetch(ctx, rest)
	case CommandRedownload:
		return rt.redownload(ctx, rest)
	case CommandRepair:
		return rt.repair(ctx)
	case CommandClearPending:
		return rt.clearPending(ctx)
	case CommandStats:
		return rt.printStats(ctx, w)
	case CommandServe:
		return rt.serve()
	default:
		return fmt.Errorf("unsupported command: %s", cmd)
	}
}

// portalRuntime は1ポータル分のワイヤリング済みコンポーネント。
type portalRuntime struct {
	client       portal.Client
	engine       *engine.LifecycleEngine
	orchestrator *download.Orchestrator
}

// runtime はフル初期化されたアプリケーションの依存関係一式。
type runtime struct {
	cfg       *config.Config
	db        *sql.DB
	requests  repository.RequestRepository
	items     repository.WorkItemRepository
	downloads repository.DownloadRepository
	stats     repository.StatsRepository
	store     *storage.FileStore
	registry  *prometheus.Registry
	collector *metrics.Collector
	cleanup   *cleanupjob.CleanupJob
	repairer  *integrity.Repairer
	portals   []*portalRuntime
}

// newRuntime はDB接続を開き、全依存関係をワイヤリングする。
func newRuntime(cfg *config.Config) (*runtime, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	requestRepo := repository.NewPostgresRequestRepo(db)
	itemRepo := repository.NewPostgresWorkItemRepo(db)
	downloadRepo := repository.NewPostgresDownloadRepo(db)
	checkpointRepo := repository.NewPostgresCheckpointRepo(db)
	statsRepo := repository.NewPostgresStatsRepo(db)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	store := storage.NewFileStore(cfg.DownloadDir, slog.Default())
	sanitizer := security.NewContentSanitizer()
	ssrfGuard := security.NewSSRFGuard()

	rt := &runtime{
		cfg:       cfg,
		db:        db,
		requests:  requestRepo,
		items:     itemRepo,
		downloads: downloadRepo,
		stats:     statsRepo,
		store:     store,
		registry:  registry,
		collector: collector,
		cleanup:   cleanupjob.NewCleanupJob(cfg.DownloadDir, slog.Default()),
		repairer: integrity.NewRepairer(
			downloadRepo, requestRepo, itemRepo, store,
			cfg.IgnoreIDs, collector, slog.Default(),
		),
	}

	for _, portalURL := range cfg.PortalURLs {
		jar, err := cookiejar.New(nil)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		httpClient := ssrfGuard.NewSafeClient(cfg.DownloadTimeout, jar)

		client := nextrequest.NewClient(
			portalURL, httpClient, sanitizer, slog.Default(),
			cfg.PortalUser, cfg.PortalPassword,
		)
		lifecycle := engine.NewLifecycleEngine(
			client, requestRepo, itemRepo, downloadRepo, checkpointRepo,
			cfg.IgnoreIDs, slog.Default(),
		)
		orchestrator := download.NewOrchestrator(
			client, lifecycle, itemRepo, downloadRepo, store,
			collector, slog.Default(),
			cfg.DownloadTimeout, cfg.JobPollInterval, cfg.DownloadNiceInterval,
		)

		rt.portals = append(rt.portals, &portalRuntime{
			client:       client,
			engine:       lifecycle,
			orchestrator: orchestrator,
		})
	}

	return rt, nil
}

// Close はDB接続を閉じる。
func (rt *runtime) Close() {
	rt.db.Close()
}

// discoverAll は全ポータルの全検索語で探索を実行する。
func (rt *runtime) discoverAll(ctx context.Context) error {
	for _, p := range rt.portals {
		if err := p.client.SignIn(ctx); err != nil {
			return err
		}
		for _, term := range rt.cfg.SearchTerms {
			result, err := p.engine.Discover(ctx, term,
				portal.SearchFilter{Open: true, Closed: true})
			if err != nil {
				return err
			}
			rt.collector.RecordItemsEnqueued(result.Enqueued)
			slog.Info("request discovery finished",
				slog.String("source", p.client.Source()),
				slog.String("term", term),
				slog.Int("scanned", result.Scanned),
				slog.Int("enqueued", result.Enqueued),
			)
		}
		for _, term := range rt.cfg.DocumentSearchTerms {
			result, err := p.engine.DiscoverDocuments(ctx, term)
			if err != nil {
				return err
			}
			rt.collector.RecordItemsEnqueued(result.Enqueued)
			slog.Info("document discovery finished",
				slog.String("source", p.client.Source()),
				slog.String("term", term),
				slog.Int("scanned", result.Scanned),
				slog.Int("enqueued", result.Enqueued),
			)
		}
	}
	return nil
}

// processAll は掃除ジョブを実行してから全ポータルのキューを消化する。
func (rt *runtime) processAll(ctx context.Context) error {
	if _, err := rt.cleanup.Run(ctx); err != nil {
		slog.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	for _, p := range rt.portals {
		summary, err := p.orchestrator.ProcessQueue(ctx)
		if err != nil {
			return err
		}
		slog.Info("queue processed",
			slog.String("source", p.client.Source()),
			slog.Int("processed", summary.Processed),
			slog.Int("succeeded", summary.Succeeded),
			slog.Int("skipped", summary.Skipped),
			slog.Int("failed", summary.Failed),
		)
	}
	return nil
}

// fetch は引数で指定された請求1件を登録・取得する。
// 引数は請求ページの完全なURL、またはポータルが1つだけ設定されている
// 場合は請求IDそのものを受け付ける。
func (rt *runtime) fetch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: fetch <request url or id>")
	}
	target := args[0]

	p, externalID, err := rt.resolveTarget(target)
	if err != nil {
		return err
	}

	if err := p.client.SignIn(ctx); err != nil {
		return err
	}
	if _, err := p.engine.FetchSingle(ctx, externalID); err != nil {
		return err
	}
	slog.Info("request enqueued",
		slog.String("source", p.client.Source()),
		slog.String("external_id", externalID),
	)

	summary, err := p.orchestrator.ProcessQueue(ctx)
	if err != nil {
		return err
	}
	slog.Info("queue processed",
		slog.Int("processed", summary.Processed),
		slog.Int("failed", summary.Failed),
	)
	return nil
}

// resolveTarget は取得対象の指定をポータルと請求IDに解決する。
func (rt *runtime) resolveTarget(target string) (*portalRuntime, string, error) {
	for _, p := range rt.portals {
		source := p.client.Source()
		if strings.HasPrefix(target, source) {
			trimmed := strings.Trim(strings.TrimPrefix(target, source), "/")
			segments := strings.Split(trimmed, "/")
			externalID := segments[len(segments)-1]
			if externalID == "" {
				return nil, "", fmt.Errorf("could not extract a request id from %q", target)
			}
			return p, externalID, nil
		}
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		if len(rt.portals) == 1 {
			return rt.portals[0], target, nil
		}
		return nil, "", fmt.Errorf("multiple portals configured; pass the full request url instead of %q", target)
	}
	return nil, "", fmt.Errorf("no configured portal matches %q", target)
}

// redownload は取得済み請求を再投入して取得し直す。
// --before <RFC3339> で最終ダウンロードがその時刻より前の請求に、
// --today で本日0時より前の請求に絞れる。
func (rt *runtime) redownload(ctx context.Context, args []string) error {
	var before *time.Time
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--today":
			now := time.Now()
			midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
			before = &midnight
		case "--before":
			if i+1 >= len(args) {
				return fmt.Errorf("--before requires an RFC3339 timestamp")
			}
			t, err := time.Parse(time.RFC3339, args[i+1])
			if err != nil {
				return fmt.Errorf("invalid --before timestamp: %w", err)
			}
			before = &t
			i++
		default:
			return fmt.Errorf("unknown redownload flag: %s", args[i])
		}
	}

	for _, p := range rt.portals {
		enqueued, err := p.engine.Redownload(ctx, before)
		if err != nil {
			return err
		}
		rt.collector.RecordItemsEnqueued(enqueued)
	}
	return rt.processAll(ctx)
}

// repair はストアとディスクを突き合わせ、膨らんだキューを消化する。
func (rt *runtime) repair(ctx context.Context) error {
	report, err := rt.repairer.Repair(ctx)
	if err != nil {
		return err
	}
	slog.Info("repair finished",
		slog.Int("checked", report.Checked),
		slog.Int("relocated", report.Relocated),
		slog.Int("broken", report.Broken),
		slog.Int("enqueued", report.Enqueued),
	)
	return rt.processAll(ctx)
}

// clearPending はキューを空にする。請求自体は変更しない。
func (rt *runtime) clearPending(ctx context.Context) error {
	n, err := rt.items.ClearAll(ctx)
	if err != nil {
		return err
	}
	slog.Info("work queue cleared", slog.Int64("removed", n))
	return nil
}

// printStats はデータベース統計を整形して出力する。
func (rt *runtime) printStats(ctx context.Context, w io.Writer) error {
	s, err := rt.stats.Stats(ctx)
	if err != nil {
		return err
	}

	pct := func(n int) float64 {
		if s.TotalRequestCount == 0 {
			return 0
		}
		return float64(n) / float64(s.TotalRequestCount) * 100
	}

	fmt.Fprintf(w, "Total requests:      %d\n", s.TotalRequestCount)
	fmt.Fprintf(w, "  Pending:           %d (%.1f%%)\n", s.PendingRequestCount, pct(s.PendingRequestCount))
	fmt.Fprintf(w, "  Closed:            %d (%.1f%%)\n", s.ClosedRequestCount, pct(s.ClosedRequestCount))
	fmt.Fprintf(w, "  Downloaded:        %d (%.1f%%)\n", s.DownloadedRequestCount, pct(s.DownloadedRequestCount))
	fmt.Fprintf(w, "  Error:             %d (%.1f%%)\n", s.ErrorRequestCount, pct(s.ErrorRequestCount))
	fmt.Fprintf(w, "Documents downloaded: %d\n", s.DocumentCount)
	if !s.LastScrape.IsZero() {
		fmt.Fprintf(w, "Last scrape:         %s\n", s.LastScrape.Format(time.RFC3339))
	} else {
		fmt.Fprintf(w, "Last scrape:         never\n")
	}
	return nil
}

// serve は運用HTTPサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func (rt *runtime) serve() error {
	router := handler.NewRouter(&handler.RouterDeps{
		DB:       rt.db,
		Stats:    rt.stats,
		Gatherer: rt.registry,
		Logger:   slog.Default(),
	})

	server := &http.Server{
		Addr:         ":" + rt.cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("ops server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down ops server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("ops server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations")

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
