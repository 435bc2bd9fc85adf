// Package handler は運用HTTPエンドポイントのルーティングを提供する。
// 公開するのは死活監視・統計・メトリクスのみで、業務操作はCLIから行う。
package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/kaiji/internal/metrics"
	"github.com/hitoshi/kaiji/internal/middleware"
	"github.com/hitoshi/kaiji/internal/repository"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	DB       *sql.DB
	Stats    repository.StatsRepository
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter は運用エンドポイントのルーティングとミドルウェアチェーンを
// 構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序: Recovery → Logging
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	r.Get("/healthz", healthzHandler(deps.DB))
	r.Get("/stats", statsHandler(deps.Stats, deps.Logger))
	r.Handle("/metrics", metrics.Handler(deps.Gatherer))

	return r
}

// healthzHandler はデータベース疎通を確認する死活監視ハンドラーを返す。
func healthzHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

// statsResponse は/statsのJSON表現。
type statsResponse struct {
	TotalRequestCount      int        `json:"total_request_count"`
	PendingRequestCount    int        `json:"pending_request_count"`
	ClosedRequestCount     int        `json:"closed_request_count"`
	DownloadedRequestCount int        `json:"downloaded_request_count"`
	ErrorRequestCount      int        `json:"error_request_count"`
	DocumentCount          int        `json:"document_count"`
	LastScrape             *time.Time `json:"last_scrape,omitempty"`
}

// statsHandler はデータベース統計をJSONで返すハンドラーを返す。
func statsHandler(stats repository.StatsRepository, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := stats.Stats(r.Context())
		if err != nil {
			logger.Error("統計の取得に失敗しました",
				slog.String("error", err.Error()),
			)
			http.Error(w, "failed to collect stats", http.StatusInternalServerError)
			return
		}

		resp := statsResponse{
			TotalRequestCount:      s.TotalRequestCount,
			PendingRequestCount:    s.PendingRequestCount,
			ClosedRequestCount:     s.ClosedRequestCount,
			DownloadedRequestCount: s.DownloadedRequestCount,
			ErrorRequestCount:      s.ErrorRequestCount,
			DocumentCount:          s.DocumentCount,
		}
		if !s.LastScrape.IsZero() {
			resp.LastScrape = &s.LastScrape
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Error("統計レスポンスの書き込みに失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}
}
