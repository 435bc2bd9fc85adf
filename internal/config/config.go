// Package config は環境変数からのアプリケーション設定読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Download
	DownloadDir          string
	DownloadTimeout      time.Duration // 1アイテムの待機上限（一括ジョブ全体を含む）
	DownloadNiceInterval time.Duration // アイテム間に挟む固定スロットル
	JobPollInterval      time.Duration // 一括ジョブのポーリング間隔

	// Portal
	PortalURLs          []string // 巡回対象ポータルのベースURL
	PortalUser          string
	PortalPassword      string
	SearchTerms         []string
	DocumentSearchTerms []string
	IgnoreIDs           []string

	// Server (ops用)
	ServerPort string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.DownloadDir = os.Getenv("DOWNLOAD_DIR")
	if cfg.DownloadDir == "" {
		missing = append(missing, "DOWNLOAD_DIR")
	}

	cfg.PortalURLs = getEnvList("PORTAL_URLS")
	if len(cfg.PortalURLs) == 0 {
		missing = append(missing, "PORTAL_URLS")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DownloadTimeout = getEnvDuration("DOWNLOAD_TIMEOUT", 20*time.Minute)
	cfg.DownloadNiceInterval = getEnvDuration("DOWNLOAD_NICE_INTERVAL", 2*time.Second)
	cfg.JobPollInterval = getEnvDuration("JOB_POLL_INTERVAL", 2*time.Second)
	cfg.PortalUser = os.Getenv("PORTAL_USER")
	cfg.PortalPassword = os.Getenv("PORTAL_PASSWORD")
	cfg.SearchTerms = getEnvList("SEARCH_TERMS")
	cfg.DocumentSearchTerms = getEnvList("DOCUMENT_SEARCH_TERMS")
	cfg.IgnoreIDs = getEnvList("IGNORE_IDS")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	for _, u := range cfg.PortalURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return nil, fmt.Errorf("PORTAL_URLS contains an invalid URL: %s", u)
		}
	}

	return cfg, nil
}

// IsIgnored は指定の請求IDが無視リストに含まれるかを返す。
func (c *Config) IsIgnored(externalID string) bool {
	for _, id := range c.IgnoreIDs {
		if id == externalID {
			return true
		}
	}
	return false
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvList はカンマ区切りの環境変数を要素ごとにトリムして返す。
// 空要素は除外する。
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
