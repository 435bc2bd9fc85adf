package model

import "time"

// DownloadRecord はファイル取得が完了した証跡を表す。
// チェックサムは書き込み完了時点のファイル全体から一度だけ計算され、
// 以後変更されない。外部要因でファイルが移動・改名された場合、
// 修復処理はこのチェックサムを手がかりに現在のパスを再発見する。
// 同一文書を再取得した場合は上書きせず新しいレコードを追加する。
type DownloadRecord struct {
	ID           string
	RequestID    string // 所属請求の内部ID。請求に紐付かない孤児文書では空
	DocumentID   string // 単一文書の場合のみ。一括(zip)取得では空
	DownloadedAt time.Time
	IsBulk       bool
	DownloadPath string
	Checksum     string // ファイル内容のSHA-256（16進表記）
	// DocumentCount はこのレコードが表す文書数。単一文書は1、一括取得は
	// 取得時点で請求に記録されていた文書総数。
	DocumentCount int
}

// ScrapeCheckpoint はポータルごとの最終探索成功時刻を表す。
// sourceにつき1行のみ存在し、upsertで更新する。
type ScrapeCheckpoint struct {
	Source       string
	LastScrapeAt time.Time
}
