package model

import "time"

// DatabaseStats はデータベース全体の集計値を表す。
// 請求は排他的に1つの区分に数える: DownloadRecordを1件以上持つ請求は
// Downloadedに、それ以外は現在の状態に応じてPending/Closed/Errorに入る。
// この区分規則により Total == Pending + Closed + Downloaded + Error が
// 到達可能な任意のデータベース状態で成立する。
type DatabaseStats struct {
	TotalRequestCount      int
	PendingRequestCount    int
	ClosedRequestCount     int
	DownloadedRequestCount int
	ErrorRequestCount      int
	DocumentCount          int // DownloadRecordが表す文書数の合計
	LastScrape             time.Time
}
