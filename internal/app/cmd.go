package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandRun は探索とキュー消化を続けて実行することを示す（デフォルト）。
	CommandRun Command = "run"
	// CommandDiscover は探索のみを実行することを示す。
	CommandDiscover Command = "discover"
	// CommandProcess はキュー消化のみを実行することを示す。
	CommandProcess Command = "process"
	// CommandFetch は指定した請求1件の取得を実行することを示す。
	CommandFetch Command = "fetch"
	// CommandRedownload は取得済み請求の再投入と再取得を実行することを示す。
	CommandRedownload Command = "redownload"
	// CommandRepair はストアとディスクの突き合わせ修復を実行することを示す。
	CommandRepair Command = "repair"
	// CommandClearPending はキューを空にすることを示す。請求自体は変更しない。
	CommandClearPending Command = "clear-pending"
	// CommandStats はデータベース統計の表示を示す。
	CommandStats Command = "stats"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandServe は運用HTTPサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドと残りの引数を解析する。
// 引数が空またはサポート外のコマンドの場合はCommandRunを返す。
func ParseCommand(args []string) (Command, []string) {
	if len(args) == 0 {
		return CommandRun, nil
	}

	switch args[0] {
	case "run":
		return CommandRun, args[1:]
	case "discover":
		return CommandDiscover, args[1:]
	case "process":
		return CommandProcess, args[1:]
	case "fetch":
		return CommandFetch, args[1:]
	case "redownload":
		return CommandRedownload, args[1:]
	case "repair":
		return CommandRepair, args[1:]
	case "clear-pending":
		return CommandClearPending, args[1:]
	case "stats":
		return CommandStats, args[1:]
	case "migrate":
		return CommandMigrate, args[1:]
	case "serve":
		return CommandServe, args[1:]
	case "healthcheck":
		return CommandHealthcheck, args[1:]
	default:
		return CommandRun, args
	}
}
