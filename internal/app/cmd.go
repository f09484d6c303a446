package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はローカルHTTP面を起動し、セッション維持と通知ポーリングを行う。
	CommandServe Command = "serve"
	// CommandLogin はメールアドレスとパスワードでログインし、認証レコードを保存する。
	CommandLogin Command = "login"
	// CommandLogout は保存済みの認証レコードを破棄する。
	CommandLogout Command = "logout"
	// CommandStatus は保存済みセッションの状態を表示する。
	CommandStatus Command = "status"
	// CommandMigrate は認証レコード用テーブルのマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "login":
		return CommandLogin
	case "logout":
		return CommandLogout
	case "status":
		return CommandStatus
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// commandArgs はサブコマンド名を除いた引数を返す。
func commandArgs(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	return args[1:]
}
