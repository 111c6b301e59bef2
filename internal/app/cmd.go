package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はローカルAPIとバックグラウンド同期を起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はpostgresバックエンドのスキーマを移行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のデーモンの /health を確認することを示す。
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
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// MigrateDirection はmigrateサブコマンドの方向（up|down）を返す。省略時はup。
func MigrateDirection(args []string) string {
	if len(args) < 2 {
		return "up"
	}
	return args[1]
}
