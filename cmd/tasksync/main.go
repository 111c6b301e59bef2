// Command tasksync はタスク同期とIoTデバイス制御のローカルデーモン。
//
//	tasksync [serve]          ローカルAPIとバックグラウンド同期を起動する
//	tasksync migrate [up|down] postgresバックエンドのスキーマを移行する
//	tasksync healthcheck      起動中のデーモンの /health を確認する
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/tasksync/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "tasksync: %v\n", err)
		os.Exit(1)
	}
}
