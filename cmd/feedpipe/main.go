// feedpipe はRSS/Atomフィード集約パイプラインのエントリーポイント。
// サブコマンド: serve（APIサーバー）、worker（取得パイプライン）、
// migrate（DBマイグレーション）、healthcheck（Docker用）。
package main

import (
	"fmt"
	"os"

	"github.com/akiyama/feedpipe/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "feedpipe: %v\n", err)
		os.Exit(1)
	}
}
