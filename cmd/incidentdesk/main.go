// Command incidentdesk は認証APIサーバー、クリーンアップワーカー、マイグレーションを
// サブコマンドで切り替えて起動する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/incidentdesk/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "incidentdesk: %v\n", err)
		os.Exit(1)
	}
}
