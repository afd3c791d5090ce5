package main

import (
	"context"
	"os"

	"chord/cmd/internal/app"
	"chord/cmd/internal/cli"
)

func main() {
	ctx, cancel := app.SignalContext(context.Background())
	err := cli.Execute(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}
