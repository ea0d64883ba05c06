// ./main.go
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/droidprobe/cmd"
)

func main() {
	// SIGINT/SIGTERM cancel the context; sessions honor it between steps,
	// so a started device action always completes before teardown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd.Execute(ctx)
}
