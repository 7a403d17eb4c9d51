// File: cmd/arvyn/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/arvyn-ai/arvyn/cmd"
	"github.com/arvyn-ai/arvyn/internal/observability"
)

const panicLogFile = "panic.log"

func main() {
	defer func() {
		if r := recover(); r != nil {
			// Persist the stack before dying; the terminal may be gone.
			report := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
			_ = os.WriteFile(panicLogFile, []byte(report), 0o600)
			fmt.Fprintln(os.Stderr, report)
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.Execute(ctx)
	observability.Sync()
}
