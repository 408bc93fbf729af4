// Command cadence-admin is the operator CLI for a cadence gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/bobmcallan/cadence/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
