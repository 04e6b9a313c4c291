package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pipectl/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := cli.Execute(ctx)
	if err != nil && !cli.Silent(err) {
		fmt.Fprintln(os.Stderr, "pipectl:", err)
	}
	cancel()
	os.Exit(cli.ExitCode(err))
}
