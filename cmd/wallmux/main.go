package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/wallmux/internal/cli"
	"github.com/g960059/wallmux/internal/config"
)

func main() {
	cfg := config.DefaultConfig()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	r := cli.NewRunner(cfg.SocketPath, os.Stdout, os.Stderr)
	code := r.Run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
