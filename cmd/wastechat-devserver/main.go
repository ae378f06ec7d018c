package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matheus3301/wastechat/internal/devserver"
	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8787", "listen address")
	dropAfter := flag.Int("drop-after", 0, "cut the first stream of every job after N tokens (0 = never)")
	tokenDelay := flag.Duration("token-delay", 0, "delay between streamed tokens")
	token := flag.String("token", "", "bearer token required on /api (empty = none)")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	srv := devserver.New(devserver.Options{
		DropAfter:  *dropAfter,
		TokenDelay: *tokenDelay,
		Token:      *token,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx, *addr); err != nil {
		logger.Error("devserver stopped", zap.Error(err))
		os.Exit(1)
	}
}
