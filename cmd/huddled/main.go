// Package main starts the huddle coordinator and handles termination.
//
// The process hosts the persistent WebSocket surface, its REST companion, and
// the sqlite-backed state behind both.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	huddledcmd "github.com/huddle-chat/huddle/internal/cmd/huddled"
)

func main() {
	cfg, err := huddledcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[HUDDLED] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := huddledcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
