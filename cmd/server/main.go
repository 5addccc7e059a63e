package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/agent-lens/backend/internal/config"
	"github.com/agent-lens/backend/internal/guards"
	"github.com/agent-lens/backend/internal/hooks"
	"github.com/agent-lens/backend/internal/parse"
	"github.com/agent-lens/backend/internal/procmon"
	"github.com/agent-lens/backend/internal/registry"
	"github.com/agent-lens/backend/internal/sweeper"
	"github.com/agent-lens/backend/internal/watcher"
	"github.com/agent-lens/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	g := guards.New(cfg.Timing.RemovalGuardTTL)
	reg := registry.New(g, cfg.Timing.BroadcastDebounce)
	prober := parse.NewGitStatusProber(parse.CommandExec, cfg.Timing.GitStatusTTL)

	w := watcher.New(cfg, reg, g, parse.CommandExec, prober)
	dispatcher := hooks.New(cfg, reg, g, parse.CommandExec, prober)
	sw := sweeper.New(cfg, reg, g, w)
	pm := procmon.New(cfg, reg)
	hub := ws.NewHub(reg)
	server := ws.NewServer(cfg, reg, hub, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	go hub.Run(ctx)
	go sw.Run(ctx)
	go pm.Run(ctx)
	go func() {
		if err := w.Run(ctx); err != nil {
			log.Fatalf("Watcher error: %v", err)
		}
	}()

	if err := server.Serve(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
