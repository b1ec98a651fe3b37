package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/directory"
	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/internal/store"
)

// Version is injected via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "c", "", "config file path (YAML, optional)")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := server.LoadConfig(cfgPath)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	server.SetConfig(cfg)
	log.Info("relay starting", zap.String("version", Version), zap.String("addr", cfg.Port))

	metrics.Register()

	messages, err := store.Open(cfg.MessageDBPath, log)
	if err != nil {
		log.Fatal("message store init failed", zap.Error(err))
	}
	defer messages.Close()

	accounts, err := directory.Open(cfg.UserDBPath, log)
	if err != nil {
		log.Fatal("account directory init failed", zap.Error(err))
	}
	defer accounts.Close()

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go messages.RunSweeper(sweepCtx, cfg.SweepInterval(), cfg.Retention())

	hub := server.NewHub(log)
	relay := server.NewRelay(hub, accounts, messages, cfg.Retention(), log)

	mux := server.SetupRoutes(hub, relay, log)
	httpServer := server.CreateServer(cfg.Port, mux)

	go func() {
		log.Info("relay listening", zap.String("addr", cfg.Port))
		if err := server.StartServer(httpServer); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("received signal, shutting down", zap.String("signal", sig.String()))

	stopSweeper()
	if err := server.ShutdownServer(httpServer, 10*time.Second, log); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := hub.Shutdown(5 * time.Second); err != nil {
		log.Warn("hub shutdown incomplete", zap.Error(err))
	}
}
