package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"btcpeg.dev/node/bridge"
	"btcpeg.dev/node/node"
	"btcpeg.dev/node/node/api"
	"btcpeg.dev/node/node/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := node.LoadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}
	log, err := node.NewLogger(cfg.LogLevel)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal("store open failed", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	bcfg, err := cfg.BridgeConfig()
	if err != nil {
		log.Fatal("bridge config failed", zap.Error(err))
	}

	var b *bridge.Bridge
	st, ok, err := db.LoadState()
	if err != nil {
		log.Fatal("state load failed", zap.Error(err))
	}
	if ok {
		if b, err = bridge.Restore(bcfg, st); err != nil {
			log.Fatal("state restore failed", zap.Error(err))
		}
		log.Info("bridge restored",
			zap.Int("headers", len(st.Headers)),
			zap.Int("checkpoints", len(st.Checkpoints)))
	} else {
		set, err := cfg.SignatorySet()
		if err != nil {
			log.Fatal("signatory set failed", zap.Error(err))
		}
		if b, err = bridge.New(bcfg, set); err != nil {
			log.Fatal("bridge init failed", zap.Error(err))
		}
		if err := db.SaveState(b.ExportState()); err != nil {
			log.Fatal("initial state save failed", zap.Error(err))
		}
		log.Info("bridge initialized", zap.Int("signatories", set.Len()))
	}

	srv := api.NewServer(log, b, func() error {
		return db.SaveState(b.ExportState())
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("network", cfg.Network))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
	}
	if err := db.SaveState(b.ExportState()); err != nil {
		log.Error("final state save failed", zap.Error(err))
	}
}
