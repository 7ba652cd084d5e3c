package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nitinics/openr/internal/config"
	"github.com/nitinics/openr/internal/configstore"
	"github.com/nitinics/openr/internal/identity"
	"github.com/nitinics/openr/internal/logging"
	"github.com/nitinics/openr/internal/server"
	"github.com/nitinics/openr/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	listenAddr := flag.String("listen", "", "listen address (overrides config)")
	storeFile := flag.String("store-file", "", "database image path (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	flag.Parse()

	// Load config (TOML file with defaults)
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// CLI flags override config file values
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *listenAddr != "" {
		cfg.Listen.Addr = *listenAddr
	}
	if *storeFile != "" {
		cfg.Store.File = *storeFile
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	cfg.Node.DataDir = config.ExpandHome(cfg.Node.DataDir)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logging.Init(cfg.Logging.Level, cfg.Logging.Format)

	if err := os.MkdirAll(cfg.Node.DataDir, 0700); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}

	// Identity is only needed for the Noise handshake
	var id *identity.Identity
	if cfg.Listen.Encryption {
		id, err = identity.Load(cfg.Node.DataDir)
		if err != nil {
			log.Fatalf("identity: %v", err)
		}
		log.Printf("Node ID: %s", id.NodeID)
	}

	// Open the persistence backend
	storePath := cfg.StoreFile()
	var backend storage.Backend
	switch cfg.Store.Backend {
	case "bolt":
		backend, err = storage.NewBoltBackend(storePath)
		if err != nil {
			log.Fatalf("store: %v", err)
		}
	default:
		backend = storage.NewFileBackend(storePath)
	}
	defer backend.Close()

	svc := configstore.New(backend,
		cfg.Store.SaveInitialBackoff.Duration,
		cfg.Store.SaveMaxBackoff.Duration)
	log.Printf("Store loaded: %d keys from %s (%s backend)",
		svc.Len(), storePath, cfg.Store.Backend)

	srv, err := server.New(cfg.Listen, svc, id)
	if err != nil {
		log.Fatalf("server: %v", err)
	}
	if err := srv.Listen(); err != nil {
		log.Fatalf("server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svc.Run()
	go func() {
		if err := srv.Serve(ctx); err != nil {
			log.Printf("server: %v", err)
		}
	}()

	log.Printf("Listening on %s (encryption: %v)", srv.Addr(), cfg.Listen.Encryption)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	srv.Stop()
	svc.Stop() // final flush
}
