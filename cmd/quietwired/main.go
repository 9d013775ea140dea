// quietwired runs a messaging node: local SQLite state, a libp2p
// gossipsub transport, and an HTTP control API on loopback.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/quietwire/quietwire/pkg/api"
	"github.com/quietwire/quietwire/pkg/crypto"
	"github.com/quietwire/quietwire/pkg/engine"
	"github.com/quietwire/quietwire/pkg/storage"
	"github.com/quietwire/quietwire/pkg/transport"
)

var (
	dbPath         = flag.String("db", "./data/quietwire.db", "Path to the local database")
	listenAddr     = flag.String("listen", "/ip4/0.0.0.0/tcp/0", "Multiaddr to listen on (comma separated)")
	bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peer multiaddrs (comma separated)")
	apiPort        = flag.Int("api-port", 8484, "HTTP API port on loopback")
	createIdentity = flag.Bool("create-identity", false, "Create an identity at startup if none exists")
	allowExport    = flag.Bool("allow-export", false, "Allow private key export through the engine")
	retryInterval  = flag.Duration("retry-interval", 5*time.Second, "Outbox retry sweep interval")
	logLevel       = flag.String("log-level", "info", "Log level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	passphrase := os.Getenv("QUIETWIRE_PASSPHRASE")
	if passphrase == "" {
		log.Fatal("QUIETWIRE_PASSPHRASE must be set; it encrypts keys and content at rest")
	}

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o700); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	store, err := storage.Open(*dbPath, storage.Options{
		StoreKey: crypto.DeriveStoreKey(passphrase),
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr, err := transport.NewPubSubTransport(ctx, transport.PubSubConfig{
		ListenAddrs:    splitList(*listenAddr),
		BootstrapPeers: splitList(*bootstrapPeers),
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("Failed to start transport: %v", err)
	}
	defer tr.Close()
	logger.Info("transport up", "addrs", strings.Join(tr.Addrs(), ", "))

	eng, err := engine.New(engine.Config{
		Store:         store,
		Transport:     tr,
		AllowExport:   *allowExport,
		RetryInterval: *retryInterval,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer eng.Close()

	if *createIdentity && len(eng.Identities()) == 0 {
		addr, err := eng.CreateIdentity()
		if err != nil {
			log.Fatalf("Failed to create identity: %v", err)
		}
		logger.Info("created identity", "address", addr.String())
	}
	for _, addr := range eng.Identities() {
		logger.Info("identity online", "address", addr.String())
	}

	// Surface inbound messages in the log until a real consumer drains
	// the Receive channel over the API.
	go func() {
		for msg := range eng.Receive() {
			logger.Info("message received",
				"identity", msg.Identity.String(),
				"peer", msg.Peer.String(),
				"epoch", msg.Epoch,
				"counter", msg.Counter,
				"bytes", len(msg.Plaintext))
		}
	}()

	apiCfg := api.DefaultConfig()
	apiCfg.Port = *apiPort
	apiCfg.Logger = logger
	server := api.NewServer(eng, apiCfg)

	if err := server.Start(ctx); err != nil {
		log.Fatalf("API server failed: %v", err)
	}
	logger.Info("shutdown complete")
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
