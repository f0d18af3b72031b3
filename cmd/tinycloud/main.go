package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/tinycloudlabs/tinycloud-node/internal/storage/blockstore"
	"github.com/tinycloudlabs/tinycloud-node/internal/storage/sqlite"
	"github.com/tinycloudlabs/tinycloud-node/pkg/did"
	"github.com/tinycloudlabs/tinycloud-node/pkg/dispatch"
	"github.com/tinycloudlabs/tinycloud-node/pkg/eventlog"
	"github.com/tinycloudlabs/tinycloud-node/pkg/hostkey"
	"github.com/tinycloudlabs/tinycloud-node/pkg/kv"
	"github.com/tinycloudlabs/tinycloud-node/pkg/server"
)

func main() {
	basePath := getEnv("TINYCLOUD_DATA_PATH", "./data")

	levelStr := getEnv("LOG_LEVEL", "info")
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	secret := os.Getenv("TINYCLOUD_SECRET")
	if secret == "" {
		logger.Error("TINYCLOUD_SECRET is required (base64url, >= 32 bytes of entropy)")
		os.Exit(1)
	}
	hostKeys, err := hostkey.New(secret)
	if err != nil {
		logger.Error("failed to load static secret", "error", err)
		os.Exit(1)
	}

	blocks, err := openBlockStore(logger)
	if err != nil {
		logger.Error("failed to open block store", "error", err)
		os.Exit(1)
	}
	cachedBlocks := blockstore.WithCache(blocks, 10000)

	stores := sqlite.NewManager(basePath)
	defer stores.CloseAll()

	registry := did.NewRegistry()

	log := eventlog.New(eventlog.Config{
		Stores:   stores,
		Registry: registry,
		Logger:   logger,
	})

	kvService := kv.New(kv.Config{
		Stores: stores,
		Blocks: cachedBlocks,
		Logger: logger,
	})

	quota := int64(0)
	if q := os.Getenv("TINYCLOUD_SPACE_QUOTA_BYTES"); q != "" {
		quota, err = strconv.ParseInt(q, 10, 64)
		if err != nil {
			logger.Error("invalid TINYCLOUD_SPACE_QUOTA_BYTES", "value", q, "error", err)
			os.Exit(1)
		}
	}

	dispatcher := dispatch.New(dispatch.Config{
		Log:        log,
		KV:         kvService,
		Blocks:     cachedBlocks,
		Stores:     stores,
		Logger:     logger,
		QuotaBytes: quota,
	})

	srv, err := server.New(
		server.WithEventLog(log),
		server.WithDispatcher(dispatcher),
		server.WithHostKeys(hostKeys),
		server.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	port := getEnv("PORT", "8080")
	addr := ":" + port

	fmt.Println("TinyCloud Node Startup")
	fmt.Println("===================================")
	fmt.Printf("Protocol: %d (version %s)\n", server.Protocol, server.Version)
	fmt.Printf("Data Path: %s\n", basePath)
	fmt.Printf("Block Store: %s\n", getEnv("TINYCLOUD_BLOCK_STORE", "fs"))
	if quota > 0 {
		fmt.Printf("Space Quota: %d bytes\n", quota)
	}
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Printf("  GET  http://localhost:%s/version\n", port)
	fmt.Printf("  GET  http://localhost:%s/healthz\n", port)
	fmt.Printf("  GET  http://localhost:%s/peer/generate/{space}\n", port)
	fmt.Printf("  POST http://localhost:%s/delegate\n", port)
	fmt.Printf("  POST http://localhost:%s/invoke\n", port)

	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// openBlockStore selects the backend from TINYCLOUD_BLOCK_STORE: "fs"
// (default) or "s3".
func openBlockStore(logger *slog.Logger) (blockstore.Store, error) {
	switch backend := getEnv("TINYCLOUD_BLOCK_STORE", "fs"); backend {
	case "fs":
		return blockstore.OpenFlatFS(getEnv("TINYCLOUD_BLOCK_PATH", "./data/blocks"), logger)
	case "s3":
		return blockstore.OpenS3(context.Background(), blockstore.S3Config{
			Bucket:    os.Getenv("TINYCLOUD_S3_BUCKET"),
			KeyPrefix: os.Getenv("TINYCLOUD_S3_PREFIX"),
			Endpoint:  os.Getenv("TINYCLOUD_S3_ENDPOINT"),
			Region:    os.Getenv("TINYCLOUD_S3_REGION"),
		}, logger)
	default:
		return nil, fmt.Errorf("unknown block store backend %q", backend)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
