package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"bench-history/internal/config"
	"bench-history/internal/server"
)

// version is set at build time with -ldflags "-X main.version=v1.2.3"
var version = "dev"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to YAML configuration file")
	flag.Usage = printUsage
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	srv, err := server.NewServer(context.Background(), cfg, version)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `bench-history server

Serves the benchmark history over REST and gRPC.

Usage:
  %s [options]

Options:
  -config string
        Path to YAML configuration file (defaults apply when omitted)
  -h, --help
        Show this help message

Environment Variables:
  Any setting can be overridden with a BH_ variable, for example
  BH_SERVER_PORT, BH_STORAGE_ENGINE, BH_STORAGE_DATA_PATH,
  BH_DETECTION_WINDOW_SIZE or BH_SECURITY_AUTH_TOKEN.

Examples:
  # Start with defaults (badger in ./data/history, REST on :8080, gRPC on :9090)
  %s

  # Serve a data.js file instead of badger
  BH_STORAGE_ENGINE=file BH_STORAGE_FILE_PATH=gh-pages/dev/bench/data.js %s

  # Start with a config file
  %s -config /etc/bench-history/config.yaml
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}
