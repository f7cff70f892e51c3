package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"memdiag/internal/config"
	"memdiag/internal/server"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		printUsage()
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create diagnostics service: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Diagnostics service failed: %v", err)
	}
}

func printUsage() {
	fmt.Printf(`Memory Diagnostics Service

Usage:
  %s [options]

Options:
  -config string
        Path to configuration file (default "config.yaml")
  -h, --help
        Show this help message

Environment Variables:
  Configuration can be overridden using environment variables with MEMDIAG_ prefix.
  For example MEMDIAG_API_PORT=9085 or MEMDIAG_LOG_LEVEL=debug.

Examples:
  # Start with default config
  %s

  # Start with custom config file
  %s -config /path/to/config.yaml

  # Start with environment override
  MEMDIAG_API_PORT=9085 %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}
