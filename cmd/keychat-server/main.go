package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/keychat-io/keychat/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.keychat/config.toml", "Path to config file")
	tcpPort := flag.Int("port", 0, "TCP port (overrides config)")
	dbPath := flag.String("db", "", "Path to user database (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	config := tomlConfig.ServerConfig()
	if *tcpPort != 0 {
		config.TCPPort = *tcpPort
	}

	database := tomlConfig.Server.DatabasePath
	if *dbPath != "" {
		database = *dbPath
	}

	srv, err := server.NewServer(database, config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %v, shutting down...", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}
