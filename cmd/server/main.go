package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lyppppppppp/relaychat/pkg/database"
	"github.com/lyppppppppp/relaychat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	configPath := flag.String("config", "~/.relaychat/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("relaychat server %s\n", Version)
		os.Exit(0)
	}

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Command-line flags override config file.
	if *port != 0 {
		config.Server.TCPPort = *port
	}
	if *dbPath != "" {
		config.Server.DatabasePath = *dbPath
	}

	finalDBPath, err := config.GetDatabasePath()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve database path")
	}
	if err := os.MkdirAll(filepath.Dir(finalDBPath), 0755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create database directory")
	}

	db, err := database.Open(finalDBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}

	serverConfig := config.ToServerConfig()
	srv := server.NewServer(db, serverConfig, logger)

	if err := srv.Start(); err != nil {
		db.Close()
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	logger.Info().
		Str("version", Version).
		Str("database", finalDBPath).
		Str("tcp", srv.Addr()).
		Str("http", srv.HTTPAddr()).
		Msg("server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")
	if err := srv.Stop(); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
	logger.Info().Msg("server stopped")
}
