package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/opticom/chat/pkg/logging"
	"github.com/opticom/chat/pkg/protocol"
	"github.com/opticom/chat/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Command line flags
	configPath := flag.String("config", "~/.opticom/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	httpPort := flag.Int("http-port", -1, "HTTP port for WebSocket and metrics, 0 disables (overrides config)")
	historyDir := flag.String("history-dir", "", "Directory for room history files (overrides config)")
	backend := flag.String("backend", "", "History backend: file or sqlite (overrides config)")
	xorKey := flag.String("xor-key", "", "XOR obfuscation key for TCP and SSH (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [port]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Printf("Opticom Chat Server %s\n", Version)
		return 0
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if *debug {
		config.Logging.Level = "debug"
	}
	logger := logging.New(logging.Config{
		Level:  config.Logging.Level,
		Format: config.Logging.Format,
	})

	// Command-line flags override config file
	if flag.NArg() > 0 {
		p, err := strconv.Atoi(flag.Arg(0))
		if err != nil || p <= 0 || p > 65535 {
			logger.Warn().Str("port", flag.Arg(0)).Msg("Invalid port number, using default port 8080")
			p = 8080
		}
		config.Server.TCPPort = p
	}
	if *port != 0 {
		config.Server.TCPPort = *port
	}
	if *httpPort >= 0 {
		config.Server.HTTPPort = *httpPort
	}
	if *historyDir != "" {
		config.History.Dir = *historyDir
	}
	if *backend != "" {
		config.History.Backend = *backend
	}
	if *xorKey != "" {
		config.Server.XORKey = *xorKey
	}
	if err := config.Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	serverConfig, err := config.ToServerConfig()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to resolve configuration")
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := server.NewServer(serverConfig, logger, registry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create server")
		return 1
	}

	if err := srv.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start server")
		return 1
	}

	logger.Info().
		Str("version", Version).
		Str("addr", srv.Addr().String()).
		Str("history_backend", serverConfig.HistoryBackend).
		Bool("xor", len(serverConfig.XORKey) > 0).
		Msg("Opticom chat server started")
	if serverConfig.HTTPPort > 0 {
		logger.Info().Msgf("WebSocket: ws://<host>:%d/ws, metrics: http://<host>:%d/metrics", serverConfig.HTTPPort, serverConfig.HTTPPort)
	}

	consoleDone := make(chan struct{})
	go runConsole(srv, os.Stdin, os.Stdout, logger, consoleDone)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down server")
	case <-consoleDone:
		logger.Info().Msg("Shutdown requested from console")
	}

	if err := srv.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
	logger.Info().Msg("Server stopped")
	return 0
}

// runConsole reads admin commands line by line until shutdown is requested.
// EOF on the input leaves the server running.
func runConsole(srv *server.Server, in io.Reader, out io.Writer, logger zerolog.Logger, done chan<- struct{}) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		cmd, err := protocol.ParseAdminCommand(line)
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}

		result, err := srv.ExecAdmin(cmd)
		if errors.Is(err, server.ErrShutdownRequested) {
			close(done)
			return
		}
		if err != nil {
			fmt.Fprintln(out, "Error:", err)
			continue
		}
		fmt.Fprintln(out, result)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn().Err(err).Msg("Admin console stopped")
	}
}
