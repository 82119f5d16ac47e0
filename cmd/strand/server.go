package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/halverson/strand/internal/api"
	"github.com/halverson/strand/internal/config"
	"github.com/halverson/strand/internal/engine"
	"github.com/halverson/strand/internal/health"
	"github.com/halverson/strand/internal/ingest"
	"github.com/halverson/strand/internal/retrieval"
	"github.com/halverson/strand/internal/storage"
	"github.com/halverson/strand/internal/thread"
	"github.com/halverson/strand/internal/vector"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the strand server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running strand server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show strand system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "strand.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// openIndex picks the configured vector backend.
func openIndex(cfg config.Config) (vector.Index, error) {
	switch cfg.Vector.Backend {
	case "qdrant":
		return vector.NewQdrant(cfg.Vector.QdrantURL, cfg.Vector.QdrantAPIKey), nil
	case "", "sqlite":
		return vector.OpenSQLite(cfg.Storage.DataDir)
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Vector.Backend)
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "strand version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.GetAPIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Write PID file. Check if the server is already running via the health
	// endpoint first.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("strand is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("strand is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check embedding engine readiness.
	eng, err := engine.New(engine.Config{
		Backend: cfg.Engine.Backend,
		BaseURL: cfg.Engine.BaseURL,
		APIKey:  cfg.Engine.APIKey,
	})
	if err != nil {
		return fmt.Errorf("creating embedding engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, cfg.Engine.EmbedModel, os.Stderr); err != nil {
		return err
	}

	// Open the relational store and the vector index as separate stores.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	index, err := openIndex(cfg)
	if err != nil {
		return fmt.Errorf("opening vector index: %w", err)
	}
	defer index.Close()

	for _, collection := range []string{vector.CollectionChunks, vector.CollectionContext} {
		if err := index.EnsureCollection(ctx, collection, cfg.Engine.EmbedDim); err != nil {
			return fmt.Errorf("ensuring collection %s: %w", collection, err)
		}
	}

	// Wire the retrieval core.
	embedder := retrieval.NewEmbedder(eng, cfg.Engine.EmbedModel)
	writer := retrieval.NewWriter(store, index, embedder)
	retriever := retrieval.NewRetriever(embedder, index, store, store)
	threads := thread.NewManager(store, writer, retriever)
	monitor := health.NewMonitor(store, index, retriever)
	recoverer := health.NewRecoverer(store, index, embedder)

	// Periodic drift checks.
	if cfg.Monitor.Enabled {
		scheduler, err := health.NewScheduler(monitor, cfg.Monitor.Schedule)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
		slog.Info("health check scheduled", "schedule", cfg.Monitor.Schedule)
	}

	// Build HTTP handler and server.
	appHandler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Threads:   threads,
		Retriever: retriever,
		Monitor:   monitor,
		Recovery:  recoverer,
		Token:     apiToken,
	})

	topRouter := chi.NewRouter()
	topRouter.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	topRouter.Mount("/", appHandler)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
	}

	// Start ingest worker.
	worker := ingest.NewWorker(store, writer, threads, 500*time.Millisecond)
	go worker.Run(ctx)

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Threads:   threads,
		Retriever: retriever,
		Monitor:   monitor,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "strand listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("strand is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop strand (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to strand (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	engineResp, err := client.Get(cfg.Engine.BaseURL + "/api/version")
	if err != nil {
		printStatus("Engine", "not reachable (%s)", cfg.Engine.Backend)
	} else {
		engineResp.Body.Close()
		printStatus("Engine", "%s at %s", cfg.Engine.Backend, cfg.Engine.BaseURL)
	}

	printStatus("Embed model", "%s", cfg.Engine.EmbedModel)
	printStatus("Vector backend", "%s", cfg.Vector.Backend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
