package main

import (
	"context"
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

	"github.com/spf13/cobra"

	"github.com/platewise/platewise/internal/api"
	"github.com/platewise/platewise/internal/config"
	"github.com/platewise/platewise/internal/genai"
	"github.com/platewise/platewise/internal/localai"
	"github.com/platewise/platewise/internal/pipeline"
	"github.com/platewise/platewise/internal/search"
	"github.com/platewise/platewise/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the platewise server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running platewise server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show platewise system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "platewise.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "platewise version %s\n", version)

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

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("platewise is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("platewise is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the analysis pipeline.
	searchClient := search.New(search.Config{
		APIKey:        cfg.Search.APIKey,
		MinInterval:   cfg.Search.MinInterval,
		MaxRetries:    cfg.Search.MaxRetries,
		BackoffFactor: cfg.Search.BackoffFactor,
		CacheSize:     cfg.Search.CacheSize,
	})
	if cfg.Search.APIKey == "" {
		printWarning("search API key not configured; enrichment will degrade per item")
	}

	generator := genai.New(
		genai.NewGeminiProvider(cfg.Generation.APIKey, cfg.Generation.BaseURL),
		cfg.Generation.Models,
	)

	localClient := localai.New(localai.Config{
		ModelsDir:  cfg.Local.ModelsDir,
		HubBaseURL: cfg.Local.HubBaseURL,
		Light:      localai.WeightSpec{Repo: cfg.Local.LightRepo, Filename: cfg.Local.LightFile},
		Heavy:      localai.WeightSpec{Repo: cfg.Local.HeavyRepo, Filename: cfg.Local.HeavyFile},
	}, localai.NewLlamaServerRunner(cfg.Local.RunnerBin))
	defer localClient.Close()

	// Warm the light-tier weights in the background so the first failover
	// doesn't pay the download.
	go func() {
		if localClient.EnsureAvailable(ctx, localai.TierLight, true) {
			slog.Info("local failsafe ready", "tier", localai.TierLight)
		}
	}()

	analyzer := pipeline.NewAnalyzer(generator, searchClient, localClient, cfg.Pipeline.Timeout)

	handler := api.NewHandler(api.Deps{
		Analyzer: analyzer,
		Store:    store,
		Models:   generator.Models(),
		Token:    cfg.Server.AuthToken,
	})
	if cfg.Server.AuthToken == "" {
		printWarning("no auth token configured; report management endpoints are disabled")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "platewise listening on %s\n", addr)
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
		printError("platewise is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop platewise (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to platewise (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
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

	printStatus("Generation models", "%s", strings.Join(cfg.Generation.Models, ", "))
	if cfg.Search.APIKey == "" {
		printStatus("Search", "no API key configured")
	} else {
		printStatus("Search", "configured (interval %s, retries %d)", cfg.Search.MinInterval, cfg.Search.MaxRetries)
	}

	// Local weight presence.
	weights := localai.NewWeights(cfg.Local.ModelsDir, cfg.Local.HubBaseURL)
	lightSpec := localai.WeightSpec{Repo: cfg.Local.LightRepo, Filename: cfg.Local.LightFile}
	heavySpec := localai.WeightSpec{Repo: cfg.Local.HeavyRepo, Filename: cfg.Local.HeavyFile}
	printStatus("Light model", "%s (%s)", cfg.Local.LightFile, presenceLabel(weights.Present(lightSpec)))
	printStatus("Heavy model", "%s (%s)", cfg.Local.HeavyFile, presenceLabel(weights.Present(heavySpec)))

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func presenceLabel(present bool) string {
	if present {
		return "downloaded"
	}
	return "missing"
}
