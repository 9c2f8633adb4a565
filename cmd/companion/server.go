package main

import (
	"context"
	"encoding/json"
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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/companion/internal/api"
	"github.com/kalambet/companion/internal/backend"
	"github.com/kalambet/companion/internal/companion"
	"github.com/kalambet/companion/internal/config"
	"github.com/kalambet/companion/internal/media"
	"github.com/kalambet/companion/internal/secure"
	"github.com/kalambet/companion/internal/storage"
	"github.com/kalambet/companion/internal/trainer"
)

// journalRetention bounds how long training transitions are kept.
const journalRetention = 90 * 24 * time.Hour

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the companion daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running companion daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show companion system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp-stdio", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "companion.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
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

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "companion version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("companion is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("companion is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	if versions, err := store.AppliedMigrations(); err == nil && len(versions) > 0 {
		slog.Info("storage ready", "path", filepath.Join(cfg.Storage.DataDir, storage.DBFileName), "schema_version", versions[len(versions)-1])
	}

	secureOpts := []secure.Option{secure.WithProbeTimeout(cfg.Security.ProbeTimeout)}
	if !cfg.Security.PlatformEncryption {
		secureOpts = append(secureOpts, secure.WithPlatform(nil))
	}
	sealer := secure.New(secureOpts...)
	slog.Info("field encryption ready", "algorithm", sealer.Algorithm(ctx))

	scope := cfg.Storage.DataDir
	registry := media.NewRegistry(sealer, media.WithDefaultTTL(time.Duration(cfg.Media.DefaultTTLHours)*time.Hour))
	svc := companion.New(scope, sealer, registry,
		companion.WithJournal(store),
		companion.WithVoiceModel(cfg.Training.VoiceModel),
	)

	be := backend.New(cfg.Training.BackendURL)
	if be.IsRunning(ctx) {
		slog.Info("training backend reachable", "url", cfg.Training.BackendURL)
	} else {
		slog.Warn("training backend unreachable, jobs stay queued until it comes up", "url", cfg.Training.BackendURL)
	}

	worker := trainer.NewWorker(svc, be, trainer.Config{
		PollInterval: cfg.Training.PollInterval,
		Concurrency:  cfg.Training.Concurrency,
		VRAMBudgetMB: cfg.Training.VRAMBudgetMB,
		ImageModel:   cfg.Training.ImageModel,
		VoiceModel:   cfg.Training.VoiceModel,
	})
	if n, err := worker.Recover(ctx); err != nil {
		slog.Error("recovering interrupted training jobs", "error", err)
	} else if n > 0 {
		slog.Info("requeued interrupted training jobs", "count", n)
	}

	if pruned, err := store.PruneTrainingEvents(ctx, time.Now().Add(-journalRetention)); err != nil {
		slog.Warn("pruning training journal failed", "error", err)
	} else if pruned > 0 {
		slog.Info("pruned training journal", "removed", pruned)
	}

	handler := api.NewHandler(api.Deps{
		Companion: svc,
		Media:     registry,
		Journal:   store,
		Backend:   be,
		Token:     apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()
	go registry.RunJanitor(ctx, scope, cfg.Media.GCInterval)

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Companion: svc, Media: registry})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "companion listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		stop()
		<-done
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	<-done
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("companion is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("stopping companion (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to companion (PID %d)", pid)
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

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var health struct {
			Backend *bool `json:"backend"`
		}
		json.NewDecoder(resp.Body).Decode(&health)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
			if health.Backend != nil {
				state := "unreachable"
				if *health.Backend {
					state = "reachable"
				}
				printStatus("Training backend", "%s at %s", state, cfg.Training.BackendURL)
			}
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Image model", "%s", cfg.Training.ImageModel)
	printStatus("Voice model", "%s", cfg.Training.VoiceModel)

	if running {
		if c, err := newAPIClient(); err == nil {
			var out struct {
				Sessions []companion.SessionSummary `json:"sessions"`
			}
			if c.call(context.Background(), "companion.wizard.sessions", nil, &out) == nil {
				printStatus("Sessions", "%d", len(out.Sessions))
				for _, s := range out.Sessions {
					printStatus("  "+s.SessionID, "%s", phaseLabel(s.Phase))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
