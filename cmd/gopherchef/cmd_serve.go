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
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/gopherchef/internal/api"
	"github.com/user/gopherchef/internal/backend"
	"github.com/user/gopherchef/internal/config"
	ctxengine "github.com/user/gopherchef/internal/context"
	"github.com/user/gopherchef/internal/delivery"
	"github.com/user/gopherchef/internal/gateway"
	"github.com/user/gopherchef/internal/sandbox"
	"github.com/user/gopherchef/internal/scheduler"
	"github.com/user/gopherchef/internal/snapshot"
	"github.com/user/gopherchef/internal/state"
	"github.com/user/gopherchef/internal/types"
	"github.com/user/gopherchef/internal/workbench"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gopherchef daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

const targetPruneSchedule = "@every 15m"

// drainTimeout bounds how long shutdown waits for running actions.
const drainTimeout = 30 * time.Second

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "gopherchef.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

// stores are the daemon's durable collaborators, shared by every session.
type stores struct {
	backend *backend.Store
	chats   *state.ChatStore
	events  *state.JournalStore
	blobs   *state.BlobStore
}

func openStores(cfg *config.Config) (*stores, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := backend.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	return &stores{
		backend: db,
		chats:   state.NewChatStore(cfg.DataDir),
		events:  state.NewJournalStore(cfg.DataDir),
		blobs:   state.NewBlobStore(filepath.Join(cfg.DataDir, "blobs")),
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.backend.Close()

	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	engine := ctxengine.New(cfg.Actions.TokenizerModel, cfg.Actions.MaxOutputTokens)

	alerts := delivery.NewRegistry()
	alerts.Register("", delivery.JournalHandler(st.events))

	queue := gateway.NewQueue(int64(cfg.Queue.MaxConcurrent), cfg.Queue.Depth)
	gw := gateway.New(st.chats, queue, func(ctx context.Context, chatID types.ChatID) (*workbench.Session, error) {
		sb, err := sandbox.NewLocal(cfg.WorkspaceFor(string(chatID)), cfg.Actions.Shell, cfg.Snapshot.Excludes)
		if err != nil {
			return nil, err
		}
		return workbench.Open(ctx, workbench.Config{
			ChatID:           chatID,
			Sandbox:          sb,
			Queue:            queue,
			Messages:         st.backend,
			Snapshots:        st.backend,
			Blobs:            st.blobs,
			Events:           st.events,
			Alerts:           alerts,
			Engine:           engine,
			ShellTimeout:     cfg.ShellTimeout(),
			InstallTimeout:   cfg.InstallTimeout(),
			DeployCommand:    cfg.Actions.DeployCommand,
			SnapshotDebounce: cfg.SnapshotDebounce(),
			SnapshotExcludes: cfg.Snapshot.Excludes,
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		drainQueue(queue)
		gw.Stop(stopCtx)
	}()

	sched := scheduler.New(ctx)
	if err := sched.Add("prune-snapshots", cfg.Snapshot.PruneSchedule, func(ctx context.Context) error {
		n, err := snapshot.Prune(ctx, st.backend, st.blobs, cfg.Snapshot.Keep)
		if n > 0 {
			slog.Info("pruned snapshots", "removed", n)
		}
		return err
	}); err != nil {
		return err
	}
	if err := sched.Add("prune-upload-targets", targetPruneSchedule, func(ctx context.Context) error {
		_, err := st.backend.PruneExpiredTargets(ctx)
		return err
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.NewServer(gw, st.chats, st.events, st.backend, cfg.HTTP.Token),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("api server started", "listen", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server error", "error", err)
			cancel()
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("gopherchef started",
		"data_dir", cfg.DataDir,
		"workspace", cfg.Workspace,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.Queue.MaxConcurrent,
		"pid_file", pidFile,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case <-ctx.Done():
			return errors.New("api server stopped")
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				drainQueue(queue)
				os.Remove(pidFile)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					slog.Error("failed to re-exec", "error", err)
					if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
						slog.Error("failed to re-write PID file", "error", writeErr)
					}
					continue
				}
			}
			slog.Info("shutting down", "signal", sig)
			return nil
		}
	}
}

// drainQueue waits for running actions to finish before the process stops
// or re-execs.
func drainQueue(queue *gateway.Queue) {
	if !queue.WaitIdle(drainTimeout) {
		slog.Warn("actions still running at shutdown", "waited", drainTimeout)
	}
}
