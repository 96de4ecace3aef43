// Command snapctl operates a partition's state-snapshot controller: take
// and commit snapshots of an embedded database, replicate the latest one
// to peers, and recover a fresh database from disk after a restart.
//
// A single base logger is built here with a ComponentFilterHandler, and
// passed down to every component via dependency injection. Nothing below
// main ever touches slog's global default.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"

	"snapctl/internal/archive"
	"snapctl/internal/controller"
	"snapctl/internal/dbadapter/boltkv"
	"snapctl/internal/logging"
	"snapctl/internal/metrics"
	"snapctl/internal/replication"
	"snapctl/internal/store"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "snapctl",
		Short: "State-snapshot controller for a workflow-execution partition",
	}
	rootCmd.PersistentFlags().String("data-dir", "./snapctl-data", "snapshot storage root directory")

	rootCmd.AddCommand(
		newTakeCmd(logger),
		newReplicateCmd(logger),
		newRecoverCmd(logger),
		newServeCmd(logger),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func buildController(dataDir string, logger *slog.Logger) (*controller.SnapshotController, *store.SnapshotStorage, *metrics.Recorder, error) {
	rec, err := metrics.New("snapctl")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("metrics: %w", err)
	}

	storage, err := store.New(dataDir, logger, rec)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("store: %w", err)
	}

	recv := replication.NewReceiver(storage, logger, rec)
	sender := replication.NewSender(storage, newHTTPTransport(), logger, rec)

	c := controller.New(storage, boltkv.New(), sender, recv, logger, rec)
	return c, storage, rec, nil
}

func newTakeCmd(logger *slog.Logger) *cobra.Command {
	var position uint64
	cmd := &cobra.Command{
		Use:   "take",
		Short: "Take and commit a snapshot of the current database state",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			c, _, _, err := buildController(dataDir, logger)
			if err != nil {
				return err
			}
			if err := c.Recover(ctx); err != nil {
				return fmt.Errorf("recover before take: %w", err)
			}
			defer c.Close()

			snap, ok, err := c.TakeSnapshot(ctx, position)
			if err != nil {
				return err
			}
			if !ok {
				logger.Info("no new snapshot taken (already covered)")
				return nil
			}
			logger.Info("snapshot committed", "id", snap.ID, "files", snap.TotalCount)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&position, "position", 0, "log position lower bound for the new snapshot")
	return cmd
}

func newReplicateCmd(logger *slog.Logger) *cobra.Command {
	var peers []string
	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Replicate the latest committed snapshot to peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			c, _, _, err := buildController(dataDir, logger)
			if err != nil {
				return err
			}

			exec, wait := replication.ErrGroupExecutor(ctx)
			if err := c.ReplicateLatestSnapshot(ctx, peers, exec); err != nil {
				return err
			}
			if err := wait(); err != nil {
				return fmt.Errorf("replicate: %w", err)
			}
			logger.Info("replication complete", "peers", len(peers))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "peer base URL (repeatable)")
	return cmd
}

func newRecoverCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Rebuild the runtime database from the newest usable committed snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			c, _, _, err := buildController(dataDir, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Recover(ctx); err != nil {
				if errors.Is(err, controller.ErrRecoveryExhausted) {
					logger.Error("recovery exhausted: every committed snapshot failed to open")
				}
				return err
			}
			count, _ := c.GetValidSnapshotsCount()
			logger.Info("recovery complete", "remaining_snapshots", count)
			return nil
		},
	}
}

func newServeCmd(logger *slog.Logger) *cobra.Command {
	var (
		listenAddr     string
		takeEvery      time.Duration
		pruneKeep      int
		archiveAddr    string
		archiveCfg     string
		peers          []string
		replicateEvery time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the snapshot controller as a long-lived service: periodic take, replicate, prune",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			c, storage, _, err := buildController(dataDir, logger)
			if err != nil {
				return err
			}
			if err := c.Recover(ctx); err != nil {
				return fmt.Errorf("recover on startup: %w", err)
			}
			if err := c.Open(ctx); err != nil {
				return fmt.Errorf("open: %w", err)
			}
			defer c.Close()

			var uploader archive.Uploader
			if archiveAddr != "" {
				up, err := newArchiveUploader(ctx, archiveCfg, archiveAddr)
				if err != nil {
					return fmt.Errorf("archive uploader: %w", err)
				}
				uploader = up
			}

			mux := http.NewServeMux()
			mux.HandleFunc("/snapshot/ingest", ingestHandler(c))
			srv := &http.Server{Addr: listenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

			go func() {
				logger.Info("listening", "addr", listenAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", "error", err)
				}
			}()

			scheduler, err := gocron.NewScheduler()
			if err != nil {
				return fmt.Errorf("new scheduler: %w", err)
			}

			var position uint64
			_, err = scheduler.NewJob(
				gocron.DurationJob(takeEvery),
				gocron.NewTask(func() {
					position++
					snap, ok, err := c.TakeSnapshot(ctx, position)
					if err != nil {
						logger.Error("scheduled take failed", "error", err)
						return
					}
					if !ok {
						return
					}
					logger.Info("scheduled snapshot committed", "id", snap.ID)
					if err := storage.Prune(pruneKeep); err != nil {
						logger.Error("prune failed", "error", err)
					}
					if uploader != nil {
						if err := archive.Upload(ctx, uploader, snap.Path, snap.ID+".tar.zst"); err != nil {
							logger.Warn("archive upload failed", "id", snap.ID, "error", err)
						}
					}
				}),
			)
			if err != nil {
				return fmt.Errorf("schedule take job: %w", err)
			}

			if len(peers) > 0 {
				_, err = scheduler.NewJob(
					gocron.DurationJob(replicateEvery),
					gocron.NewTask(func() {
						exec, wait := replication.ErrGroupExecutor(ctx)
						if err := c.ReplicateLatestSnapshot(ctx, peers, exec); err != nil {
							logger.Error("scheduled replicate failed", "error", err)
							return
						}
						if err := wait(); err != nil {
							logger.Error("scheduled replicate failed", "error", err)
						}
					}),
				)
				if err != nil {
					return fmt.Errorf("schedule replicate job: %w", err)
				}
			}

			scheduler.Start()

			<-ctx.Done()
			logger.Info("shutting down")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http shutdown error", "error", err)
			}
			if err := scheduler.Shutdown(); err != nil {
				logger.Error("scheduler shutdown error", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":7654", "address to accept replicated chunks on")
	cmd.Flags().DurationVar(&takeEvery, "take-every", 5*time.Minute, "interval between scheduled snapshot attempts")
	cmd.Flags().IntVar(&pruneKeep, "keep", 3, "number of committed snapshots to retain")
	cmd.Flags().StringVar(&archiveAddr, "archive-bucket", "", "if set, upload each new snapshot to this bucket name")
	cmd.Flags().StringVar(&archiveCfg, "archive-provider", "s3", "archive provider: s3 or gcs")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "peer base URL to replicate to (repeatable)")
	cmd.Flags().DurationVar(&replicateEvery, "replicate-every", 5*time.Minute, "interval between scheduled replication attempts")
	return cmd
}

// newArchiveUploader builds the archive.Uploader named by provider ("s3" or
// "gcs"; azure needs a token credential this CLI has no flags for yet, so it
// is left to library callers that embed this package directly).
func newArchiveUploader(ctx context.Context, provider, bucket string) (archive.Uploader, error) {
	switch provider {
	case "", "s3":
		return archive.NewS3Uploader(ctx, bucket, 0)
	case "gcs":
		return archive.NewGCSUploader(ctx, bucket)
	default:
		return nil, fmt.Errorf("unknown archive provider %q", provider)
	}
}
