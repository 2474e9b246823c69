package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/BHPAV/Runner/internal/cascade"
	"github.com/BHPAV/Runner/internal/config"
	"github.com/BHPAV/Runner/internal/processor"
	"github.com/BHPAV/Runner/internal/rpc"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run the processor daemon",
	Long: `Run the processor daemon for this workspace: claim requests from the
graph queue, execute them as stacks, settle the results, evaluate cascade
sources dropped into the spool directory, and serve the submission API on a
unix socket.

Only one daemon runs per workspace; a second invocation exits immediately.
Use --single to drain the queue once and exit instead of polling.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		single, _ := cmd.Flags().GetBool("single")
		showStats, _ := cmd.Flags().GetBool("stats")
		logFile, _ := cmd.Flags().GetString("log-file")

		s, cleanup, err := openStores(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()

		// One processor per workspace. flock survives PID reuse and stale
		// lock files.
		lock := flock.New(filepath.Join(config.WorkspaceDir(s.Root), "daemon.lock"))
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquiring daemon lock: %w", err)
		}
		if !locked {
			return fmt.Errorf("another processor is already running in this workspace")
		}
		defer func() { _ = lock.Unlock() }()

		logger := log.New(os.Stderr, "", log.LstdFlags)
		if logFile != "" {
			logger = log.New(&lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    config.GetInt("log.max-size-mb"),
				MaxBackups: config.GetInt("log.max-backups"),
				MaxAge:     config.GetInt("log.max-age-days"),
			}, "", log.LstdFlags)
		}

		workerID := config.GetString("worker-id")
		if workerID == "" {
			workerID = processor.DefaultWorkerID()
		}
		evaluator := cascade.New(s.Graph, logger)
		proc := processor.New(s.Store, s.Graph, newEngine(s, true), evaluator, processor.Options{
			WorkerID:      workerID,
			PollInterval:  config.GetDuration("poll-interval"),
			RequestBudget: config.GetDuration("request-budget"),
			Logger:        logger,
		})

		if single {
			n, err := proc.Drain(rootCtx)
			if err != nil {
				return err
			}
			fmt.Printf("Drained %d request(s)\n", n)
			return nil
		}

		watcher, err := cascade.NewWatcher(config.SourcesDir(s.Root), evaluator, logger)
		if err != nil {
			return err
		}
		go func() {
			if werr := watcher.Run(rootCtx); werr != nil && rootCtx.Err() == nil {
				logger.Printf("daemon: source watcher stopped: %v", werr)
			}
		}()

		srv := rpc.NewServer(rpc.ShortSocketPath(s.Root), s.Service(), logger)
		go func() {
			if serr := srv.Start(); serr != nil {
				logger.Printf("daemon: rpc server stopped: %v", serr)
			}
		}()
		defer srv.Stop()

		logger.Printf("daemon: worker=%s db=%s socket=%s", workerID, s.Store.Path(), srv.SocketPath())
		start := time.Now()
		err = proc.Run(rootCtx)

		if showStats {
			stats := proc.Stats()
			fmt.Printf("Uptime:    %s\n", time.Since(start).Round(time.Second))
			fmt.Printf("Processed: %d\n", stats.Processed)
			fmt.Printf("Failed:    %d\n", stats.Failed)
		}
		return err
	},
}

func init() {
	processCmd.Flags().Bool("single", false, "Drain the queue once and exit")
	processCmd.Flags().Bool("stats", false, "Print processing counters on shutdown")
	processCmd.Flags().String("log-file", "", "Write the daemon log to a rotating file instead of stderr")
	rootCmd.AddCommand(processCmd)
}
