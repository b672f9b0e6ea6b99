package cmd

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/mboxstream/internal/api"
	"github.com/wesm/mboxstream/internal/ingest"
	"github.com/wesm/mboxstream/internal/scheduler"
)

const retentionJob = "retention"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload API server",
	Long: `Run mboxstream as a long-running server that accepts chunked mailbox
uploads and parses each chunk in the background.

The server runs in the foreground and performs:
  - HTTP API server on the configured port (default: 8080)
  - Background parsing, at most [workers] max_parsers at a time
  - Scheduled removal of sessions idle for longer than [uploads] retention

Sessions older than the retention period and orphaned scratch files are
also removed at startup.

Use Ctrl+C to stop the server gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Server.ValidateSecure(); err != nil {
		return err
	}
	if err := scheduler.ValidateSchedule(cfg.Uploads.SweepSchedule); err != nil {
		return fmt.Errorf("uploads.sweep_schedule: %w", err)
	}

	events := ingest.NewBroadcaster(64).WithLogger(logger)
	p, err := openPipeline(cfg, "", events, logger)
	if err != nil {
		return err
	}
	defer p.Close()
	p.uploads.OnDelete(events.CloseSession)

	retention := cfg.Uploads.Retention.Duration
	if n, err := p.uploads.CleanScratch(retention); err != nil {
		logger.Warn("startup scratch cleanup failed", "error", err)
	} else if n > 0 {
		logger.Info("removed stale scratch files at startup", "count", n)
	}

	dispatcher := ingest.NewDispatcher(p.trigger, cfg.Workers.MaxParsers).WithLogger(logger)

	sched := scheduler.New().WithLogger(logger)
	if err := sched.Add(retentionJob, cfg.Uploads.SweepSchedule,
		scheduler.RetentionJob(p.uploads, retention, logger)); err != nil {
		return err
	}
	sched.Start()

	srv := api.NewServer(cfg, api.Deps{
		Uploads:   p.uploads,
		Parser:    dispatcher,
		Events:    events,
		Scheduler: sched,
	}, logger)

	ctx := cmd.Context()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	bindAddr := cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "mboxstream server started\n")
	fmt.Fprintf(out, "  API server: http://%s\n", net.JoinHostPort(bindAddr, strconv.Itoa(cfg.Server.APIPort)))
	fmt.Fprintf(out, "  Scratch directory: %s\n", p.uploads.Dir())
	fmt.Fprintf(out, "  Records: %s\n", cfg.Records.Backend)
	for _, st := range sched.Status() {
		fmt.Fprintf(out, "  %s: next run at %s\n", st.Name, st.NextRun.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(out, "\nPress Ctrl+C to stop.")

	// Start returns once the context is cancelled and the server shut
	// down, or when listening fails.
	runErr := g.Wait()
	logger.Info("API server stopped")

	fmt.Fprintln(out, "Waiting for running parses to finish...")
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := dispatcher.Close(closeCtx); err != nil {
		logger.Warn("parses cancelled at shutdown", "error", err)
	}
	select {
	case <-sched.Stop().Done():
	case <-closeCtx.Done():
		logger.Warn("scheduler did not stop in time")
	}
	fmt.Fprintln(out, "Shutdown complete.")
	return runErr
}
