package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/mboxstream/internal/api"
	"github.com/wesm/mboxstream/internal/remote"
	"github.com/wesm/mboxstream/internal/upload"
)

var (
	pushServer    string
	pushAPIKey    string
	pushChunkSize int64
	pushWait      time.Duration
	pushPoll      = time.Second
)

var pushCmd = &cobra.Command{
	Use:   "push <file.mbox>",
	Short: "Upload a mailbox to a running server in chunks",
	Long: `Upload a local mbox file to a mboxstream server chunk by chunk. The
server parses each chunk as it arrives.

The server URL and API key default to the [remote] section of config.toml.
With --wait, push polls until the server has finished parsing or the
duration has passed.`,
	Args: cobra.ExactArgs(1),
	RunE: runPush,
}

func init() {
	pushCmd.Flags().StringVar(&pushServer, "server", "", "server URL (default: [remote] url)")
	pushCmd.Flags().StringVar(&pushAPIKey, "api-key", "", "API key (default: [remote] api_key)")
	pushCmd.Flags().Int64Var(&pushChunkSize, "chunk-size", 0, "bytes per chunk (default: [remote] chunk_size)")
	pushCmd.Flags().DurationVar(&pushWait, "wait", 0, "wait up to this long for parsing to finish")
	rootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, args []string) error {
	rc := cfg.Remote
	if pushServer != "" {
		rc.URL = pushServer
	}
	if pushAPIKey != "" {
		rc.APIKey = pushAPIKey
	}
	if pushChunkSize != 0 {
		rc.ChunkSize = pushChunkSize
	}

	client, err := remote.New(remote.Config{
		URL:           rc.URL,
		APIKey:        rc.APIKey,
		AllowInsecure: rc.AllowInsecure,
	})
	if err != nil {
		return err
	}

	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat mbox: %w", err)
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	progress := newParseProgress(out, isTTY(os.Stdout) && out == os.Stdout, fi.Size())
	id, err := client.Upload(ctx, filepath.Base(path), fi.Size(), f, rc.ChunkSize,
		func(p remote.UploadProgress) { progress.Update(p.Sent, p.Server.ParsedEmailCount) })
	progress.Done()
	if err != nil {
		if id != "" {
			fmt.Fprintf(out, "Upload of session %s stopped.\n", id)
		}
		return err
	}
	logger.Info("upload finished", "session_id", id, "bytes", fi.Size())

	info, err := client.GetUpload(ctx, id)
	deadline := time.Now().Add(pushWait)
	for err == nil && parsing(info) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pushPoll):
		}
		info, err = client.GetUpload(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("fetch session: %w", err)
	}

	fmt.Fprintf(out, "Session:  %s\n", info.ID)
	fmt.Fprintf(out, "Status:   %s\n", info.Status)
	fmt.Fprintf(out, "Records:  %d\n", info.ParsedEmailCount)
	if info.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:    %s\n", info.ErrorMessage)
	}
	return nil
}

// parsing reports whether the server may still add records.
func parsing(info api.SessionInfo) bool {
	switch upload.Status(info.Status) {
	case upload.StatusParseCompleted, upload.StatusFailed:
		return false
	}
	return true
}
