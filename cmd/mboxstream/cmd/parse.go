package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wesm/mboxstream/internal/config"
	"github.com/wesm/mboxstream/internal/ingest"
)

var (
	parseChunkSize int64
	parseList      int
)

var parseCmd = &cobra.Command{
	Use:   "parse <file.mbox>",
	Short: "Parse a local mbox the way uploads are parsed",
	Long: `Feed a local mbox file through an upload session in chunks, parsing
after every chunk exactly as the server does for uploads, and print a
summary. Useful to check how a mailbox will be read before uploading it.

Records are kept in memory; the scratch copy is removed afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: runParse,
}

func init() {
	parseCmd.Flags().Int64Var(&parseChunkSize, "chunk-size", 1<<20, "bytes per chunk")
	parseCmd.Flags().IntVar(&parseList, "list", 0, "print the first N records")
	rootCmd.AddCommand(parseCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	if parseChunkSize <= 0 {
		return fmt.Errorf("--chunk-size must be positive")
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

	scratch, err := os.MkdirTemp("", "mboxstream-parse-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	local := *cfg
	local.Records = config.RecordsConfig{Backend: config.BackendMemory, MaxPerSession: cfg.Records.MaxPerSession}
	// Parse whatever the user points at; the extension filter is for uploads.
	local.Uploads.AllowedExtensions = []string{filepath.Ext(path)}
	p, err := openPipeline(&local, scratch, nil, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	id, err := p.uploads.Create(filepath.Base(path), fi.Size())
	if err != nil {
		return err
	}
	defer p.uploads.Delete(id)

	out := cmd.OutOrStdout()
	progress := newParseProgress(out, isTTY(os.Stdout) && out == os.Stdout, fi.Size())
	stats, err := feedChunks(cmd, p, id, f, progress)
	progress.Done()
	if err != nil {
		return err
	}

	sess, _ := p.uploads.Get(id)
	fmt.Fprintf(out, "File:     %s (%d bytes, %d chunks)\n", path, fi.Size(), stats.chunks)
	fmt.Fprintf(out, "Status:   %s\n", sess.Status)
	fmt.Fprintf(out, "Records:  %d\n", sess.RecordCount)
	fmt.Fprintf(out, "Replaced: %d\n", stats.replaced)
	fmt.Fprintf(out, "Skipped:  %d\n", stats.skipped)
	if sess.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:    %s\n", sess.ErrorMessage)
	}

	if parseList > 0 {
		recs, err := p.uploads.ListRecords(id, 1, parseList)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		for _, r := range recs {
			date := "-"
			if !r.Date.IsZero() {
				date = r.Date.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(out, "%4d  %s  %-30.30s  %s\n", r.Ordinal+1, date, r.Sender, r.Subject)
		}
	}
	return nil
}

type feedStats struct {
	chunks   int
	replaced int
	skipped  int
}

// feedChunks appends the file to the session chunk by chunk, advancing the
// parse after each.
func feedChunks(cmd *cobra.Command, p *pipeline, id string, r io.Reader, progress *parseProgress) (feedStats, error) {
	var stats feedStats
	buf := make([]byte, parseChunkSize)
	var uploaded int64
	for {
		n, rerr := io.ReadFull(r, buf)
		last := errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF)
		if rerr != nil && !last {
			return stats, fmt.Errorf("read mbox: %w", rerr)
		}
		if n == 0 && !last {
			continue
		}
		if _, err := p.uploads.Append(id, buf[:n], last); err != nil {
			return stats, err
		}
		stats.chunks++
		uploaded += int64(n)

		adv, err := p.trigger.TryAdvance(cmd.Context(), id)
		if err != nil {
			return stats, err
		}
		stats.replaced += adv.Replaced
		stats.skipped += adv.Skipped

		sess, _ := p.uploads.Get(id)
		progress.Update(uploaded, sess.RecordCount)
		if last {
			return stats, nil
		}
	}
}

var _ ingest.Advancer = (*ingest.Trigger)(nil)
