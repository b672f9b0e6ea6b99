package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/wesm/mboxstream/internal/config"
	"github.com/wesm/mboxstream/internal/ingest"
	"github.com/wesm/mboxstream/internal/store"
	"github.com/wesm/mboxstream/internal/upload"
)

// pipeline is the upload store and parse trigger built from the config.
type pipeline struct {
	uploads *upload.Store
	trigger *ingest.Trigger
	db      *store.Store // nil with the memory backend
}

// openPipeline builds the upload store over the configured record backend
// and a trigger publishing to notify. scratchDir overrides the configured
// scratch directory when not empty.
func openPipeline(cfg *config.Config, scratchDir string, notify ingest.Notifier, logger *slog.Logger) (*pipeline, error) {
	p := &pipeline{}

	var records upload.RecordStore
	switch cfg.Records.Backend {
	case config.BackendSQLite:
		db, err := store.Open(filepath.Join(cfg.DataDir(), store.FileName))
		if err != nil {
			return nil, err
		}
		recs := db.Records(cfg.Records.MaxPerSession)
		// Sessions do not outlive the process, so neither do their records.
		if n, err := recs.DeleteAll(); err != nil {
			_ = db.Close()
			return nil, err
		} else if n > 0 {
			logger.Info("dropped records of a previous run", "count", n)
		}
		p.db = db
		records = recs
	default:
		records = upload.NewMemoryRecords(cfg.Records.MaxPerSession)
	}

	if scratchDir == "" {
		scratchDir = cfg.ScratchDir()
	}
	uploads, err := upload.NewStore(scratchDir, records)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("open upload store: %w", err)
	}
	p.uploads = uploads.WithLogger(logger)

	p.trigger = ingest.NewTrigger(uploads, ingest.NewMemoryOffsets(), notify, ingest.Options{
		AllowedExtensions: cfg.Uploads.AllowedExtensions,
		Lookback:          cfg.Parser.LookbackBytes,
		MaxMessageBytes:   cfg.Parser.MaxMessageBytes,
		ExcerptLength:     cfg.Parser.ExcerptLength,
	}).WithLogger(logger)
	return p, nil
}

// Close releases the record database, if any.
func (p *pipeline) Close() {
	if p.db == nil {
		return
	}
	if err := p.db.Close(); err != nil {
		slog.Warn("close records database", "error", err)
	}
}
