// Package ingest turns uploaded bytes into records: it decides when a
// session's scratch file is worth parsing, runs the incremental parser from
// the remembered position and hands the results to the session store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/wesm/mboxstream/internal/fileutil"
	"github.com/wesm/mboxstream/internal/mbox"
	"github.com/wesm/mboxstream/internal/mime"
	"github.com/wesm/mboxstream/internal/textutil"
	"github.com/wesm/mboxstream/internal/upload"
)

// Record field defaults for messages that lack them.
const (
	DefaultSubject = "(No Subject)"
	DefaultSender  = "Unknown"
	DefaultBody    = "(No content)"
)

// Options configures a Trigger.
type Options struct {
	// AllowedExtensions lists the file name extensions that are parsed,
	// compared case-insensitively. Defaults to ".mbox".
	AllowedExtensions []string

	Lookback        int64
	MaxMessageBytes int64

	// ExcerptLength bounds the body excerpt in runes. Defaults to 500.
	ExcerptLength int

	// Decode overrides the message decoder.
	Decode mbox.Decoder
}

// Advance is the outcome of one TryAdvance call.
type Advance struct {
	NewRecords   int
	Replaced     int
	Skipped      int
	ResumeOffset int64
	Status       upload.Status
}

// Progressed reports whether the call produced or changed records.
func (a Advance) Progressed() bool {
	return a.NewRecords > 0 || a.Replaced > 0
}

// Trigger advances the parse of upload sessions.
type Trigger struct {
	store   *upload.Store
	offsets OffsetStore
	notify  Notifier
	opts    Options
	logger  *slog.Logger

	parse func(ctx context.Context, path string, start int64, opts mbox.IncrementalOptions) (*mbox.IncrementalResult, error)
}

// NewTrigger returns a trigger for sessions in store. Positions are kept in
// offsets, which is cleared when a session is deleted. A nil notify
// discards events.
func NewTrigger(store *upload.Store, offsets OffsetStore, notify Notifier, opts Options) *Trigger {
	if offsets == nil {
		offsets = NewMemoryOffsets()
	}
	if notify == nil {
		notify = NopNotifier{}
	}
	if len(opts.AllowedExtensions) == 0 {
		opts.AllowedExtensions = []string{".mbox"}
	}
	if opts.ExcerptLength <= 0 {
		opts.ExcerptLength = 500
	}
	t := &Trigger{
		store:   store,
		offsets: offsets,
		notify:  notify,
		opts:    opts,
		logger:  slog.Default(),
		parse:   mbox.ParseIncremental,
	}
	store.OnDelete(offsets.Delete)
	return t
}

// WithLogger sets the logger.
func (t *Trigger) WithLogger(l *slog.Logger) *Trigger {
	if l != nil {
		t.logger = l
	}
	return t
}

// Position returns the remembered parse position of a session.
func (t *Trigger) Position(sessionID string) (Position, bool) {
	return t.offsets.Load(sessionID)
}

func (t *Trigger) parses(fileName string) bool {
	ext := filepath.Ext(fileName)
	for _, allowed := range t.opts.AllowedExtensions {
		if strings.EqualFold(ext, allowed) {
			return true
		}
	}
	return false
}

// TryAdvance parses whatever the session's scratch file gained since the
// last call. Sessions that are unknown, have no file yet, are not mailboxes
// or have not changed are left alone and yield a zero Advance.
//
// A parse failure marks the session failed with a "Parsing error" message;
// records delivered before the failure are kept. Context cancellation
// leaves the session in its upload state so a later call can resume.
func (t *Trigger) TryAdvance(ctx context.Context, sessionID string) (Advance, error) {
	sess, ok := t.store.Get(sessionID)
	if !ok || !t.parses(sess.FileName) {
		return Advance{}, nil
	}
	size, exists, err := fileutil.Size(sess.TempFilePath)
	if err != nil || !exists {
		if err != nil {
			t.logger.Debug("stat scratch file", "session_id", sessionID, "error", err)
		}
		return Advance{}, nil
	}

	// Read once: a last chunk landing mid-parse is picked up by the next
	// call instead of being attributed to this one.
	final := sess.UploadComplete
	pos, _ := t.offsets.Load(sessionID)
	if size <= pos.Scanned && final == pos.Final {
		return Advance{}, nil
	}

	log := t.logger.With("session_id", sessionID)
	log.Info("parsing new data", "offset", pos.Resume, "size", size, "final", final)
	t.store.UpdateStatus(sessionID, upload.StatusParsing, "")
	t.notify.StatusChanged(sessionID, upload.StatusParsing, sess.RecordCount)

	res, perr := t.parse(ctx, sess.TempFilePath, pos.Resume, mbox.IncrementalOptions{
		Lookback:        t.opts.Lookback,
		MaxMessageBytes: t.opts.MaxMessageBytes,
		Final:           final,
		Decode:          t.opts.Decode,
		Logger:          log,
		Progress: func(p mbox.Progress) {
			log.Debug("parse progress", "offset", p.Offset, "parsed", p.Parsed, "skipped", p.Skipped, "stage", p.Message)
		},
	})

	var adv Advance
	if res != nil {
		var next Position
		adv, next = t.apply(sessionID, pos, res)
		next.Scanned = size
		next.Final = final
		if perr != nil {
			// Make the next call retry rather than skip as unchanged.
			next.Scanned = 0
		}
		t.offsets.Save(sessionID, next)
	}
	// A Delete during the parse has already run the offsets hook; drop
	// the position saved after it.
	if _, ok := t.store.Get(sessionID); !ok {
		t.offsets.Delete(sessionID)
		log.Info("session deleted during parse")
		return Advance{}, nil
	}

	count := t.recordCount(sessionID)
	if perr != nil {
		if errors.Is(perr, context.Canceled) || errors.Is(perr, context.DeadlineExceeded) {
			status := upload.StatusInProgress
			if final {
				status = upload.StatusCompleted
			}
			t.store.UpdateStatus(sessionID, status, "")
			log.Info("parse interrupted", "offset", adv.ResumeOffset, "error", perr)
			return adv, perr
		}
		msg := "Parsing error: " + textutil.FirstLine(perr.Error())
		t.store.UpdateStatus(sessionID, upload.StatusFailed, msg)
		t.notify.StatusChanged(sessionID, upload.StatusFailed, count)
		log.Error("parse failed", "error", perr)
		return Advance{Status: upload.StatusFailed}, fmt.Errorf("advance session %s: %w", sessionID, perr)
	}

	switch {
	case !final:
		adv.Status = upload.StatusInProgress
	case !res.HasMoreData:
		adv.Status = upload.StatusParseCompleted
	default:
		adv.Status = upload.StatusCompleted
	}
	t.store.UpdateStatus(sessionID, adv.Status, "")
	t.notify.StatusChanged(sessionID, adv.Status, count)

	log.Info("parse advanced",
		"new", adv.NewRecords, "replaced", adv.Replaced, "skipped", adv.Skipped,
		"replayed", res.Replayed, "resume", adv.ResumeOffset, "records", count, "status", adv.Status)
	return adv, nil
}

// apply stores the parsed messages. A message at the offset of the previous
// provisional record replaces that record when its content changed and is
// dropped when it did not.
func (t *Trigger) apply(sessionID string, pos Position, res *mbox.IncrementalResult) (Advance, Position) {
	adv := Advance{Skipped: res.Skipped, ResumeOffset: res.ResumeOffset}
	next := Position{Resume: res.ResumeOffset}

	tail := pos.Tail
	var delivered []upload.Record
	for _, pm := range res.Messages {
		rec := t.record(pm)
		var ordinal int

		if tail != nil && pm.Offset == tail.Offset {
			ordinal = tail.Ordinal
			if pm.Hash != tail.Hash {
				rec.Ordinal = ordinal
				if t.store.ReplaceRecord(sessionID, rec) {
					adv.Replaced++
					delivered = append(delivered, rec)
				}
			}
			tail = nil
		} else {
			stored, ok := t.store.AppendRecord(sessionID, rec)
			if !ok {
				continue
			}
			ordinal = stored.Ordinal
			adv.NewRecords++
			delivered = append(delivered, stored)
		}

		if pm.Provisional {
			next.Tail = &TailRecord{Offset: pm.Offset, Ordinal: ordinal, Hash: pm.Hash}
		}
	}
	// An unmatched tail is still pending while parsing resumes at or
	// before it, e.g. when its message was withheld this time.
	if next.Tail == nil && tail != nil && res.ResumeOffset <= tail.Offset {
		next.Tail = tail
	}

	if len(delivered) > 0 {
		t.notify.NewRecords(sessionID, delivered)
	}
	return adv, next
}

func (t *Trigger) recordCount(sessionID string) int {
	sess, _ := t.store.Get(sessionID)
	return sess.RecordCount
}

// record builds the display record for a parsed message.
func (t *Trigger) record(pm mbox.ParsedMessage) upload.Record {
	msg := pm.Message
	if msg == nil {
		msg = &mime.Message{}
	}
	rec := upload.Record{
		Offset:         pm.Offset,
		Subject:        textutil.CollapseSpace(textutil.EnsureUTF8(msg.Subject)),
		Recipient:      textutil.EnsureUTF8(mime.FormatAddresses(msg.To)),
		Date:           msg.Date,
		HasAttachments: msg.HasAttachments(),
	}
	if rec.Subject == "" {
		rec.Subject = DefaultSubject
	}
	if len(msg.From) > 0 {
		rec.Sender = textutil.EnsureUTF8(mime.FormatAddresses(msg.From))
	} else {
		rec.Sender = DefaultSender
	}
	if rec.Date.IsZero() {
		rec.Date = pm.FromDate
	}

	body := textutil.EnsureUTF8(strings.TrimSpace(msg.BodyPreview()))
	if body == "" {
		body = DefaultBody
	}
	rec.BodyExcerpt = textutil.Excerpt(body, t.opts.ExcerptLength)
	return rec
}
