package mbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/wesm/mboxstream/internal/mime"
)

// DefaultProgressEvery is how many records pass between progress callbacks.
const DefaultProgressEvery = 50

// Decoder turns the raw bytes of one message into a decoded message. A
// returned error marks the message as malformed; it is skipped.
type Decoder interface {
	Decode(raw []byte) (*mime.Message, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(raw []byte) (*mime.Message, error)

// Decode calls f(raw).
func (f DecoderFunc) Decode(raw []byte) (*mime.Message, error) {
	return f(raw)
}

// Progress is reported while a parse runs.
type Progress struct {
	Offset  int64 // stream position after the last record handled
	Parsed  int
	Skipped int
	Message string
}

// ProgressFunc receives progress updates. It is called from the parsing
// goroutine and should return quickly.
type ProgressFunc func(Progress)

// IncrementalOptions configures ParseIncremental. The zero value is usable.
type IncrementalOptions struct {
	// Lookback bounds the boundary search before a resume offset.
	// Defaults to DefaultLookback.
	Lookback int64

	// MaxMessageBytes skips messages larger than this. 0 means no limit.
	MaxMessageBytes int64

	// Final is set once the file will not grow any more. The last message
	// is then emitted even without a trailing blank line.
	Final bool

	// Decode defaults to mime.Decode.
	Decode Decoder

	Progress      ProgressFunc
	ProgressEvery int // defaults to DefaultProgressEvery

	Logger *slog.Logger
}

// ParsedMessage is one message found by ParseIncremental.
type ParsedMessage struct {
	// Offset is the position of the message's separator line.
	Offset   int64
	FromLine string
	FromDate time.Time // zero when the separator date is not parseable
	Message  *mime.Message

	// Hash is the hex SHA-256 of the raw message bytes.
	Hash string

	// Provisional is set on the last message of a file that is still
	// growing. The message looked complete but more body lines may still
	// arrive; ResumeOffset points at its separator so the next parse reads
	// it again.
	Provisional bool
}

// IncrementalResult is the outcome of one ParseIncremental call.
type IncrementalResult struct {
	Messages []ParsedMessage

	// ResumeOffset is where the next call should start.
	ResumeOffset int64

	// BoundaryOffset is where reading actually began: the recovered
	// separator, or the start offset when none was found.
	BoundaryOffset int64
	BoundaryFound  bool

	Parsed   int // messages decoded, including a provisional tail
	Skipped  int // malformed or oversized messages
	Replayed int // messages before the start offset, already delivered
	Withheld bool

	// HasMoreData reports whether the file extends past ResumeOffset.
	HasMoreData bool
}

// ParseIncremental reads the messages of the mbox at path that begin at or
// after startOffset.
//
// When startOffset is inside the file, parsing starts at the last separator
// found up to opts.Lookback bytes before it, so a message that was cut by a
// chunk boundary is read whole. Messages whose separator lies before
// startOffset were returned by an earlier call and are counted in Replayed
// instead of being returned again.
//
// Unless opts.Final is set, the last message of the file is treated as
// possibly incomplete: without a trailing blank line it is withheld,
// otherwise it is returned as Provisional. Either way ResumeOffset stays at
// its separator.
//
// On context cancellation the records handled so far are returned together
// with the context's error; ResumeOffset then points just past them.
func ParseIncremental(ctx context.Context, path string, startOffset int64, opts IncrementalOptions) (*IncrementalResult, error) {
	if startOffset < 0 {
		return nil, fmt.Errorf("negative start offset %d", startOffset)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dec := opts.Decode
	if dec == nil {
		dec = DecoderFunc(mime.Decode)
	}
	every := opts.ProgressEvery
	if every <= 0 {
		every = DefaultProgressEvery
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat mbox: %w", err)
	}
	res := &IncrementalResult{ResumeOffset: startOffset, BoundaryOffset: startOffset}
	if fi.Size() <= startOffset {
		return res, nil
	}

	begin := startOffset
	if startOffset > 0 {
		b, found, err := FindBoundary(f, startOffset, opts.Lookback)
		if err != nil {
			return nil, err
		}
		if found {
			begin = b
		}
		res.BoundaryFound = found
		log.Debug("boundary recovery",
			"start_offset", startOffset, "boundary", begin, "found", found)
	} else {
		res.BoundaryFound = true
	}
	res.BoundaryOffset = begin
	if _, err := f.Seek(begin, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek mbox: %w", err)
	}

	r := NewReaderWithMaxMessageBytes(f, opts.MaxMessageBytes)
	report := func(msg string) {
		if opts.Progress != nil {
			opts.Progress(Progress{
				Offset:  res.ResumeOffset,
				Parsed:  res.Parsed,
				Skipped: res.Skipped,
				Message: msg,
			})
		}
	}

	handled := 0
	for {
		if err := ctx.Err(); err != nil {
			res.HasMoreData = true
			report("cancelled")
			return res, err
		}

		msg, err := r.Next()
		if err == io.EOF {
			end := r.Offset()
			if off, ok := r.UnterminatedLine(); ok && !opts.Final && off < end {
				// The last line may still turn into a separator.
				end = off
			}
			if end > res.ResumeOffset {
				res.ResumeOffset = end
			}
			break
		}
		if err != nil {
			if errors.Is(err, ErrMessageTooLarge) {
				res.Skipped++
				log.Debug("skipping oversized message",
					"offset", r.LastMessageOffset(), "error", err)
				res.ResumeOffset = max(res.ResumeOffset, r.NextFromOffset())
				continue
			}
			report("error")
			return res, fmt.Errorf("read mbox at offset %d: %w", r.LastMessageOffset(), err)
		}

		if msg.Offset < startOffset {
			res.Replayed++
			continue
		}

		provisional := false
		if msg.AtEOF && !opts.Final {
			if !msg.Terminated() {
				res.Withheld = true
				res.ResumeOffset = msg.Offset
				log.Debug("withholding incomplete tail", "offset", msg.Offset)
				break
			}
			provisional = true
		}

		decoded, derr := dec.Decode(msg.Raw)
		if derr != nil {
			res.Skipped++
			log.Debug("skipping malformed message", "offset", msg.Offset, "error", derr)
		} else {
			pm := ParsedMessage{
				Offset:      msg.Offset,
				FromLine:    msg.FromLine,
				Message:     decoded,
				Hash:        hashRaw(msg.Raw),
				Provisional: provisional,
			}
			if t, ok := ParseSeparatorDate(msg.FromLine); ok {
				pm.FromDate = t
			}
			res.Messages = append(res.Messages, pm)
			res.Parsed++
		}

		if provisional {
			res.ResumeOffset = msg.Offset
		} else {
			res.ResumeOffset = max(res.ResumeOffset, r.NextFromOffset())
		}

		handled++
		if handled%every == 0 {
			report("parsing")
		}
		if provisional {
			break
		}
	}

	// The file may have grown while we were reading.
	if fi, err := f.Stat(); err == nil {
		res.HasMoreData = fi.Size() > res.ResumeOffset
	}
	report("done")
	return res, nil
}

func hashRaw(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
