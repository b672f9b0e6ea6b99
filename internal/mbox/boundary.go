package mbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultLookback is how far before a resume hint FindBoundary searches for
// a separator.
const DefaultLookback = 64 << 10

// FindBoundary looks for the last line starting with "From " that begins
// within [startOffset-lookback, startOffset]. Only the five-byte marker is
// checked; whether it is a real separator is left to the Reader, which skips
// forward to the next valid separator anyway.
//
// A marker counts only when it starts the file or follows a '\n'. The byte
// before the window is read so a marker at the window edge is judged
// correctly.
func FindBoundary(r io.ReaderAt, startOffset, lookback int64) (int64, bool, error) {
	if startOffset <= 0 {
		return 0, startOffset == 0, nil
	}
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	windowStart := startOffset - lookback
	if windowStart < 0 {
		windowStart = 0
	}

	// One byte of context before the window, and enough bytes after
	// startOffset to see a marker that begins exactly there.
	readFrom := windowStart
	if readFrom > 0 {
		readFrom--
	}
	buf := make([]byte, startOffset+int64(len(fromPrefix))-readFrom)
	n, err := r.ReadAt(buf, readFrom)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, false, fmt.Errorf("read boundary window: %w", err)
	}
	buf = buf[:n]

	for pos := startOffset; pos >= windowStart; pos-- {
		i := pos - readFrom
		if i+int64(len(fromPrefix)) > int64(len(buf)) {
			continue
		}
		if !bytes.HasPrefix(buf[i:], fromPrefix) {
			continue
		}
		if pos == 0 || (i > 0 && buf[i-1] == '\n') {
			return pos, true, nil
		}
	}
	return 0, false, nil
}
