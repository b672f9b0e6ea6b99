// Package mbox reads MBOX mailboxes, both whole and while they are still
// being written.
//
// Messages are preceded by a Unix "From " separator line. Body lines that
// begin with "From " (or with one or more '>' followed by "From ") are
// normally escaped by prefixing another '>' (mboxrd). The reader removes a
// single leading '>' from lines matching ^>+From , which also covers mboxo
// exports; SetUnescapeFrom(false) turns this off.
package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

const maxLineBytes = 32 << 20 // 32 MiB

var ErrMessageTooLarge = errors.New("mbox message exceeds max size")

// Message is a single message from an MBOX stream.
type Message struct {
	// FromLine is the separator line without its terminator.
	FromLine string

	// Raw is the RFC 5322 message (headers + body) without the separator.
	// Line endings are whatever the source used.
	Raw []byte

	// Offset is the stream offset of the separator line.
	Offset int64

	// AtEOF is set when the message was ended by the end of the stream
	// rather than by the next separator. For a file that is still growing
	// such a message may be incomplete.
	AtEOF bool
}

// Terminated reports whether the message ends with a blank line, the usual
// trailer an mbox writer emits after each message.
func (m *Message) Terminated() bool {
	return bytes.HasSuffix(m.Raw, []byte("\n\n")) || bytes.HasSuffix(m.Raw, []byte("\r\n\r\n"))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Reader reads messages from an MBOX stream, one message in memory at a time.
type Reader struct {
	cr *countingReader
	br *bufio.Reader

	// The separator for the next message, once it has been read.
	pendingFrom       string
	pendingFromOffset int64
	hasPending        bool
	eof               bool

	// Separator offset of the message most recently returned or rejected.
	lastOffset int64

	// Start of a final line that ended at EOF without '\n', if any.
	partialOffset int64
	hasPartial    bool

	maxMessageBytes int64
	unescapeFrom    bool
}

// NewReader creates a reader over r. When r is an io.Seeker its current
// position seeds the offset counter, so offsets stay absolute after a Seek.
func NewReader(r io.Reader) *Reader {
	cr := &countingReader{r: r}
	if s, ok := r.(io.Seeker); ok {
		if pos, err := s.Seek(0, io.SeekCurrent); err == nil {
			cr.n = pos
		}
	}
	return &Reader{
		cr:           cr,
		br:           bufio.NewReader(cr),
		unescapeFrom: true,
	}
}

// NewReaderWithMaxMessageBytes is NewReader with a per-message size limit.
// Messages over the limit are reported with ErrMessageTooLarge and skipped;
// the following message is still readable. A limit <= 0 disables the check.
func NewReaderWithMaxMessageBytes(r io.Reader, maxMessageBytes int64) *Reader {
	rd := NewReader(r)
	rd.maxMessageBytes = maxMessageBytes
	return rd
}

// SetUnescapeFrom controls mboxrd unescaping of ^>+From lines (default on).
func (r *Reader) SetUnescapeFrom(enabled bool) {
	r.unescapeFrom = enabled
}

// Offset reports how many bytes of the stream have been consumed, not
// counting data still sitting in the read buffer.
func (r *Reader) Offset() int64 {
	return r.cr.n - int64(r.br.Buffered())
}

// NextFromOffset reports where the next message's separator starts, or the
// current offset when no further separator has been seen.
func (r *Reader) NextFromOffset() int64 {
	if r.hasPending {
		return r.pendingFromOffset
	}
	return r.Offset()
}

// LastMessageOffset reports the separator offset of the message most
// recently returned by Next, including one rejected with an error.
func (r *Reader) LastMessageOffset() int64 {
	return r.lastOffset
}

// UnterminatedLine reports the offset of the last line of the stream when it
// was cut off by EOF before its '\n'. Only meaningful after Next returned
// io.EOF or a message with AtEOF set.
func (r *Reader) UnterminatedLine() (int64, bool) {
	return r.partialOffset, r.hasPartial
}

// Next returns the next message. It returns io.EOF when none remain.
// Bytes before the first separator are ignored.
func (r *Reader) Next() (*Message, error) {
	if r.eof {
		return nil, io.EOF
	}

	if !r.hasPending {
		for {
			start := r.Offset()
			line, err := r.readLine()
			if err != nil && err != io.EOF {
				return nil, err
			}
			r.notePartial(line, start, err)
			if IsSeparatorLine(line) {
				r.stash(line, start)
				break
			}
			if err == io.EOF {
				r.eof = true
				return nil, io.EOF
			}
		}
	}

	msg := &Message{FromLine: r.pendingFrom, Offset: r.pendingFromOffset}
	r.lastOffset = msg.Offset
	r.hasPending = false

	var raw bytes.Buffer
	var size int64
	tooLarge := false

	for {
		start := r.Offset()
		line, err := r.readLine()
		r.notePartial(line, start, err)
		if len(line) > 0 {
			if IsSeparatorLine(line) {
				r.stash(line, start)
				break
			}
			if !tooLarge {
				b := line
				if r.unescapeFrom {
					b = unescapeFrom(line)
				}
				if r.maxMessageBytes > 0 && size+int64(len(b)) > r.maxMessageBytes {
					tooLarge = true
				} else {
					raw.Write(b)
					size += int64(len(b))
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				r.eof = true
				msg.AtEOF = true
				break
			}
			return nil, err
		}
	}

	if tooLarge {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrMessageTooLarge, r.maxMessageBytes)
	}
	msg.Raw = raw.Bytes()
	return msg, nil
}

func (r *Reader) notePartial(line []byte, start int64, err error) {
	if err == io.EOF && len(line) > 0 && line[len(line)-1] != '\n' {
		r.partialOffset = start
		r.hasPartial = true
	}
}

func (r *Reader) stash(line []byte, offset int64) {
	r.pendingFrom = string(bytes.TrimRight(line, "\r\n"))
	r.pendingFromOffset = offset
	r.hasPending = true
}

// readLine returns one line including its terminator. Lines longer than the
// bufio buffer are accumulated up to maxLineBytes.
func (r *Reader) readLine() ([]byte, error) {
	var out []byte
	for {
		b, err := r.br.ReadBytes('\n')
		out = append(out, b...)
		if len(out) > maxLineBytes {
			return nil, fmt.Errorf("mbox line exceeds max length (%d bytes)", maxLineBytes)
		}
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == io.EOF:
			return out, io.EOF
		case len(out) > 0:
			return out, err
		default:
			return nil, err
		}
	}
}

// unescapeFrom drops one leading '>' from a line matching ^>+From .
func unescapeFrom(line []byte) []byte {
	if len(line) == 0 || line[0] != '>' {
		return line
	}
	i := 0
	for i < len(line) && line[i] == '>' {
		i++
	}
	if bytes.HasPrefix(line[i:], fromPrefix) {
		return line[1:]
	}
	return line
}

// Validate reads up to maxBytes of r and reports an error unless a separator
// line is found. It is a quick sniff, not a format check.
func Validate(r io.Reader, maxBytes int64) error {
	if maxBytes <= 0 {
		return fmt.Errorf("maxBytes must be > 0")
	}
	br := bufio.NewReader(io.LimitReader(r, maxBytes))
	for {
		line, err := br.ReadBytes('\n')
		if IsSeparatorLine(line) {
			return nil
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("no \"From \" separators found (not an mbox file?)")
			}
			return err
		}
	}
}
