// Package upload tracks chunked mailbox uploads: session state, the scratch
// file each upload is written to, and the records parsed out of it.
package upload

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("upload session not found")

	// ErrInvalidInput is returned by Create for a missing file name or a
	// negative size.
	ErrInvalidInput = errors.New("invalid upload input")

	// ErrRecordLimit is returned when a session already holds the maximum
	// number of records.
	ErrRecordLimit = errors.New("record limit reached")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusParsing        Status = "parsing"
	StatusParseCompleted Status = "parse_completed"
)

// Session is a snapshot of one upload.
type Session struct {
	ID           string
	FileName     string
	TotalSize    int64 // as announced by the client; advisory
	UploadedSize int64
	Status       Status
	CreatedAt    time.Time
	LastChunkAt  time.Time
	TempFilePath string
	RecordCount  int
	ErrorMessage string

	// UploadComplete is set once the last chunk was written. Status moves
	// on to parsing states afterwards; this flag does not.
	UploadComplete bool
}

// Progress returns the uploaded share of TotalSize in percent, or 0 when the
// size was not announced.
func (s Session) Progress() float64 {
	if s.TotalSize <= 0 {
		return 0
	}
	return float64(s.UploadedSize) / float64(s.TotalSize) * 100
}

// IsCompleted reports whether the session is in the completed state.
func (s Session) IsCompleted() bool { return s.Status == StatusCompleted }

// HasError reports whether the session failed.
func (s Session) HasError() bool { return s.Status == StatusFailed }

// Summary is the listing view of a session.
type Summary struct {
	ID           string
	FileName     string
	TotalSize    int64
	Status       Status
	Progress     float64
	RecordCount  int
	CreatedAt    time.Time
	ErrorMessage string
}

func (s Session) summary() Summary {
	return Summary{
		ID:           s.ID,
		FileName:     s.FileName,
		TotalSize:    s.TotalSize,
		Status:       s.Status,
		Progress:     s.Progress(),
		RecordCount:  s.RecordCount,
		CreatedAt:    s.CreatedAt,
		ErrorMessage: s.ErrorMessage,
	}
}

// Record is the display summary of one parsed message.
type Record struct {
	Ordinal        int // position in parse order, assigned on insert
	Offset         int64
	Subject        string
	Sender         string
	Recipient      string
	Date           time.Time
	HasAttachments bool
	BodyExcerpt    string
}
