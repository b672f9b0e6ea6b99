package mbox

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func lines(ls ...string) string {
	return strings.Join(ls, "\n")
}

// readAll drains r and returns the messages it produced.
func readAll(t *testing.T, r *Reader) []*Message {
	t.Helper()
	var out []*Message
	for {
		msg, err := r.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next(): %v", err)
		}
		out = append(out, msg)
	}
}

func TestReader_Next_OffsetsAndUnescape(t *testing.T) {
	data := lines(
		"From a@example.com Mon Jan 1 00:00:00 2024",
		"Subject: first",
		"",
		">From quoted line",
		">>From twice quoted",
		"",
		"From b@example.com Mon Jan 1 00:00:01 2024",
		"Subject: second",
		"",
		"tail",
		"",
	)
	second := int64(strings.Index(data, "From b@"))

	msgs := readAll(t, NewReader(strings.NewReader(data)))
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}

	type summary struct {
		FromLine string
		Offset   int64
		AtEOF    bool
	}
	var got []summary
	for _, m := range msgs {
		got = append(got, summary{m.FromLine, m.Offset, m.AtEOF})
	}
	want := []summary{
		{"From a@example.com Mon Jan 1 00:00:00 2024", 0, false},
		{"From b@example.com Mon Jan 1 00:00:01 2024", second, true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}

	raw := string(msgs[0].Raw)
	if !strings.Contains(raw, "\nFrom quoted line\n") || !strings.Contains(raw, "\n>From twice quoted\n") {
		t.Errorf("unescape not applied once per line:\n%s", raw)
	}
	if !msgs[0].Terminated() {
		t.Error("first message should end with a blank line")
	}
}

func TestReader_Next_UnescapeDisabled(t *testing.T) {
	data := lines(
		"From a@example.com Mon Jan 1 00:00:00 2024",
		"Subject: x",
		"",
		">From stays",
		"",
	)
	r := NewReader(strings.NewReader(data))
	r.SetUnescapeFrom(false)
	msgs := readAll(t, r)
	if len(msgs) != 1 || !strings.Contains(string(msgs[0].Raw), "\n>From stays\n") {
		t.Fatalf("escaped line was modified: %+v", msgs)
	}
}

func TestReader_Next_SkipsPreamble(t *testing.T) {
	data := lines(
		"this is not a message",
		"From nobody really",
		"From a@example.com Mon Jan 1 00:00:00 2024",
		"Subject: x",
		"",
	)
	msgs := readAll(t, NewReader(strings.NewReader(data)))
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if want := int64(strings.Index(data, "From a@")); msgs[0].Offset != want {
		t.Errorf("Offset = %d, want %d", msgs[0].Offset, want)
	}
}

func TestReader_Next_BodyFromLineWithoutDate(t *testing.T) {
	data := lines(
		"From a@example.com Mon Jan 1 00:00:00 2024",
		"Subject: x",
		"",
		"From here on the body keeps going",
		"",
	)
	msgs := readAll(t, NewReader(strings.NewReader(data)))
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if !strings.Contains(string(msgs[0].Raw), "From here on the body") {
		t.Errorf("body line lost:\n%s", msgs[0].Raw)
	}
}

func TestReader_Next_SeparatorVariants(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"ctime", "From a@example.com Mon Jan 1 00:00:00 2024"},
		{"padded day", "From a@example.com Mon Jan  1 00:00:00 2024"},
		{"no weekday", "From a@example.com Jan 1 00:00:00 2024"},
		{"no seconds", "From a@example.com Mon Jan 1 00:00 2024"},
		{"named zone", "From a@example.com Mon Jan 1 00:00:00 PST 2024"},
		{"numeric zone after year", "From a@example.com Mon Jan 1 00:00:00 2024 +0100"},
		{"remote from", "From a@example.com Mon Jan 1 00:00:00 2024 remote from gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := lines(
				tt.line, "Subject: one", "", "body", "",
				tt.line, "Subject: two", "", "body", "",
			)
			if got := len(readAll(t, NewReader(strings.NewReader(data)))); got != 2 {
				t.Errorf("got %d messages, want 2", got)
			}
		})
	}
}

func TestReader_Next_LongLines(t *testing.T) {
	long := strings.Repeat("x", 100_000)
	data := lines(
		"From a@example.com Mon Jan 1 00:00:00 2024",
		"X-Long: "+long,
		"",
		"body",
		"",
	)
	msgs := readAll(t, NewReader(strings.NewReader(data)))
	if len(msgs) != 1 || !strings.Contains(string(msgs[0].Raw), long) {
		t.Fatal("long header line not preserved")
	}
}

func TestReader_Next_TooLargeThenContinues(t *testing.T) {
	data := lines(
		"From a@example.com Mon Jan 1 00:00:00 2024",
		"Subject: "+strings.Repeat("y", 500),
		"",
		"From b@example.com Mon Jan 1 00:00:01 2024",
		"Subject: small",
		"",
	)
	r := NewReaderWithMaxMessageBytes(strings.NewReader(data), 100)

	if _, err := r.Next(); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("Next() error = %v, want ErrMessageTooLarge", err)
	}
	if r.LastMessageOffset() != 0 {
		t.Errorf("LastMessageOffset = %d, want 0", r.LastMessageOffset())
	}
	msg, err := r.Next()
	if err != nil {
		t.Fatalf("Next() after oversized message: %v", err)
	}
	if !strings.Contains(string(msg.Raw), "Subject: small") {
		t.Errorf("unexpected raw:\n%s", msg.Raw)
	}
}

func TestReader_UnterminatedLine(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantOff  int64
		wantPart bool
	}{
		{"terminated", "From a@example.com Mon Jan 1 00:00:00 2024\nSubject: x\n", 0, false},
		{"cut header", "From a@example.com Mon Jan 1 00:00:00 2024\nSubj", 43, true},
		{"cut preamble", "garbage\nFro", 8, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(strings.NewReader(tt.data))
			readAll(t, r)
			off, ok := r.UnterminatedLine()
			if ok != tt.wantPart || (ok && off != tt.wantOff) {
				t.Errorf("UnterminatedLine() = (%d, %v), want (%d, %v)", off, ok, tt.wantOff, tt.wantPart)
			}
		})
	}
}

func TestReader_OffsetsAfterSeek(t *testing.T) {
	data := lines(
		"From a@example.com Mon Jan 1 00:00:00 2024",
		"Subject: one",
		"",
		"From b@example.com Mon Jan 1 00:00:01 2024",
		"Subject: two",
		"",
	)
	path := filepath.Join(t.TempDir(), "in.mbox")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	second := int64(strings.Index(data, "From b@"))
	if _, err := f.Seek(second, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	msgs := readAll(t, NewReader(f))
	if len(msgs) != 1 || msgs[0].Offset != second {
		t.Fatalf("after seek got %d messages, first offset %v; want offset %d", len(msgs), msgs, second)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(strings.NewReader("junk\nFrom a@example.com Mon Jan 1 00:00:00 2024\n"), 1024); err != nil {
		t.Errorf("Validate(mbox) = %v", err)
	}
	if err := Validate(strings.NewReader("Subject: not an mbox\n\nbody\n"), 1024); err == nil {
		t.Error("Validate(plain message) succeeded, want error")
	}
	if err := Validate(strings.NewReader(""), 0); err == nil {
		t.Error("Validate with maxBytes 0 succeeded, want error")
	}
}
