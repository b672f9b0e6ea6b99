package email

import (
	"bytes"
	"fmt"
	"regexp"
	"time"
)

// Mbox assembles an mboxrd file: a separator line before each message, body
// lines matching ^>*From escaped with one more '>', and a blank line after
// each message.
type Mbox struct {
	buf     bytes.Buffer
	offsets []int
	when    time.Time
}

// NewMbox returns an empty mailbox whose separator dates start at
// 2024-01-01 00:00:00 UTC and advance one second per message.
func NewMbox() *Mbox {
	return &Mbox{when: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

var fromLineRe = regexp.MustCompile(`(?m)^(>*From )`)

// Add appends raw under a separator naming sender.
func (m *Mbox) Add(sender string, raw []byte) *Mbox {
	m.offsets = append(m.offsets, m.buf.Len())
	fmt.Fprintf(&m.buf, "From %s %s\n", sender, m.when.Format("Mon Jan _2 15:04:05 2006"))
	m.when = m.when.Add(time.Second)
	m.buf.Write(fromLineRe.ReplaceAll(raw, []byte(">$1")))
	if !bytes.HasSuffix(raw, []byte("\n")) {
		m.buf.WriteByte('\n')
	}
	m.buf.WriteByte('\n')
	return m
}

// AddMessage appends a builder-produced message sent by sender@example.com.
func (m *Mbox) AddMessage(b *MessageBuilder) *Mbox {
	return m.Add("sender@example.com", b.Bytes())
}

// AddRaw appends bytes verbatim, with no separator or escaping.
func (m *Mbox) AddRaw(data []byte) *Mbox {
	m.buf.Write(data)
	return m
}

// Offsets returns the byte offset of each separator written by Add.
func (m *Mbox) Offsets() []int {
	return append([]int(nil), m.offsets...)
}

// Bytes returns the mailbox contents.
func (m *Mbox) Bytes() []byte {
	return append([]byte(nil), m.buf.Bytes()...)
}

// Len returns the current size in bytes.
func (m *Mbox) Len() int {
	return m.buf.Len()
}
