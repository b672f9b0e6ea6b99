// Package email builds raw messages and mbox files for tests.
package email

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Attachment is a part added with MessageBuilder.WithAttachment.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// MessageBuilder constructs RFC 5322 messages with a fluent API. Lines end
// in \n unless CRLF is called.
type MessageBuilder struct {
	from        string
	to          string
	subject     string
	date        string
	contentType string
	body        string
	extra       [][2]string
	attachments []Attachment
	boundary    string
	crlf        bool
	noSubject   bool
}

// NewMessage returns a builder with usable defaults for every header.
func NewMessage() *MessageBuilder {
	return &MessageBuilder{
		from:     "sender@example.com",
		to:       "recipient@example.com",
		date:     "Mon, 01 Jan 2024 12:00:00 +0000",
		subject:  "Test Message",
		body:     "This is a test message body.",
		boundary: "boundary123",
	}
}

func (b *MessageBuilder) From(v string) *MessageBuilder { b.from = v; return b }
func (b *MessageBuilder) To(v string) *MessageBuilder { b.to = v; return b }
func (b *MessageBuilder) Date(v string) *MessageBuilder { b.date = v; return b }
func (b *MessageBuilder) Body(v string) *MessageBuilder { b.body = v; return b }
func (b *MessageBuilder) CRLF() *MessageBuilder { b.crlf = true; return b }
func (b *MessageBuilder) NoSubject() *MessageBuilder { b.noSubject = true; return b }
func (b *MessageBuilder) ContentType(v string) *MessageBuilder {
	b.contentType = v
	return b
}

// Subject sets the Subject header and undoes NoSubject.
func (b *MessageBuilder) Subject(v string) *MessageBuilder {
	b.subject = v
	b.noSubject = false
	return b
}

// Header appends an arbitrary header field.
func (b *MessageBuilder) Header(key, value string) *MessageBuilder {
	b.extra = append(b.extra, [2]string{key, value})
	return b
}

// WithAttachment turns the message into multipart/mixed with an extra part.
func (b *MessageBuilder) WithAttachment(filename, contentType string, data []byte) *MessageBuilder {
	b.attachments = append(b.attachments, Attachment{Filename: filename, ContentType: contentType, Data: data})
	return b
}

// Bytes renders the message.
func (b *MessageBuilder) Bytes() []byte {
	nl := "\n"
	if b.crlf {
		nl = "\r\n"
	}
	var s strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&s, format, args...)
		s.WriteString(nl)
	}

	line("From: %s", b.from)
	line("To: %s", b.to)
	if !b.noSubject {
		line("Subject: %s", b.subject)
	}
	if b.date != "" {
		line("Date: %s", b.date)
	}
	for _, kv := range b.extra {
		line("%s: %s", kv[0], kv[1])
	}

	if len(b.attachments) == 0 {
		ct := b.contentType
		if ct == "" {
			ct = `text/plain; charset="utf-8"`
		}
		line("Content-Type: %s", ct)
		line("")
		line("%s", b.body)
		return []byte(s.String())
	}

	line("MIME-Version: 1.0")
	line("Content-Type: multipart/mixed; boundary=%q", b.boundary)
	line("")
	line("--%s", b.boundary)
	line(`Content-Type: text/plain; charset="utf-8"`)
	line("")
	line("%s", b.body)
	for _, att := range b.attachments {
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		line("--%s", b.boundary)
		line("Content-Type: %s; name=%q", ct, att.Filename)
		line("Content-Disposition: attachment; filename=%q", att.Filename)
		line("Content-Transfer-Encoding: base64")
		line("")
		line("%s", base64.StdEncoding.EncodeToString(att.Data))
	}
	line("--%s--", b.boundary)
	return []byte(s.String())
}
