// Package mime decodes raw RFC 5322 messages into the fields mboxstream
// shows for each record. Parsing is done by enmime; a structural check of the
// header block with go-message rejects byte spans that are not messages.
package mime

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"
)

// ErrMalformed is returned by Decode when raw is not a message.
var ErrMalformed = errors.New("malformed message")

// Message is a decoded email message.
type Message struct {
	Subject     string
	Date        time.Time
	From        []Address
	To          []Address
	Cc          []Address
	MessageID   string
	BodyText    string
	BodyHTML    string
	Attachments []Attachment
	Errors      []string // non-fatal problems reported by enmime
}

// Address is an email address with an optional display name.
type Address struct {
	Name   string
	Email  string
	Domain string
}

// String formats the address as `Name <email>`, or just the email when there
// is no display name.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// Attachment describes an attachment or inline part. Content is not kept.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int
	IsInline    bool
}

// Decode parses raw into a Message. It returns an error wrapping
// ErrMalformed when the header block is structurally invalid, and enmime's
// error when the MIME structure cannot be read at all.
func Decode(raw []byte) (*Message, error) {
	if err := checkHeader(raw); err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return &Message{}, nil
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(terminateHeader(raw)))
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}

	msg := &Message{
		Subject:   env.GetHeader("Subject"),
		MessageID: strings.Trim(env.GetHeader("Message-ID"), "<>"),
		BodyText:  env.Text,
		BodyHTML:  env.HTML,
		From:      addressList(env, "From"),
		To:        addressList(env, "To"),
		Cc:        addressList(env, "Cc"),
	}
	if d := env.GetHeader("Date"); d != "" {
		msg.Date = parseDate(d)
	}

	for _, p := range env.Attachments {
		if !isBodyPart(p) {
			msg.Attachments = append(msg.Attachments, attachment(p, false))
		}
	}
	for _, p := range env.Inlines {
		if !isBodyPart(p) {
			msg.Attachments = append(msg.Attachments, attachment(p, true))
		}
	}
	for _, e := range env.Errors {
		msg.Errors = append(msg.Errors, e.Error())
	}
	return msg, nil
}

// checkHeader validates the header block: every line up to the first blank
// line must be a "Name: value" field or a folded continuation.
func checkHeader(raw []byte) error {
	_, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// terminateHeader appends a blank line to a header-only message so the
// envelope reader does not hit EOF inside the header block.
func terminateHeader(raw []byte) []byte {
	if bytes.Contains(raw, []byte("\n\n")) || bytes.Contains(raw, []byte("\r\n\r\n")) || raw[0] == '\n' {
		return raw
	}
	out := make([]byte, 0, len(raw)+2)
	out = append(out, raw...)
	if !bytes.HasSuffix(out, []byte("\n")) {
		out = append(out, '\n')
	}
	return append(out, '\n')
}

func addressList(env *enmime.Envelope, header string) []Address {
	list, err := env.AddressList(header)
	if err != nil || list == nil {
		return nil
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		if a.Address == "" {
			continue
		}
		out = append(out, Address{
			Name:   a.Name,
			Email:  strings.ToLower(a.Address),
			Domain: domainOf(a.Address),
		})
	}
	return out
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return strings.ToLower(email[i+1:])
	}
	return ""
}

// isBodyPart reports whether an enmime part is really body text: text/plain
// or text/html with no filename and no explicit attachment disposition.
func isBodyPart(p *enmime.Part) bool {
	switch baseValue(p.ContentType) {
	case "text/plain", "text/html":
	default:
		return false
	}
	return p.FileName == "" && baseValue(p.Disposition) != "attachment"
}

// baseValue lowercases a header value and drops its parameters.
func baseValue(v string) string {
	v = strings.ToLower(v)
	if i := strings.Index(v, ";"); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

func attachment(p *enmime.Part, inline bool) Attachment {
	return Attachment{
		Filename:    p.FileName,
		ContentType: p.ContentType,
		Size:        len(p.Content),
		IsInline:    inline,
	}
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 MST",
	"02 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
	time.RFC3339,
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

// parseDate parses a Date header in any of the forms seen in real mail and
// returns it in UTC, or the zero time.
func parseDate(s string) time.Time {
	s = strings.Join(strings.Fields(s), " ")
	candidates := []string{s}
	// "... -0700 (PDT)": try without the comment first.
	if i := strings.LastIndex(s, "("); i > 0 {
		candidates = []string{strings.TrimSpace(s[:i]), s}
	}
	for _, c := range candidates {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

var (
	blockTagRe  = regexp.MustCompile(`(?i)<(/?)(p|div|br|hr|h[1-6]|li|tr|td|th|blockquote|pre|table|ul|ol|dl|dt|dd)[^>]*>`)
	dropBlockRe = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
		regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`),
		regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`),
	}
	anyTagRe = regexp.MustCompile(`<[^>]*>`)
)

// StripHTML turns an HTML body into readable plain text: scripts, styles and
// the head are dropped, block elements become line breaks, entities are
// decoded and whitespace is collapsed.
func StripHTML(rawHTML string) string {
	text := rawHTML
	for _, re := range dropBlockRe {
		text = re.ReplaceAllString(text, "")
	}
	text = blockTagRe.ReplaceAllString(text, "\n")
	text = anyTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = strings.NewReplacer("\r\n", "\n", "\r", "\n", "\u00a0", " ").Replace(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	text = strings.Join(lines, "\n")
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}

// BodyPreview returns the plain text body, falling back to stripped HTML.
func (m *Message) BodyPreview() string {
	if m.BodyText != "" {
		return m.BodyText
	}
	if m.BodyHTML != "" {
		return StripHTML(m.BodyHTML)
	}
	return ""
}

// FirstFrom returns the first From address, or the zero Address.
func (m *Message) FirstFrom() Address {
	if len(m.From) > 0 {
		return m.From[0]
	}
	return Address{}
}

// HasAttachments reports whether any non-body part was found.
func (m *Message) HasAttachments() bool {
	return len(m.Attachments) > 0
}

// FormatAddresses joins addresses with ", ".
func FormatAddresses(addrs []Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}
