// Package textutil cleans up decoded message text for display: charset
// repair, whitespace folding and excerpts.
package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// Ellipsis is appended to shortened text.
const Ellipsis = "..."

// fallbackEncodings are tried in order when detection is inconclusive.
// Western single-byte code pages come first since they dominate mail
// archives.
var fallbackEncodings = []encoding.Encoding{
	charmap.Windows1252,
	charmap.ISO8859_15,
	japanese.ShiftJIS,
	japanese.EUCJP,
	korean.EUCKR,
	simplifiedchinese.GBK,
	traditionalchinese.Big5,
}

// EnsureUTF8 returns s unchanged when it is valid UTF-8. Otherwise it
// guesses the charset, first with chardet and then by trying common mail
// encodings, and finally replaces whatever still does not decode.
func EnsureUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	data := []byte(s)

	// Detection is unreliable on short samples; demand less confidence
	// there since the fallbacks below are also guesses.
	minConfidence := 30
	if len(data) > 50 {
		minConfidence = 50
	}
	if res, err := chardet.NewTextDetector().DetectBest(data); err == nil && res.Confidence >= minConfidence {
		if out, ok := decodeWith(EncodingByName(res.Charset), data); ok {
			return out
		}
	}

	for _, enc := range fallbackEncodings {
		if out, ok := decodeWith(enc, data); ok {
			return out
		}
	}
	return SanitizeUTF8(s)
}

func decodeWith(enc encoding.Encoding, data []byte) (string, bool) {
	if enc == nil {
		return "", false
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil || !utf8.Valid(out) {
		return "", false
	}
	return string(out), true
}

// SanitizeUTF8 replaces each run of invalid bytes with U+FFFD.
func SanitizeUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}

// EncodingByName looks up an IANA or WHATWG charset label. It returns nil
// for unknown labels.
func EncodingByName(name string) encoding.Encoding {
	enc, err := htmlindex.Get(strings.TrimSpace(name))
	if err != nil {
		return nil
	}
	return enc
}

// Excerpt returns the first limit runes of s followed by Ellipsis, or s
// itself when it is short enough. A limit of zero or less disables it.
func Excerpt(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + Ellipsis
		}
		n++
	}
	return s
}

// CollapseSpace trims s and folds every run of whitespace, line breaks
// included, into a single space.
func CollapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// FirstLine returns the first non-empty line of s.
func FirstLine(s string) string {
	s = strings.TrimLeft(s, "\r\n")
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}
