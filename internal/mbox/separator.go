package mbox

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// separatorLayouts are the ctime-like date forms seen after the sender in
// "From <sender> <date>" lines. Weekday is optional, seconds are optional and
// the zone may sit before or after the year.
var separatorLayouts = func() []string {
	var out []string
	for _, day := range []string{"Mon Jan 2", "Jan 2"} {
		for _, clock := range []string{"15:04:05", "15:04"} {
			for _, tail := range []string{
				"2006",
				"-0700 2006", "-07:00 2006", "MST 2006",
				"2006 -0700", "2006 -07:00", "2006 MST",
			} {
				out = append(out, day+" "+clock+" "+tail)
			}
		}
	}
	return out
}()

// knownZones maps the zone abbreviations accepted by strict parsing to their
// UTC offsets in seconds.
var knownZones = map[string]int{
	"UTC": 0, "GMT": 0, "UT": 0, "Z": 0,
	"EST": -5 * 3600, "EDT": -4 * 3600,
	"CST": -6 * 3600, "CDT": -5 * 3600,
	"MST": -7 * 3600, "MDT": -6 * 3600,
	"PST": -8 * 3600, "PDT": -7 * 3600,
	"AKST": -9 * 3600, "AKDT": -8 * 3600,
	"HST": -10 * 3600,
}

// zoneOffset reports the offset for a known abbreviation. Parentheses and
// case are ignored.
func zoneOffset(tok string) (int, bool) {
	off, ok := knownZones[strings.ToUpper(strings.Trim(tok, "()"))]
	return off, ok
}

// isZoneToken reports whether tok looks like a time zone designator: a
// numeric offset or a short all-caps abbreviation.
func isZoneToken(tok string) bool {
	tok = strings.Trim(tok, "()")
	if _, ok := zoneOffset(tok); ok {
		return true
	}
	if n := len(tok); (n == 5 || n == 6) && (tok[0] == '+' || tok[0] == '-') {
		for i := 1; i < n; i++ {
			c := tok[i]
			if n == 6 && i == 3 {
				if c != ':' {
					return false
				}
				continue
			}
			if c < '0' || c > '9' {
				return false
			}
		}
		return true
	}
	if tok == "" || len(tok) > 5 {
		return false
	}
	for i := 0; i < len(tok); i++ {
		if tok[i] < 'A' || tok[i] > 'Z' {
			return false
		}
	}
	return true
}

// ParseSeparatorDate parses the date portion of an mbox separator line.
//
// It is permissive: any zone abbreviation time.Parse accepts is allowed. That
// makes it suitable for deciding whether a line is a separator, not for
// recovering an accurate timestamp. Body lines of the form
// "From <x> <date>" that were not escaped by the mbox writer are
// indistinguishable from separators.
func ParseSeparatorDate(line string) (time.Time, bool) {
	fields := strings.Fields(line)
	if len(fields) < 6 || fields[0] != "From" {
		return time.Time{}, false
	}
	for _, layout := range separatorLayouts {
		n := strings.Count(layout, " ") + 1
		if len(fields) < 2+n {
			continue
		}
		if t, err := time.Parse(layout, strings.Join(fields[2:2+n], " ")); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseSeparatorDateStrict is like ParseSeparatorDate but only accepts
// numeric offsets or abbreviations from a fixed allowlist, so an unknown
// abbreviation is never silently read as UTC.
func ParseSeparatorDateStrict(line string) (time.Time, bool) {
	fields := strings.Fields(line)
	if len(fields) < 6 || fields[0] != "From" {
		return time.Time{}, false
	}
	for _, layout := range separatorLayouts {
		layoutFields := strings.Fields(layout)
		n := len(layoutFields)
		if len(fields) < 2+n {
			continue
		}
		date := append([]string(nil), fields[2:2+n]...)

		zoneIdx := -1
		for i, f := range layoutFields {
			if f == "MST" {
				zoneIdx = i
			}
		}
		hasZone := zoneIdx >= 0 || strings.Contains(layout, "-07")
		if !hasZone && len(fields) > 2+n && isZoneToken(fields[2+n]) {
			// A trailing zone belongs to a longer layout.
			continue
		}

		if zoneIdx < 0 {
			if t, err := time.Parse(layout, strings.Join(date, " ")); err == nil {
				return t, true
			}
			continue
		}

		off, ok := zoneOffset(date[zoneIdx])
		if !ok {
			continue
		}
		date[zoneIdx] = formatOffset(off)
		numeric := strings.Replace(layout, "MST", "-0700", 1)
		if t, err := time.Parse(numeric, strings.Join(date, " ")); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func formatOffset(seconds int) string {
	sign := '+'
	if seconds < 0 {
		sign = '-'
		seconds = -seconds
	}
	return fmt.Sprintf("%c%02d%02d", sign, seconds/3600, (seconds%3600)/60)
}

var fromPrefix = []byte("From ")

// IsSeparatorLine reports whether line (with or without its terminator) is an
// mbox "From " separator carrying a parseable date.
func IsSeparatorLine(line []byte) bool {
	if !bytes.HasPrefix(line, fromPrefix) {
		return false
	}
	_, ok := ParseSeparatorDate(string(bytes.TrimRight(line, "\r\n")))
	return ok
}
