package audit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tripwire/folderaudit/internal/source"
)

// TimestampLayout is the fixed-width, millisecond, 24-hour layout of the
// first field of every line.
const TimestampLayout = "2006-01-02 15:04:05.000"

// ErrMalformedLine is wrapped by ParseLine errors.
var ErrMalformedLine = errors.New("malformed audit line")

// Record is one accepted file event as written to the audit log.
type Record struct {
	Timestamp time.Time
	Kind      source.Kind
	Path      string
	User      string
}

// Line renders r as "<timestamp>,<kind>,<path>,<user>" without a trailing
// newline. The timestamp is in local time. Control characters and '%' in the
// path and user, and ',' in the user, are written as %XX so a record is
// always exactly one line.
func (r Record) Line() string {
	var b strings.Builder
	b.Grow(len(TimestampLayout) + len(r.Path) + len(r.User) + 12)
	b.WriteString(r.Timestamp.Local().Format(TimestampLayout))
	b.WriteByte(',')
	b.WriteString(r.Kind.String())
	b.WriteByte(',')
	escapeField(&b, r.Path, false)
	b.WriteByte(',')
	escapeField(&b, r.User, true)
	return b.String()
}

// Label renders r for the console.
func (r Record) Label() string {
	var path, user strings.Builder
	escapeField(&path, r.Path, false)
	escapeField(&user, r.User, false)
	return fmt.Sprintf("Time: %s | Event: %s | Path: %s | User: %s",
		r.Timestamp.Local().Format(TimestampLayout), r.Kind, path.String(), user.String())
}

const hexDigits = "0123456789ABCDEF"

func escapeField(b *strings.Builder, s string, comma bool) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == 0x7f || c == '%' || (comma && c == ',') {
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
			continue
		}
		b.WriteByte(c)
	}
}

func unescapeField(s string) (string, error) {
	if strings.IndexByte(s, '%') < 0 {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("%w: truncated escape", ErrMalformedLine)
		}
		hi, lo := unhex(s[i+1]), unhex(s[i+2])
		if hi < 0 || lo < 0 {
			return "", fmt.Errorf("%w: bad escape %q", ErrMalformedLine, s[i:i+3])
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}

func unhex(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'A' <= c && c <= 'F':
		return int(c-'A') + 10
	case 'a' <= c && c <= 'f':
		return int(c-'a') + 10
	}
	return -1
}

// ParseLine parses a line produced by Record.Line. Paths may contain commas:
// the timestamp and kind are the first two fields and the user is the last.
// Escaped bytes in the path and user are decoded.
func ParseLine(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")

	ts, rest, ok := strings.Cut(line, ",")
	if !ok {
		return Record{}, fmt.Errorf("%w: missing fields", ErrMalformedLine)
	}
	kindText, rest, ok := strings.Cut(rest, ",")
	if !ok {
		return Record{}, fmt.Errorf("%w: missing path", ErrMalformedLine)
	}
	i := strings.LastIndexByte(rest, ',')
	if i < 0 {
		return Record{}, fmt.Errorf("%w: missing user", ErrMalformedLine)
	}
	if i == 0 {
		return Record{}, fmt.Errorf("%w: empty path", ErrMalformedLine)
	}
	path, err := unescapeField(rest[:i])
	if err != nil {
		return Record{}, err
	}
	user, err := unescapeField(rest[i+1:])
	if err != nil {
		return Record{}, err
	}

	when, err := time.ParseInLocation(TimestampLayout, ts, time.Local)
	if err != nil {
		return Record{}, fmt.Errorf("%w: timestamp: %w", ErrMalformedLine, err)
	}
	kind, err := source.ParseKind(kindText)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrMalformedLine, err)
	}
	return Record{Timestamp: when, Kind: kind, Path: path, User: user}, nil
}
