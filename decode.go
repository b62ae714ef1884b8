package astm

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

const (
	EOL_CR = '\r'
	EOL_NL = '\n'

	// LITERAL_PREFIX and LITERAL_SUFFIX wrap a line that was captured as a
	// printed byte string, e.g. b'H|\^&|||\r'.
	LITERAL_PREFIX = "b'"
	LITERAL_SUFFIX = "'"
)

// DefaultFallback decodes buffers that are not valid UTF-8. Every byte maps
// to a rune, so decoding with it cannot fail.
var DefaultFallback encoding.Encoding = charmap.ISO8859_1

// Decode turns a buffer into text. Valid UTF-8 is used as is; anything else
// is decoded with fallback, or DefaultFallback when fallback is nil. The
// second return reports whether the fallback was used.
func Decode(buf []byte, fallback encoding.Encoding) (string, bool) {
	if utf8.Valid(buf) {
		return string(buf), false
	}

	if fallback == nil {
		fallback = DefaultFallback
	}
	s, err := fallback.NewDecoder().String(string(buf))
	if err != nil {
		// Multi-byte fallbacks can reject input; replace instead of failing.
		return strings.ToValidUTF8(string(buf), string(utf8.RuneError)), true
	}
	return s, true
}

// DecodeChunks concatenates chunks in order and decodes the result.
func DecodeChunks(chunks [][]byte, fallback encoding.Encoding) (string, bool) {
	return Decode(bytes.Join(chunks, nil), fallback)
}

func isLiteralLine(line string) bool {
	return len(line) >= len(LITERAL_PREFIX)+len(LITERAL_SUFFIX) &&
		strings.HasPrefix(line, LITERAL_PREFIX) &&
		strings.HasSuffix(line, LITERAL_SUFFIX)
}

// IsLiteralForm reports whether text contains at least one line captured as
// a printed byte string rather than raw bytes.
func IsLiteralForm(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if isLiteralLine(trimLine(line)) {
			return true
		}
	}
	return false
}

// unescapeLiteral undoes the escaping of a printed byte string payload:
// \\ \r \n \t \' and \xHH. Unknown escapes are kept verbatim.
func unescapeLiteral(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}

		switch s[i+1] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte(EOL_CR)
		case 'n':
			b.WriteByte(EOL_NL)
		case 't':
			b.WriteByte('\t')
		case '\'':
			b.WriteByte('\'')
		case 'x':
			if i+3 < len(s) {
				if h, ok := hexByte(s[i+2], s[i+3]); ok {
					b.WriteByte(h)
					i += 3
					continue
				}
			}
			b.WriteString(s[i : i+2])
		default:
			b.WriteString(s[i : i+2])
		}
		i++
	}
	return b.String()
}

func hexByte(hi, lo byte) (byte, bool) {
	h, ok1 := hexNibble(hi)
	l, ok2 := hexNibble(lo)
	return h<<4 | l, ok1 && ok2
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// NormalizeLines splits decoded text into trimmed, non-empty record lines.
// Text in printed byte string form is unwrapped first; the second return
// reports whether that happened. Escaped bytes in printed payloads are
// decoded like raw input, with DefaultFallback.
func NormalizeLines(text string) ([]string, bool) {
	return normalizeLines(text, nil)
}

func normalizeLines(text string, fallback encoding.Encoding) ([]string, bool) {
	if !IsLiteralForm(text) {
		return splitLines(strings.ReplaceAll(text, string(EOL_CR), string(EOL_NL)), EOL_NL), false
	}

	var lines []string
	for _, line := range strings.Split(text, string(EOL_NL)) {
		line = trimLine(line)
		switch {
		case isLiteralLine(line):
			// \xHH escapes are raw transport bytes and need decoding
			payload, _ := Decode([]byte(unescapeLiteral(line[len(LITERAL_PREFIX):len(line)-len(LITERAL_SUFFIX)])), fallback)
			payload = strings.ReplaceAll(payload, string(EOL_NL), string(EOL_CR))
			lines = append(lines, splitLines(payload, EOL_CR)...)
		case line != "" && !strings.HasPrefix(line, LITERAL_PREFIX):
			lines = append(lines, line)
		}
	}
	return lines, true
}

// trimLine strips whitespace and stray control bytes (STX, ETX, EOT...) from
// both ends of a line.
func trimLine(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	})
}

func splitLines(s string, sep rune) []string {
	var lines []string
	for _, line := range strings.Split(s, string(sep)) {
		if line = trimLine(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
