package astm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/encoding/charmap"
)

func TestDecodeUTF8(t *testing.T) {
	a := assert.New(t)

	s, fellBack := Decode([]byte("P|1||||Müller"), nil)
	a.False(fellBack)
	a.Equal("P|1||||Müller", s)
}

func TestDecodeFallback(t *testing.T) {
	a := assert.New(t)

	s, fellBack := Decode([]byte("P|1||||M\xfcller"), nil)
	a.True(fellBack)
	a.Equal("P|1||||Müller", s)

	s, fellBack = Decode([]byte("R|1|^^^^X|\x80"), charmap.Windows1252)
	a.True(fellBack)
	a.Equal("R|1|^^^^X|€", s)
}

func TestDecodeChunks(t *testing.T) {
	a := assert.New(t)

	s, _ := DecodeChunks([][]byte{[]byte("H|\\^&\r"), []byte("L|1|N\r")}, nil)
	a.Equal("H|\\^&\rL|1|N\r", s)
}

func TestNormalizeLinesRaw(t *testing.T) {
	a := assert.New(t)

	lines, literal := NormalizeLines("H|\\^&\r\nP|1\r  \rO|1|3616340\n\nL|1|N\r")
	a.False(literal)
	a.Equal([]string{"H|\\^&", "P|1", "O|1|3616340", "L|1|N"}, lines)
}

func TestNormalizeLinesControlBytes(t *testing.T) {
	a := assert.New(t)

	lines, _ := NormalizeLines("\x05\x02H|\\^&\r\x03\nL|1|N\r\x04")
	a.Equal([]string{"H|\\^&", "L|1|N"}, lines)
}

func TestNormalizeLinesLiteral(t *testing.T) {
	a := assert.New(t)

	text := "b'H|\\\\^&|||Sysmex\\rP|1\\r'\n" +
		"b'O|1|^1^3616340^B\\r\\nR|1|^^^^WBC^1|5.2\\r'\n" +
		"b'\\x02L|1|N\\r\\x03'\n" +
		"b'truncated\n" +
		"C|1|plain line\n"

	lines, literal := NormalizeLines(text)
	a.True(literal)
	a.Equal([]string{
		"H|\\^&|||Sysmex",
		"P|1",
		"O|1|^1^3616340^B",
		"R|1|^^^^WBC^1|5.2",
		"L|1|N",
		"C|1|plain line",
	}, lines)
}

func TestNormalizeLinesLiteralEscapedBytes(t *testing.T) {
	a := assert.New(t)

	text := "b'P|1|PT-001|||M\\xfcller\\r'\nb'C|1|\\x80 EUR\\r'\n"

	lines, _ := NormalizeLines(text)
	a.Equal([]string{"P|1|PT-001|||Müller", "C|1|\u0080 EUR"}, lines)

	lines, _ = normalizeLines(text, charmap.Windows1252)
	a.Equal([]string{"P|1|PT-001|||Müller", "C|1|€ EUR"}, lines)

	// already valid UTF-8 after unescaping is left alone
	lines, _ = NormalizeLines("b'P|1|PT-001|||M\\xc3\\xbcller\\r'\n")
	a.Equal([]string{"P|1|PT-001|||Müller"}, lines)
}

func TestIsLiteralForm(t *testing.T) {
	a := assert.New(t)

	a.True(IsLiteralForm("b'H|\\r'"))
	a.False(IsLiteralForm("R|1|^^^^b'x|1"))
	a.False(IsLiteralForm("b'"))
}

func TestUnescapeLiteral(t *testing.T) {
	a := assert.New(t)

	a.Equal("a\rb\nc\\d'e\x02", unescapeLiteral(`a\rb\nc\\d\'e\x02`))
	a.Equal(`\xZZ\q`, unescapeLiteral(`\xZZ\q`))
	a.Equal(`\\r`[1:], unescapeLiteral(`\\r`))
	a.Equal(`end\`, unescapeLiteral(`end\`))
}
