package astm

// ASTM E1381 low-level framing: [ENQ] STX FN text ETB|ETX C1 C2 CR LF ... EOT

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	ENQ = 0x05
	ACK = 0x06
	NAK = 0x15
	EOT = 0x04
	STX = 0x02
	ETX = 0x03
	ETB = 0x17
	CR  = 0x0d
	LF  = 0x0a

	// MAX_FRAME_TEXT is the largest text payload of a single frame.
	MAX_FRAME_TEXT = 240
)

var (
	ErrFrameInvalidHeader  = errors.New("astm: invalid frame header")
	ErrFrameChecksum       = errors.New("astm: frame checksum mismatch")
	ErrFrameMissingTrailer = errors.New("astm: missing frame trailer")
	// ErrEndOfTransmission is returned by ReadFrame when it reads EOT.
	ErrEndOfTransmission = errors.New("astm: end of transmission")
)

// Frame is one decoded low-level frame.
type Frame struct {
	Number byte
	Text   []byte
	// Final is false for ETB frames, whose record continues in the next
	// frame.
	Final bool
}

type (
	Reader struct {
		b   *bufio.Reader
		ack io.Writer
	}

	Writer struct {
		w io.Writer
	}

	// ReadWriter acknowledges ENQ and every frame it reads, as a receiving
	// host does on a serial link.
	ReadWriter struct {
		*Reader
		*Writer
	}
)

// Checksum is the modulo 256 sum of the frame number, text and terminator,
// as two upper case hex digits.
func Checksum(fn byte, text []byte, term byte) [2]byte {
	sum := fn + term
	for _, c := range text {
		sum += c
	}
	const hex = "0123456789ABCDEF"
	return [2]byte{hex[sum>>4], hex[sum&0x0f]}
}

func NewReader(r io.Reader) *Reader {
	return &Reader{b: bufio.NewReader(r)}
}

func (r *Reader) acknowledge(c byte) error {
	if r.ack == nil {
		return nil
	}
	if _, err := r.ack.Write([]byte{c}); err != nil {
		return fmt.Errorf("writing %02x: %w", c, err)
	}
	return nil
}

// awaitFrame consumes bytes up to and including the next STX.
func (r *Reader) awaitFrame(strict bool) error {
	for {
		c, err := r.b.ReadByte()
		if err != nil {
			return err
		}

		switch c {
		case STX:
			return nil
		case ENQ:
			if err := r.acknowledge(ACK); err != nil {
				return err
			}
		case EOT:
			return ErrEndOfTransmission
		default:
			if strict {
				return fmt.Errorf("%w: expected %02x; got %02x", ErrFrameInvalidHeader, STX, c)
			}
		}
	}
}

// skipTrailer drops whatever checksum and line ending follow a frame,
// stopping early at the start of the next frame.
func (r *Reader) skipTrailer() {
	for i := 0; i < 4; i++ {
		b, err := r.b.Peek(1)
		if err != nil {
			return
		}
		switch b[0] {
		case STX, EOT, ENQ:
			return
		}
		c, _ := r.b.ReadByte()
		if c == LF {
			return
		}
	}
}

// ReadFrame reads the next frame. ENQ is skipped (and acknowledged by a
// ReadWriter). In strict mode anything other than STX before a frame, a bad
// checksum or a missing CR LF trailer is an error; otherwise junk before STX
// is discarded, the trailer is not checked, EOT inside a frame aborts it and
// STX restarts it.
func (r *Reader) ReadFrame(strict bool) (Frame, error) {
	if err := r.awaitFrame(strict); err != nil {
		return Frame{}, err
	}

	var d []byte
	for {
		c, err := r.b.ReadByte()
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrFrameMissingTrailer, err)
		}
		if !strict {
			switch c {
			case EOT:
				// sender aborted the frame
				return Frame{}, ErrEndOfTransmission
			case STX:
				d = d[:0]
				continue
			}
		}
		d = append(d, c)
		if c == ETX || c == ETB {
			break
		}
	}
	if len(d) < 2 {
		return Frame{}, fmt.Errorf("%w: frame has no frame number", ErrFrameInvalidHeader)
	}

	term := d[len(d)-1]
	f := Frame{Number: d[0], Text: d[1 : len(d)-1], Final: term == ETX}

	if !strict {
		r.skipTrailer()
		return f, r.acknowledge(ACK)
	}

	trailer := make([]byte, 4)
	if _, err := io.ReadFull(r.b, trailer); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrFrameMissingTrailer, err)
	}

	if want := Checksum(f.Number, f.Text, term); !bytes.Equal(trailer[:2], want[:]) {
		if err := r.acknowledge(NAK); err != nil {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("%w: expected %s; got %s", ErrFrameChecksum, want[:], trailer[:2])
	}
	if trailer[2] != CR || trailer[3] != LF {
		return Frame{}, fmt.Errorf("%w: expected %02x %02x; got %02x %02x", ErrFrameMissingTrailer, CR, LF, trailer[2], trailer[3])
	}

	return f, r.acknowledge(ACK)
}

// ReadTransmission reads frames up to EOT and returns their joined text,
// ready for Parse. A ReadWriter that rejects a frame for its checksum waits
// for the sender to repeat it. Reaching the end of input before EOT is an
// error in strict mode only.
func (r *Reader) ReadTransmission(strict bool) ([]byte, error) {
	var buf bytes.Buffer
	for {
		f, err := r.ReadFrame(strict)
		switch {
		case err == nil:
			buf.Write(f.Text)
			if f.Final && !bytes.HasSuffix(f.Text, []byte{CR}) {
				buf.WriteByte(CR)
			}
		case errors.Is(err, ErrEndOfTransmission):
			return buf.Bytes(), nil
		case errors.Is(err, ErrFrameChecksum) && r.ack != nil:
			continue
		case errors.Is(err, io.EOF) && (!strict || buf.Len() == 0):
			if buf.Len() == 0 {
				return nil, io.EOF
			}
			return buf.Bytes(), nil
		default:
			return buf.Bytes(), err
		}
	}
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w}
}

// WriteFrame writes one frame with its checksum and trailer. fn is reduced
// modulo 8.
func (w *Writer) WriteFrame(fn int, text []byte, final bool) error {
	term := byte(ETB)
	if final {
		term = ETX
	}
	num := byte('0' + fn%8)
	sum := Checksum(num, text, term)

	b := make([]byte, 0, len(text)+7)
	b = append(b, STX, num)
	b = append(b, text...)
	b = append(b, term, sum[0], sum[1], CR, LF)

	for len(b) > 0 {
		n, err := w.w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// WriteTransmission writes ENQ, one or more frames per record and EOT.
// Records longer than MAX_FRAME_TEXT are split across ETB frames.
func (w *Writer) WriteTransmission(records []string) error {
	if _, err := w.w.Write([]byte{ENQ}); err != nil {
		return err
	}

	fn := 1
	for _, rec := range records {
		text := append([]byte(rec), CR)
		for len(text) > 0 {
			n := len(text)
			if n > MAX_FRAME_TEXT {
				n = MAX_FRAME_TEXT
			}
			if err := w.WriteFrame(fn, text[:n], n == len(text)); err != nil {
				return err
			}
			text = text[n:]
			fn++
		}
	}

	_, err := w.w.Write([]byte{EOT})
	return err
}

func NewReadWriter(rw io.ReadWriter) *ReadWriter {
	r := NewReader(rw)
	r.ack = rw
	return &ReadWriter{r, NewWriter(rw)}
}
