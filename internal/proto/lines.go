package proto

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

const MaxFrameSize = 4 << 20

var ErrFrameTooLarge = errors.New("frame too large")

// LineReader reads newline-terminated frames. A partial line survives a read
// error such as a deadline, so the caller can keep reading afterwards.
type LineReader struct {
	r       *bufio.Reader
	max     int
	pending []byte
	discard bool
}

func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = MaxFrameSize
	}
	return &LineReader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// ReadLine returns the next non-empty line without its terminator. A line
// over the limit is consumed up to its newline and reported as
// ErrFrameTooLarge; the reader stays usable for the lines after it.
func (l *LineReader) ReadLine() ([]byte, error) {
	for {
		chunk, err := l.r.ReadSlice('\n')
		if !l.discard {
			l.pending = append(l.pending, chunk...)
			if len(l.pending) > l.max+1 {
				l.pending = nil
				l.discard = true
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF && (len(l.pending) > 0 || l.discard) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if l.discard {
			l.discard = false
			return nil, ErrFrameTooLarge
		}
		line := bytes.TrimSpace(l.pending)
		l.pending = nil
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

// WriteLine writes payload and the terminator in one call.
func WriteLine(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}
