package protocol

import (
	"bufio"
	"bytes"
	"io"
)

// Reader frames a byte stream into logical lines. Carriage returns are
// stripped, empty lines are skipped, and a non-empty partial line at EOF is
// still delivered. A close with nothing buffered surfaces as
// io.ErrUnexpectedEOF so callers can tell a clean close from a mid-frame one.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r in a buffered frame reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadFrame returns the next non-empty line without its newline.
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		line, err := r.br.ReadBytes('\n')
		line = trimFrame(line)
		if err != nil {
			if err == io.EOF {
				if len(line) > 0 {
					return line, nil
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func trimFrame(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	return bytes.ReplaceAll(line, []byte{'\r'}, nil)
}
