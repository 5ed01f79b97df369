package supervisor

import (
	"bufio"
	"bytes"
	"errors"
)

// readLine reads one newline-terminated line into buf and returns it without
// the line ending. A line longer than limit is consumed to its end and
// reported as oversized instead of returned, so the next call starts on a
// fresh line.
func readLine(r *bufio.Reader, buf []byte, limit int) ([]byte, bool, error) {
	buf = buf[:0]
	oversized := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			if len(buf)+len(chunk) > limit+1 {
				oversized = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		buf = bytes.TrimSuffix(buf, []byte("\n"))
		buf = bytes.TrimSuffix(buf, []byte("\r"))
		return buf, oversized, err
	}
}
