package stream

import (
	"bytes"
	"errors"
	"io"
	"iter"
)

const readBufferSize = 4 << 10

// Framer reassembles newline-terminated lines from fragments whose boundaries
// are unrelated to line boundaries. The zero value is ready to use.
type Framer struct {
	partial []byte
}

// Push consumes one fragment and returns every line it completed, in order.
// Bytes after the last newline are retained for the next call.
func (f *Framer) Push(p []byte) []string {
	var lines []string
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			f.partial = append(f.partial, p...)
			break
		}

		line := append(f.partial, p[:i]...)
		lines = append(lines, string(bytes.TrimSuffix(line, []byte{'\r'})))
		f.partial = f.partial[:0]
		p = p[i+1:]
	}
	return lines
}

// Pending returns the number of buffered bytes not yet terminated by a newline.
func (f *Framer) Pending() int {
	return len(f.partial)
}

// Reset discards any buffered partial line.
func (f *Framer) Reset() {
	f.partial = f.partial[:0]
}

// Lines reads r until EOF and yields each complete line. A partial line left
// at EOF is dropped. A read error other than EOF is yielded once and ends the
// sequence.
func Lines(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var f Framer
		buf := make([]byte, readBufferSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, line := range f.Push(buf[:n]) {
					if !yield(line, nil) {
						return
					}
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield("", err)
				}
				return
			}
		}
	}
}
