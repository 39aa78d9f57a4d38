package serial

import "bytes"

// maxLineLength bounds the partial-line buffer. Output from a device that
// never sends a newline is flushed as a line once it grows past this.
const maxLineLength = 4096

// LineFramer turns arbitrary read chunks into complete lines. A line ends
// at '\n'; a trailing '\r' is stripped so "\r\n" consoles frame the same
// way as bare "\n" ones. Not safe for concurrent use.
type LineFramer struct {
	partial []byte
}

// Push appends chunk and returns every line it completed, in order.
func (f *LineFramer) Push(chunk []byte) []string {
	var lines []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			f.partial = append(f.partial, chunk...)
			break
		}
		f.partial = append(f.partial, chunk[:i]...)
		lines = append(lines, string(bytes.TrimSuffix(f.partial, []byte{'\r'})))
		f.partial = f.partial[:0]
		chunk = chunk[i+1:]
	}
	for len(f.partial) > maxLineLength {
		lines = append(lines, string(f.partial[:maxLineLength]))
		f.partial = append(f.partial[:0], f.partial[maxLineLength:]...)
	}
	return lines
}

// Pending returns the buffered bytes of the current unfinished line.
func (f *LineFramer) Pending() string {
	return string(f.partial)
}

func (f *LineFramer) Reset() {
	f.partial = f.partial[:0]
}
