package stream

import "bytes"

var (
	// jpegSOI starts a JPEG frame
	jpegSOI = []byte{0xff, 0xd8}
	// jpegEOI ends a JPEG frame
	jpegEOI = []byte{0xff, 0xd9}
)

// Scanner extracts start..end delimited frames from an arbitrarily chunked
// byte stream.
//
// Buffer policy:
//   - no start marker: keep only the last len(start)-1 bytes (a split marker)
//   - start without end: drop bytes before start, wait for more input
//   - start and end: emit start..end inclusive, continue after it
//
// The end marker is searched for only after the start marker, so a frame
// is at least len(start)+len(end) bytes.
type Scanner struct {
	start, end []byte
	maxBuffer  int
	buf        []byte
}

// NewScanner creates a JPEG SOI/EOI scanner. maxBuffer <= 0 disables the cap.
func NewScanner(maxBuffer int) *Scanner {
	return NewMarkerScanner(jpegSOI, jpegEOI, maxBuffer)
}

// NewMarkerScanner creates a scanner for arbitrary start and end markers
func NewMarkerScanner(start, end []byte, maxBuffer int) *Scanner {
	return &Scanner{start: start, end: end, maxBuffer: maxBuffer}
}

// Feed appends a chunk and returns every frame it completes, in order.
// Returned slices are owned by the caller.
//
// ErrBufferOverflow is returned (along with any frames completed before it)
// when a partial frame exceeds the cap; the buffer is reset.
func (s *Scanner) Feed(chunk []byte) ([][]byte, error) {
	s.buf = append(s.buf, chunk...)

	var frames [][]byte
	for {
		soi := bytes.Index(s.buf, s.start)
		if soi < 0 {
			// Keep a possible partial start marker
			keep := len(s.start) - 1
			if len(s.buf) > keep {
				s.buf = append(s.buf[:0], s.buf[len(s.buf)-keep:]...)
			}
			break
		}

		eoi := bytes.Index(s.buf[soi+len(s.start):], s.end)
		if eoi < 0 {
			if soi > 0 {
				s.buf = append(s.buf[:0], s.buf[soi:]...)
			}
			break
		}

		stop := soi + len(s.start) + eoi + len(s.end)
		frame := make([]byte, stop-soi)
		copy(frame, s.buf[soi:stop])
		frames = append(frames, frame)
		s.buf = append(s.buf[:0], s.buf[stop:]...)
	}

	if s.maxBuffer > 0 && len(s.buf) > s.maxBuffer {
		s.buf = s.buf[:0]
		return frames, ErrBufferOverflow
	}
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete frame
func (s *Scanner) Buffered() int {
	return len(s.buf)
}

// Reset discards buffered bytes
func (s *Scanner) Reset() {
	s.buf = s.buf[:0]
}
