package jpegtile

import (
	"errors"
	"fmt"
	"io"
)

// SpliceBuffer joins an already materialized prefix of a stream with the
// reader that continues it, and presents both as a single rewindable stream.
//
// Every byte pulled from the tail is appended to the prefix, so Rewind is
// always legal and replays exactly the bytes that were delivered before.
// A SpliceBuffer is not safe for concurrent use; Bytes may be shared once the
// buffer is no longer grown.
type SpliceBuffer struct {
	prefix  []byte
	tail    io.Reader
	cursor  int
	tailEOF bool
	tailErr error
}

// Interface to check if a reader knows its remaining length.
type readerWithLen interface {
	Len() int
}

// NewSpliceBuffer returns a SpliceBuffer that reads prefix first and then tail.
// A nil tail is treated as an empty stream.
func NewSpliceBuffer(prefix []byte, tail io.Reader) *SpliceBuffer {
	return &SpliceBuffer{
		prefix:  prefix,
		tail:    tail,
		tailEOF: tail == nil,
	}
}

// CaptureSplice reads up to n bytes of r into the prefix and keeps r as the
// tail. The cursor stays at the start of the stream.
func CaptureSplice(r io.Reader, n int) (*SpliceBuffer, error) {
	s := NewSpliceBuffer(nil, r)
	if n <= 0 {
		return s, nil
	}

	// Pre-allocate when the reader knows its length, like readAllData does.
	capacity := n
	if rl, ok := r.(readerWithLen); ok && rl.Len() < n {
		capacity = rl.Len()
	}
	s.prefix = make([]byte, 0, capacity)

	if _, err := s.Grow(n); err != nil {
		return nil, err
	}

	return s, nil
}

// Read implements [io.Reader]. It drains the prefix from the cursor, then the
// tail, and only returns short when the stream is exhausted.
func (s *SpliceBuffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n := 0
	if s.cursor < len(s.prefix) {
		n = copy(p, s.prefix[s.cursor:])
		s.cursor += n
	}

	if n < len(p) {
		m, err := s.pull(len(p) - n)
		n += copy(p[n:], s.prefix[s.cursor:s.cursor+m])
		s.cursor += m

		if err != nil {
			if n > 0 {
				return n, nil
			}

			return 0, err
		}
	}

	if n == 0 {
		return 0, io.EOF
	}

	return n, nil
}

// ReadAt implements [io.ReaderAt]. Bytes beyond the prefix are materialized
// from the tail; the read cursor is left untouched.
func (s *SpliceBuffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("splice: negative offset")
	}

	if len(p) == 0 {
		return 0, nil
	}

	end := int(off) + len(p)
	if end > len(s.prefix) {
		if _, err := s.Grow(end - len(s.prefix)); err != nil {
			return 0, err
		}
	}

	if int(off) >= len(s.prefix) {
		return 0, io.EOF
	}

	n := copy(p, s.prefix[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// TotalLength returns the length of the whole stream without moving the
// cursor. The tail length is asked for lazily; tails that cannot report it
// are materialized.
func (s *SpliceBuffer) TotalLength() (int, error) {
	if s.tailEOF {
		return len(s.prefix), nil
	}

	if rl, ok := s.tail.(readerWithLen); ok {
		return len(s.prefix) + rl.Len(), nil
	}

	if sk, ok := s.tail.(io.Seeker); ok {
		cur, err := sk.Seek(0, io.SeekCurrent)
		if err == nil {
			end, err := sk.Seek(0, io.SeekEnd)
			if err == nil {
				if _, err := sk.Seek(cur, io.SeekStart); err != nil {
					return 0, fmt.Errorf("splice: restore tail offset: %w", err)
				}

				return len(s.prefix) + int(end-cur), nil
			}
		}
	}

	if err := s.GrowAll(); err != nil {
		return 0, err
	}

	return len(s.prefix), nil
}

// Rewind moves the cursor back to the start of the stream.
func (s *SpliceBuffer) Rewind() {
	s.cursor = 0
}

// Grow appends up to n bytes of the tail to the prefix and returns how many
// were added. Reaching the end of the tail is not an error.
func (s *SpliceBuffer) Grow(n int) (int, error) {
	if n <= 0 || s.tailEOF {
		return 0, s.tailErr
	}

	old := len(s.prefix)
	if cap(s.prefix)-old < n {
		grown := make([]byte, old, old+n)
		copy(grown, s.prefix)
		s.prefix = grown
	}

	m, err := io.ReadFull(s.tail, s.prefix[old:old+n])
	s.prefix = s.prefix[:old+m]

	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		s.tailEOF = true
	default:
		s.tailEOF = true
		s.tailErr = fmt.Errorf("splice: read tail: %w", err)

		return m, s.tailErr
	}

	return m, nil
}

// GrowAll materializes the remainder of the tail into the prefix.
func (s *SpliceBuffer) GrowAll() error {
	if s.tailEOF {
		return s.tailErr
	}

	chunk := 32 * 1024
	if rl, ok := s.tail.(readerWithLen); ok && rl.Len() > 0 {
		chunk = rl.Len() + 1
	}

	for !s.tailEOF {
		if _, err := s.Grow(chunk); err != nil {
			return err
		}

		if chunk < 4<<20 {
			chunk <<= 1
		}
	}

	return nil
}

// Bytes returns the materialized prefix. The slice must not be modified.
func (s *SpliceBuffer) Bytes() []byte {
	return s.prefix
}

// Buffered returns the number of materialized bytes.
func (s *SpliceBuffer) Buffered() int {
	return len(s.prefix)
}

// Exhausted reports whether the tail has been fully materialized.
func (s *SpliceBuffer) Exhausted() bool {
	return s.tailEOF
}

// pull appends up to n tail bytes to the prefix; it returns how many bytes
// were appended. The caller reads them from s.prefix[s.cursor:].
func (s *SpliceBuffer) pull(n int) (int, error) {
	if s.tailEOF {
		if s.tailErr != nil {
			return 0, s.tailErr
		}

		return 0, io.EOF
	}

	m, err := s.Grow(n)
	if err != nil {
		return m, err
	}

	if m == 0 {
		return 0, io.EOF
	}

	return m, nil
}
