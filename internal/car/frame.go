package car

import (
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// DefaultMaxSectionSize is the largest section payload accepted by default.
// Blocks produced by common chunkers are at most 2 MiB; headers are tiny.
const DefaultMaxSectionSize = 8 * 1024 * 1024 // 8 MB

var (
	// ErrMalformed is returned for any archive whose header or section
	// framing cannot be decoded. It is fatal for the stream.
	ErrMalformed = errors.New("malformed archive")

	// ErrSectionTooLarge is returned when a section length prefix exceeds
	// the configured maximum. It always wraps ErrMalformed.
	ErrSectionTooLarge = fmt.Errorf("%w: section exceeds maximum size", ErrMalformed)
)

// sectionReader reads varint length-prefixed sections from a forward-only
// source. The length prefix is read one byte at a time and the payload with a
// single ReadFull, so nothing past the current section is ever consumed.
type sectionReader struct {
	r     io.Reader
	br    io.ByteReader
	one   [1]byte
	count int64
}

func newSectionReader(r io.Reader) *sectionReader {
	sr := &sectionReader{r: r}
	if br, ok := r.(io.ByteReader); ok {
		sr.br = br
	}
	return sr
}

func (s *sectionReader) ReadByte() (byte, error) {
	if s.br != nil {
		b, err := s.br.ReadByte()
		if err == nil {
			s.count++
		}
		return b, err
	}
	if _, err := io.ReadFull(s.r, s.one[:]); err != nil {
		return 0, err
	}
	s.count++
	return s.one[0], nil
}

// next reads one section. It returns the raw section (length prefix
// included) and the offset of the payload within it. io.EOF is returned on a
// clean end of stream or a zero-length section.
func (s *sectionReader) next(maxSize uint64) ([]byte, int, error) {
	size, err := varint.ReadUvarint(s)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		return nil, 0, fmt.Errorf("%w: section length: %w", ErrMalformed, err)
	}
	if size == 0 {
		return nil, 0, io.EOF
	}
	if size > maxSize {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrSectionTooLarge, size, maxSize)
	}

	prefix := varint.UvarintSize(size)
	raw := make([]byte, prefix+int(size))
	varint.PutUvarint(raw, size)

	n, err := io.ReadFull(s.r, raw[prefix:])
	s.count += int64(n)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: truncated section: want %d bytes, got %d", ErrMalformed, size, n)
	}
	return raw, prefix, nil
}

// appendSection frames payload as a single section appended to dst.
func appendSection(dst, payload []byte) []byte {
	dst = append(dst, varint.ToUvarint(uint64(len(payload)))...)
	return append(dst, payload...)
}
