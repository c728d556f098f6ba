package car

import (
	"errors"
	"fmt"
	"io"
)

// Reader decodes a CARv1 stream: the header first, then blocks on demand.
// It never seeks and never reads past the section it is returning.
type Reader struct {
	src     *sectionReader
	header  Header
	maxSize uint64
	verify  bool
	done    bool
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithMaxSectionSize overrides DefaultMaxSectionSize.
func WithMaxSectionSize(n uint64) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxSize = n
		}
	}
}

// WithVerify makes Next re-hash every block against its CID.
func WithVerify() ReaderOption {
	return func(r *Reader) { r.verify = true }
}

// NewReader reads and decodes the header from r.
func NewReader(r io.Reader, opts ...ReaderOption) (*Reader, error) {
	cr := &Reader{
		src:     newSectionReader(r),
		maxSize: DefaultMaxSectionSize,
	}
	for _, opt := range opts {
		opt(cr)
	}

	raw, off, err := cr.src.next(cr.maxSize)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: missing header", ErrMalformed)
		}
		return nil, err
	}
	h, err := decodeHeader(raw[off:])
	if err != nil {
		return nil, err
	}
	h.Raw = raw
	cr.header = h
	return cr, nil
}

// Header returns the decoded header.
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next block, or io.EOF once the stream is exhausted.
func (r *Reader) Next() (Block, error) {
	if r.done {
		return Block{}, io.EOF
	}
	raw, off, err := r.src.next(r.maxSize)
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.done = true
		}
		return Block{}, err
	}
	b, err := parseBlock(raw, off)
	if err != nil {
		return Block{}, err
	}
	if r.verify {
		if err := b.Verify(); err != nil {
			return Block{}, err
		}
	}
	return b, nil
}

// BytesRead returns the number of source bytes consumed so far.
func (r *Reader) BytesRead() int64 {
	return r.src.count
}
