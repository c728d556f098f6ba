package car

import (
	"fmt"
	"io"
)

// Writer writes CARv1 sections. Headers and blocks that carry their Raw
// section are written verbatim so output framing is byte-identical to input.
type Writer struct {
	w       io.Writer
	written int64
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes h.Raw, encoding the header first if Raw is empty.
func (w *Writer) WriteHeader(h Header) error {
	raw := h.Raw
	if len(raw) == 0 {
		enc, err := EncodeHeader(h.Roots...)
		if err != nil {
			return err
		}
		raw = enc.Raw
	}
	return w.write(raw, "header")
}

// WriteBlock writes b.Raw, framing CID and data first if Raw is empty.
func (w *Writer) WriteBlock(b Block) error {
	raw := b.Raw
	if len(raw) == 0 {
		raw = NewBlock(b.CID, b.Data).Raw
	}
	return w.write(raw, "block")
}

// Written returns the number of bytes written so far.
func (w *Writer) Written() int64 {
	return w.written
}

func (w *Writer) write(raw []byte, what string) error {
	n, err := w.w.Write(raw)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("write %s: %w", what, err)
	}
	return nil
}
