package engine

import (
	"io"

	"github.com/bamsammich/carrange/internal/car"
)

// emitter writes the retained sections. The header is held until the first
// block is emitted, or until the stream ends without one.
type emitter struct {
	w       *car.Writer
	dig     *digestWriter
	header  car.Header
	pending bool
}

func newEmitter(out io.Writer) *emitter {
	dig := newDigestWriter(out)
	return &emitter{w: car.NewWriter(dig), dig: dig}
}

func (e *emitter) holdHeader(h car.Header) {
	e.header = h
	e.pending = true
}

func (e *emitter) flushHeader() error {
	if !e.pending {
		return nil
	}
	e.pending = false
	return e.w.WriteHeader(e.header)
}

func (e *emitter) block(b car.Block) error {
	if err := e.flushHeader(); err != nil {
		return err
	}
	return e.w.WriteBlock(b)
}

func (e *emitter) written() int64 { return e.w.Written() }

func (e *emitter) digest() string { return e.dig.Digest() }
