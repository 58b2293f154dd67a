package tape

import "errors"

// ErrWriterFinished is returned by Write after Finish has been called.
var ErrWriterFinished = errors.New("tape: writer already finished")

// Writer frames a byte stream into fixed-size blocks (spec.md §4.H). It
// maintains a sequence counter starting at 0; each flushed frame carries
// the next sequence number.
type Writer struct {
	dev      BlockDevice
	seq      uint32
	buf      []byte
	finished bool
}

// NewWriter returns a Writer over dev.
func NewWriter(dev BlockDevice) *Writer {
	return &Writer{dev: dev, buf: make([]byte, 0, payloadCap)}
}

// Write buffers p, flushing full blocks to dev as the buffer fills. It
// never blocks waiting for Finish; a short final block is only emitted by
// Finish.
func (w *Writer) Write(p []byte) (int, error) {
	if w.finished {
		return 0, ErrWriterFinished
	}
	total := len(p)
	for len(p) > 0 {
		n := copy(w.buf[len(w.buf):cap(w.buf)], p)
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
		if len(w.buf) == cap(w.buf) {
			if err := w.flush(0); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

func (w *Writer) flush(flags uint8) error {
	if err := w.dev.WriteBlock(encodeBlock(w.seq, w.buf, flags)); err != nil {
		return err
	}
	w.seq++
	w.buf = w.buf[:0]
	return nil
}

// Finish flushes any buffered payload as a final frame with END_OF_STREAM
// set (and INCOMPLETE if incomplete is true), then writes the medium's
// file-mark. Finish is idempotent; subsequent Write calls fail.
func (w *Writer) Finish(incomplete bool) error {
	if w.finished {
		return nil
	}
	flags := flagEndOfStream
	if incomplete {
		flags |= flagIncomplete
	}
	if err := w.flush(flags); err != nil {
		return err
	}
	w.finished = true
	return w.dev.WriteFileMark()
}
