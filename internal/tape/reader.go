package tape

import (
	"errors"
	"fmt"
	"io"
)

type readerState int

const (
	stateOpened readerState = iota
	stateStreaming
	stateEod
)

// Reader implements the tape block-framing reader state machine of
// spec.md §4.H (S0 Opened -> S1 Streaming -> S2 Ending -> S3 Eod; S2 is
// collapsed into the same call that detects END_OF_STREAM, since consuming
// the file-mark is not separately observable). It holds at most one
// decoded block in memory at a time (the one-block read-ahead bound named
// in SPEC_FULL.md's supplemented features, grounded on
// original_source/pbs-tape/src/blocked_reader.rs).
//
// Once any fatal error occurs, the Reader is poisoned: every subsequent
// call returns ErrPoisoned.
type Reader struct {
	dev BlockDevice

	requireEndMarker bool
	seq              uint32
	state            readerState

	payload []byte
	pos     int

	gotEod     bool
	endMarker  bool
	incomplete bool
	poisoned   bool
}

// Open reads the first frame of dev and returns a Reader positioned to
// stream its payload. If requireEndMarker is true, a missing END_OF_STREAM
// frame at physical end-of-medium surfaces ErrTruncatedStream; otherwise
// Read simply returns 0, io.EOF once the medium is exhausted.
func Open(dev BlockDevice, requireEndMarker bool) (*Reader, error) {
	r := &Reader{dev: dev, requireEndMarker: requireEndMarker, state: stateOpened}
	if err := r.refill(r.requireEndMarker); err != nil {
		r.poisoned = true
		return nil, err
	}
	if r.gotEod && r.pos >= len(r.payload) {
		r.state = stateEod
	} else {
		r.state = stateStreaming
	}
	return r, nil
}

// refill reads and validates the next frame, updating r.payload/r.pos, or
// sets r.gotEod if the medium ended (consuming the file-mark along the
// way). checkEndMarker controls whether a missing END_OF_STREAM at the
// medium's physical end is fatal.
func (r *Reader) refill(checkEndMarker bool) error {
	buf := make([]byte, BlockSize)
	n, err := r.dev.ReadBlock(buf)
	switch {
	case errors.Is(err, ErrFileMark):
		r.gotEod = true
		if !r.endMarker && checkEndMarker {
			return fmt.Errorf("%w: no END_OF_STREAM frame before file mark", ErrTruncatedStream)
		}
		return nil
	case errors.Is(err, ErrEndOfMedium):
		return fmt.Errorf("%w: end of medium without file mark", ErrMalformed)
	case err != nil:
		return err
	}
	if n != BlockSize {
		return fmt.Errorf("%w: got wrong block size %d", ErrMalformed, n)
	}

	seq, flags, payload, err := decodeBlock(buf)
	if err != nil {
		return err
	}
	if seq != r.seq {
		return fmt.Errorf("%w: expected seq %d, got %d", ErrOutOfOrder, r.seq, seq)
	}
	r.seq++

	if flags&flagEndOfStream != 0 {
		r.endMarker = true
		r.incomplete = flags&flagIncomplete != 0
		if err := r.consumeFileMark(); err != nil {
			return err
		}
		r.gotEod = true
	}

	r.payload = payload
	r.pos = 0
	return nil
}

// consumeFileMark reads the unit immediately after an END_OF_STREAM frame
// and requires it to be a file-mark; any data frame there is
// ErrTrailingDataAfterEnd.
func (r *Reader) consumeFileMark() error {
	buf := make([]byte, BlockSize)
	_, err := r.dev.ReadBlock(buf)
	switch {
	case errors.Is(err, ErrFileMark):
		return nil
	case errors.Is(err, ErrEndOfMedium):
		return fmt.Errorf("%w: unexpected end of medium after stream end", ErrMalformed)
	case err != nil:
		return err
	default:
		return ErrTrailingDataAfterEnd
	}
}

// Read implements io.Reader over the framed payload stream.
func (r *Reader) Read(p []byte) (int, error) {
	if r.poisoned {
		return 0, ErrPoisoned
	}
	n, err := r.read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		r.poisoned = true
	}
	return n, err
}

func (r *Reader) read(p []byte) (int, error) {
	if r.state == stateEod {
		return 0, io.EOF
	}
	if r.pos >= len(r.payload) && !r.gotEod {
		if err := r.refill(r.requireEndMarker); err != nil {
			return 0, err
		}
	}
	if r.pos >= len(r.payload) {
		r.state = stateEod
		return 0, io.EOF
	}
	n := copy(p, r.payload[r.pos:])
	r.pos += n
	return n, nil
}

// SkipData drains the remaining stream without requiring an end marker
// (spec.md §4.H: "does not raise an error if the stream has no end
// marker"), returning the number of bytes skipped.
func (r *Reader) SkipData() (int, error) {
	if r.poisoned {
		return 0, ErrPoisoned
	}
	total := len(r.payload) - r.pos
	r.pos = len(r.payload)
	for !r.gotEod {
		if err := r.refill(false); err != nil {
			r.poisoned = true
			return total, err
		}
		total += len(r.payload) - r.pos
		r.pos = len(r.payload)
	}
	r.state = stateEod
	return total, nil
}

// IsIncomplete reports whether the stream's final frame carried the
// INCOMPLETE flag. It is only valid once EOD has been reached with an end
// marker.
func (r *Reader) IsIncomplete() (bool, error) {
	if r.poisoned {
		return false, ErrPoisoned
	}
	if !r.gotEod {
		return false, errors.New("tape: is_incomplete: EOD not reached")
	}
	if !r.endMarker {
		return false, errors.New("tape: is_incomplete: no end marker found")
	}
	return r.incomplete, nil
}

// HasEndMarker reports whether the stream terminated with an
// END_OF_STREAM frame. Only valid once EOD has been reached.
func (r *Reader) HasEndMarker() (bool, error) {
	if r.poisoned {
		return false, ErrPoisoned
	}
	if !r.gotEod {
		return false, errors.New("tape: has_end_marker: EOD not reached")
	}
	return r.endMarker, nil
}
