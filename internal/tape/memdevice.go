package tape

// MemoryDevice is an in-RAM BlockDevice emulator: a sequence of frames and
// file-marks, used to exercise Writer/Reader without a real tape drive.
type MemoryDevice struct {
	units   [][]byte // nil entry is a file-mark
	readPos int
}

// NewMemoryDevice returns an empty MemoryDevice.
func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{}
}

// WriteBlock appends a data frame.
func (d *MemoryDevice) WriteBlock(buf []byte) error {
	cp := append([]byte(nil), buf...)
	d.units = append(d.units, cp)
	return nil
}

// WriteFileMark appends a file-mark.
func (d *MemoryDevice) WriteFileMark() error {
	d.units = append(d.units, nil)
	return nil
}

// ReadBlock returns the next unit: a data frame's bytes, or ErrFileMark
// both at an explicit file-mark and once every written unit has been
// consumed (a real drive reports physical end of recorded data the same
// way it reports a file-mark; ErrEndOfMedium is reserved for backends that
// can distinguish a harder logical end-of-tape condition, which this
// in-RAM emulator never produces).
func (d *MemoryDevice) ReadBlock(buf []byte) (int, error) {
	if d.readPos >= len(d.units) {
		return 0, ErrFileMark
	}
	unit := d.units[d.readPos]
	d.readPos++
	if unit == nil {
		return 0, ErrFileMark
	}
	return copy(buf, unit), nil
}

// Rewind resets the read cursor to the start of the medium, as a tape
// rewind would.
func (d *MemoryDevice) Rewind() {
	d.readPos = 0
}

// TruncateFileMarks drops the last n written units (test helper for
// simulating a stream truncated before its end marker / file-mark).
func (d *MemoryDevice) TruncateFileMarks(n int) {
	if n > len(d.units) {
		n = len(d.units)
	}
	d.units = d.units[:len(d.units)-n]
}
