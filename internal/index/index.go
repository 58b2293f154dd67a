// Package index implements the two index file shapes spec.md §3/§6
// describes: fixed-chunk-size indexes for block devices (.fidx) and
// variable-boundary indexes for file archives (.didx). Both share a
// 4096-byte header and are read back via a read-only mmap for restore.
//
// Grounded on internal/chunk/file/mmap_reader.go's read-only
// syscall.Mmap pattern and internal/chunk/file/meta_store.go's
// header-then-rename write path.
package index

import (
	"encoding/binary"
	"errors"
	"time"
)

const headerSize = 4096

var (
	fixedMagic   = [8]byte{'P', 'B', 'S', 'F', 'I', 'D', 'X', '1'}
	dynamicMagic = [8]byte{'P', 'B', 'S', 'D', 'I', 'D', 'X', '1'}
)

// ErrNotFixedIndex, ErrNotDynamicIndex: wrong magic for the requested shape.
var (
	ErrNotFixedIndex    = errors.New("index: not a fixed index file")
	ErrNotDynamicIndex  = errors.New("index: not a dynamic index file")
	ErrTruncated        = errors.New("index: truncated index file")
	ErrChecksumMismatch = errors.New("index: index checksum mismatch")
)

func putHeaderCommon(hdr []byte, magic [8]byte, uuidBytes [16]byte, ctime time.Time) {
	copy(hdr[0:8], magic[:])
	copy(hdr[8:24], uuidBytes[:])
	binary.LittleEndian.PutUint64(hdr[24:32], uint64(ctime.Unix()))
}
