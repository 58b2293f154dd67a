package index

import (
	"bytes"
	"encoding/binary"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"

	"pbscore/internal/digest"
	"pbscore/internal/format"
)

// FixedHeader is the decoded header of a .fidx file (spec.md §6: magic(8),
// uuid(16), ctime(8), chunk_size(8), size(8), index_csum(32), reserved).
type FixedHeader struct {
	UUID      uuid.UUID
	Ctime     time.Time
	ChunkSize uint64
	Size      uint64
	IndexCsum digest.Digest
}

// FixedWriter accumulates chunk digests for a fixed-chunk-size index and
// writes them out as a single header-then-digests file via the
// temp-then-rename idiom.
type FixedWriter struct {
	chunkSize uint64
	digests   []digest.Digest
}

// NewFixedWriter starts a fixed index for chunks of the given size (the
// final chunk of the covered image may be shorter).
func NewFixedWriter(chunkSize uint64) *FixedWriter {
	return &FixedWriter{chunkSize: chunkSize}
}

// AddChunk appends the next chunk's digest, in order.
func (w *FixedWriter) AddChunk(d digest.Digest) {
	w.digests = append(w.digests, d)
}

// Finalize writes the index to path. size is the total size in bytes of
// the image the index covers and is stored in the header as given; the
// number of digests added via AddChunk is not checked against
// ceil(size/chunk_size).
func (w *FixedWriter) Finalize(path string, size uint64) error {
	body := make([]byte, 0, len(w.digests)*digest.Size)
	for _, d := range w.digests {
		body = append(body, d[:]...)
	}
	csum := digest.Sum(body)

	hdr := make([]byte, headerSize)
	id := uuid.New()
	putHeaderCommon(hdr, fixedMagic, [16]byte(id), time.Now())
	binary.LittleEndian.PutUint64(hdr[32:40], w.chunkSize)
	binary.LittleEndian.PutUint64(hdr[40:48], size)
	copy(hdr[48:80], csum[:])

	out := make([]byte, 0, headerSize+len(body))
	out = append(out, hdr...)
	out = append(out, body...)
	return format.WriteAtomic(path, out, 0o644)
}

// FixedReader is a read-only, mmap-backed view of a .fidx file for restore.
type FixedReader struct {
	file   *os.File
	data   []byte
	Header FixedHeader
}

// OpenFixed mmaps path read-only and validates its header, including the
// index_csum over the digest array.
func OpenFixed(path string) (*FixedReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < headerSize {
		f.Close()
		return nil, ErrTruncated
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	if !bytes.Equal(data[0:8], fixedMagic[:]) {
		syscall.Munmap(data)
		f.Close()
		return nil, ErrNotFixedIndex
	}

	var id uuid.UUID
	copy(id[:], data[8:24])
	ctime := time.Unix(int64(binary.LittleEndian.Uint64(data[24:32])), 0)
	chunkSize := binary.LittleEndian.Uint64(data[32:40])
	size := binary.LittleEndian.Uint64(data[40:48])
	var csum digest.Digest
	copy(csum[:], data[48:80])

	body := data[headerSize:]
	if len(body)%digest.Size != 0 {
		syscall.Munmap(data)
		f.Close()
		return nil, ErrTruncated
	}
	if digest.Sum(body) != csum {
		syscall.Munmap(data)
		f.Close()
		return nil, ErrChecksumMismatch
	}

	return &FixedReader{
		file: f,
		data: data,
		Header: FixedHeader{
			UUID:      id,
			Ctime:     ctime,
			ChunkSize: chunkSize,
			Size:      size,
			IndexCsum: csum,
		},
	}, nil
}

// ChunkCount returns the number of digest entries in the index.
func (r *FixedReader) ChunkCount() int {
	return len(r.data[headerSize:]) / digest.Size
}

// IterChunks yields each referenced digest in order. Stops early if yield
// returns false.
func (r *FixedReader) IterChunks(yield func(digest.Digest) bool) {
	body := r.data[headerSize:]
	for i := 0; i < len(body); i += digest.Size {
		var d digest.Digest
		copy(d[:], body[i:i+digest.Size])
		if !yield(d) {
			return
		}
	}
}

// Close unmaps the file and closes its descriptor.
func (r *FixedReader) Close() error {
	var err error
	if r.data != nil {
		if e := syscall.Munmap(r.data); e != nil {
			err = e
		}
		r.data = nil
	}
	if r.file != nil {
		if e := r.file.Close(); e != nil && err == nil {
			err = e
		}
		r.file = nil
	}
	return err
}
