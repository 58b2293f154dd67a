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

const dynamicEntrySize = 8 + digest.Size // u64 end_offset + 32-byte digest

// DynamicHeader is the decoded header of a .didx file (spec.md §6: magic(8),
// uuid(16), ctime(8), index_csum(32), reserved).
type DynamicHeader struct {
	UUID      uuid.UUID
	Ctime     time.Time
	IndexCsum digest.Digest
}

// DynamicEntry is one variable-boundary chunk reference: the cumulative
// end offset of the chunk within the archive, and its digest.
type DynamicEntry struct {
	EndOffset uint64
	Digest    digest.Digest
}

// DynamicWriter accumulates (end_offset, digest) entries for a
// variable-chunk-boundary index.
type DynamicWriter struct {
	entries []DynamicEntry
}

// NewDynamicWriter starts an empty dynamic index.
func NewDynamicWriter() *DynamicWriter {
	return &DynamicWriter{}
}

// AddEntry appends the next chunk boundary, in order. endOffset is the
// cumulative offset within the archive where this chunk ends.
func (w *DynamicWriter) AddEntry(endOffset uint64, d digest.Digest) {
	w.entries = append(w.entries, DynamicEntry{EndOffset: endOffset, Digest: d})
}

// Finalize writes the index to path via the temp-then-rename idiom.
func (w *DynamicWriter) Finalize(path string) error {
	body := make([]byte, 0, len(w.entries)*dynamicEntrySize)
	for _, e := range w.entries {
		var buf [dynamicEntrySize]byte
		binary.LittleEndian.PutUint64(buf[0:8], e.EndOffset)
		copy(buf[8:], e.Digest[:])
		body = append(body, buf[:]...)
	}
	csum := digest.Sum(body)

	hdr := make([]byte, headerSize)
	id := uuid.New()
	putHeaderCommon(hdr, dynamicMagic, [16]byte(id), time.Now())
	copy(hdr[32:64], csum[:])

	out := make([]byte, 0, headerSize+len(body))
	out = append(out, hdr...)
	out = append(out, body...)
	return format.WriteAtomic(path, out, 0o644)
}

// DynamicReader is a read-only, mmap-backed view of a .didx file.
type DynamicReader struct {
	file   *os.File
	data   []byte
	Header DynamicHeader
}

// OpenDynamic mmaps path read-only and validates its header and index
// checksum.
func OpenDynamic(path string) (*DynamicReader, error) {
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

	if !bytes.Equal(data[0:8], dynamicMagic[:]) {
		syscall.Munmap(data)
		f.Close()
		return nil, ErrNotDynamicIndex
	}

	var id uuid.UUID
	copy(id[:], data[8:24])
	ctime := time.Unix(int64(binary.LittleEndian.Uint64(data[24:32])), 0)
	var csum digest.Digest
	copy(csum[:], data[32:64])

	body := data[headerSize:]
	if len(body)%dynamicEntrySize != 0 {
		syscall.Munmap(data)
		f.Close()
		return nil, ErrTruncated
	}
	if digest.Sum(body) != csum {
		syscall.Munmap(data)
		f.Close()
		return nil, ErrChecksumMismatch
	}

	return &DynamicReader{
		file: f,
		data: data,
		Header: DynamicHeader{
			UUID:      id,
			Ctime:     ctime,
			IndexCsum: csum,
		},
	}, nil
}

// EntryCount returns the number of (end_offset, digest) entries.
func (r *DynamicReader) EntryCount() int {
	return len(r.data[headerSize:]) / dynamicEntrySize
}

// IterEntries yields each entry in order. Stops early if yield returns
// false.
func (r *DynamicReader) IterEntries(yield func(DynamicEntry) bool) {
	body := r.data[headerSize:]
	for i := 0; i < len(body); i += dynamicEntrySize {
		raw := body[i : i+dynamicEntrySize]
		var e DynamicEntry
		e.EndOffset = binary.LittleEndian.Uint64(raw[0:8])
		copy(e.Digest[:], raw[8:])
		if !yield(e) {
			return
		}
	}
}

// IterChunks yields each referenced digest in order (duplicates included),
// matching FixedReader's signature so both satisfy a common "chunk
// iterator" shape for callers like MostUsedChunks.
func (r *DynamicReader) IterChunks(yield func(digest.Digest) bool) {
	r.IterEntries(func(e DynamicEntry) bool {
		return yield(e.Digest)
	})
}

// Close unmaps the file and closes its descriptor.
func (r *DynamicReader) Close() error {
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
