package chunkstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"
)

// ErrMalformed is returned by Decode when the envelope is too short or
// carries an unrecognized magic.
var ErrMalformed = errors.New("chunkstore: malformed chunk envelope")

// ErrChecksumMismatch is returned by Decode when an unencrypted envelope's
// CRC32 doesn't match its payload — on-disk bit rot (spec.md §1).
var ErrChecksumMismatch = errors.New("chunkstore: checksum mismatch")

// ErrBadAuthenticator is returned by Encode when an encrypted mode is
// requested without a 32-byte authenticator.
var ErrBadAuthenticator = errors.New("chunkstore: authenticator must be 32 bytes")

const magicLen = 16
const authenticatorLen = 32

// Mode selects one of the four chunk envelope shapes spec.md §6 names.
type Mode byte

const (
	ModeUncompressed Mode = iota
	ModeCompressed
	ModeEncrypted
	ModeEncryptedCompressed
)

func (m Mode) String() string {
	switch m {
	case ModeUncompressed:
		return "uncompressed"
	case ModeCompressed:
		return "compressed"
	case ModeEncrypted:
		return "encrypted"
	case ModeEncryptedCompressed:
		return "encrypted-compressed"
	default:
		return "unknown"
	}
}

var magics = map[Mode][magicLen]byte{
	ModeUncompressed:        {'P', 'B', 'S', 'C', 'h', 'u', 'n', 'k', '0', '0', 0, 0, 0, 0, 0, 0},
	ModeCompressed:          {'P', 'B', 'S', 'C', 'h', 'u', 'n', 'k', '0', '1', 0, 0, 0, 0, 0, 0},
	ModeEncrypted:           {'P', 'B', 'S', 'C', 'h', 'u', 'n', 'k', '0', '2', 0, 0, 0, 0, 0, 0},
	ModeEncryptedCompressed: {'P', 'B', 'S', 'C', 'h', 'u', 'n', 'k', '0', '3', 0, 0, 0, 0, 0, 0},
}

func modeFromMagic(magic []byte) (Mode, bool) {
	for mode, m := range magics {
		if string(m[:]) == string(magic) {
			return mode, true
		}
	}
	return 0, false
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Encode assembles the on-disk chunk envelope for mode.
//
// For ModeUncompressed, payload is the raw chunk content; the envelope is
// magic + crc32(payload) + payload.
//
// For ModeCompressed, payload is the raw chunk content; it is zstd-
// compressed here, and the CRC32 covers the compressed bytes.
//
// For ModeEncrypted and ModeEncryptedCompressed, payload is assumed
// already transformed by the caller (encryption key handling is out of
// scope for this package, see DESIGN.md) — payload is stored verbatim
// followed by the 32-byte authenticator, with no CRC32 (the authenticator
// already covers integrity).
func Encode(mode Mode, payload []byte, authenticator []byte) ([]byte, error) {
	magic := magics[mode]

	switch mode {
	case ModeUncompressed:
		return encodeChecksummed(magic, payload), nil

	case ModeCompressed:
		compressed := zstdEncoder.EncodeAll(payload, nil)
		return encodeChecksummed(magic, compressed), nil

	case ModeEncrypted, ModeEncryptedCompressed:
		if len(authenticator) != authenticatorLen {
			return nil, ErrBadAuthenticator
		}
		buf := make([]byte, magicLen+len(payload)+authenticatorLen)
		copy(buf[:magicLen], magic[:])
		copy(buf[magicLen:magicLen+len(payload)], payload)
		copy(buf[magicLen+len(payload):], authenticator)
		return buf, nil

	default:
		return nil, fmt.Errorf("chunkstore: unknown mode %d", mode)
	}
}

func encodeChecksummed(magic [magicLen]byte, body []byte) []byte {
	buf := make([]byte, magicLen+4+len(body))
	copy(buf[:magicLen], magic[:])
	binary.LittleEndian.PutUint32(buf[magicLen:magicLen+4], crc32.ChecksumIEEE(body))
	copy(buf[magicLen+4:], body)
	return buf
}

// Decode splits an on-disk envelope into its mode and stored payload.
//
// For ModeUncompressed the returned payload is the original chunk content.
// For ModeCompressed the returned payload is still zstd-compressed; call
// Decompress to recover the original content. For the encrypted modes the
// payload is ciphertext (still compressed, for ModeEncryptedCompressed)
// and authenticator is the trailing 32 bytes.
func Decode(data []byte) (mode Mode, payload []byte, authenticator []byte, err error) {
	if len(data) < magicLen {
		return 0, nil, nil, ErrMalformed
	}
	mode, ok := modeFromMagic(data[:magicLen])
	if !ok {
		return 0, nil, nil, ErrMalformed
	}
	rest := data[magicLen:]

	switch mode {
	case ModeUncompressed, ModeCompressed:
		if len(rest) < 4 {
			return 0, nil, nil, ErrMalformed
		}
		wantCRC := binary.LittleEndian.Uint32(rest[:4])
		body := rest[4:]
		if crc32.ChecksumIEEE(body) != wantCRC {
			return 0, nil, nil, ErrChecksumMismatch
		}
		return mode, body, nil, nil

	case ModeEncrypted, ModeEncryptedCompressed:
		if len(rest) < authenticatorLen {
			return 0, nil, nil, ErrMalformed
		}
		split := len(rest) - authenticatorLen
		return mode, rest[:split], rest[split:], nil

	default:
		return 0, nil, nil, ErrMalformed
	}
}

// Decompress reverses the zstd compression Encode applies for
// ModeCompressed. Calling it on a payload from any other mode is a caller
// error.
func Decompress(compressed []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: decompress: %w", err)
	}
	return out, nil
}
