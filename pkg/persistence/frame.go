package persistence

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Constants for the revision log binary format.
const (
	// MagicByte marks the start of a frame.
	MagicByte = 0xA5

	// HeaderSize is 1 byte (Magic) + 1 byte (OpCode) + 4 bytes (Length) + 4 bytes (CRC32).
	HeaderSize = 10

	// OpCodeRevision frames carry one msgpack-encoded revision record.
	OpCodeRevision = 0x01
)

var (
	// ErrInvalidMagic indicates the log lost synchronization or is not a revision log.
	ErrInvalidMagic = errors.New("invalid magic byte")
	// ErrChecksumMismatch indicates a corrupted frame payload.
	ErrChecksumMismatch = errors.New("crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the log ends in the middle of a frame,
	// typically after a crash during a write.
	ErrIncompleteFrame = errors.New("incomplete frame")
	// ErrUnknownOpCode indicates a frame written by a newer format.
	ErrUnknownOpCode = errors.New("unknown frame opcode")
)

// FrameWriter writes checksummed frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes [Magic(1)][OpCode(1)][Length(4)][CRC(4)][Payload(N)]
// with a single Write call.
func (fw *FrameWriter) WriteFrame(op byte, payload []byte) error {
	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = MagicByte
	frame[1] = op
	binary.LittleEndian.PutUint32(frame[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[6:10], crc32.ChecksumIEEE(payload))
	copy(frame[HeaderSize:], payload)

	_, err := fw.w.Write(frame)
	return err
}

// ReadFrame reads the next frame from r and verifies it. It returns io.EOF
// only at a clean frame boundary.
func ReadFrame(r io.Reader) (op byte, payload []byte, err error) {
	// 1. Header
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, ErrIncompleteFrame
	}

	// 2. Magic
	if header[0] != MagicByte {
		return 0, nil, ErrInvalidMagic
	}
	op = header[1]

	length := binary.LittleEndian.Uint32(header[2:6])
	expectedCRC := binary.LittleEndian.Uint32(header[6:10])

	// 3. Payload, checked against the header CRC
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, ErrIncompleteFrame
	}
	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return 0, nil, ErrChecksumMismatch
	}
	return op, payload, nil
}
