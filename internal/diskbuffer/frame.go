package diskbuffer

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Frame layout, little endian:
//
//	record_id u64 | payload_len u32 | checksum u32 | payload
const (
	FrameHeaderSize = 16

	maxFramePayload = math.MaxUint32
)

// Data file layout: a 16 byte header followed by frames.
//
//	magic u32 | version u16 | reserved u16 | file_id u64
const (
	FileHeaderSize = 16

	dataFileMagic   uint32 = 0x44425645 // "EVBD"
	dataFileVersion uint16 = 1
	dataFileSuffix         = ".blk"
)

// checksum covers the payload only. A corrupt header shows up as an
// implausible length or a payload that no longer matches.
func checksum(payload []byte) uint32 {
	return uint32(xxhash.Sum64(payload))
}

// AppendFrame appends a framed record to dst.
func AppendFrame(dst []byte, id uint64, payload []byte) []byte {
	var hdr [FrameHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], id)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[12:16], checksum(payload))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// FrameView is a validated, zero-copy view over one encoded frame. The
// accessors alias the underlying slice, which must outlive the view.
type FrameView struct {
	b []byte
}

// ParseFrame validates the frame at the start of b. Bytes past the frame
// are ignored. maxPayload bounds the declared payload length.
func ParseFrame(b []byte, maxPayload uint64) (FrameView, error) {
	if len(b) < FrameHeaderSize {
		return FrameView{}, ErrShortFrame
	}
	n := uint64(binary.LittleEndian.Uint32(b[8:12]))
	if n > maxPayload {
		return FrameView{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxPayload)
	}
	if uint64(len(b)) < FrameHeaderSize+n {
		return FrameView{}, ErrShortFrame
	}
	v := FrameView{b: b[:FrameHeaderSize+n]}
	if checksum(v.Payload()) != v.Checksum() {
		return FrameView{}, ErrChecksumMismatch
	}
	return v, nil
}

// peekPayloadLen returns the declared payload length from a frame header.
func peekPayloadLen(hdr []byte) uint64 {
	return uint64(binary.LittleEndian.Uint32(hdr[8:12]))
}

// peekRecordID returns the record id from a frame header without
// validating the frame.
func peekRecordID(hdr []byte) uint64 {
	return binary.LittleEndian.Uint64(hdr[0:8])
}

func (v FrameView) RecordID() uint64 { return binary.LittleEndian.Uint64(v.b[0:8]) }
func (v FrameView) Len() uint32      { return binary.LittleEndian.Uint32(v.b[8:12]) }
func (v FrameView) Checksum() uint32 { return binary.LittleEndian.Uint32(v.b[12:16]) }
func (v FrameView) Payload() []byte  { return v.b[FrameHeaderSize:] }

// Size is the encoded size of the frame including its header.
func (v FrameView) Size() uint64 { return uint64(len(v.b)) }

func encodeFileHeader(fileID uint64) []byte {
	b := make([]byte, FileHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], dataFileMagic)
	binary.LittleEndian.PutUint16(b[4:6], dataFileVersion)
	binary.LittleEndian.PutUint64(b[8:16], fileID)
	return b
}

func parseFileHeader(b []byte) (uint64, error) {
	if len(b) < FileHeaderSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrBadFileHeader, len(b))
	}
	if magic := binary.LittleEndian.Uint32(b[0:4]); magic != dataFileMagic {
		return 0, fmt.Errorf("%w: magic %#x", ErrBadFileHeader, magic)
	}
	if version := binary.LittleEndian.Uint16(b[4:6]); version != dataFileVersion {
		return 0, fmt.Errorf("%w: version %d", ErrBadFileHeader, version)
	}
	return binary.LittleEndian.Uint64(b[8:16]), nil
}

func dataFileName(id uint64) string {
	return fmt.Sprintf("%020d%s", id, dataFileSuffix)
}

func parseDataFileName(name string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, dataFileSuffix)
	if !ok || len(base) != 20 {
		return 0, false
	}
	id, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
