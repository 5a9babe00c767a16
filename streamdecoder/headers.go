// Package streamdecoder drives the per-file state machine: outer header →
// decompress → inner header → frame-group walk → frame decode → row batch
// handoff.
/*
 * Copyright (c) 2026 Abyteon. All rights reserved.
 */
package streamdecoder

import (
	"encoding/binary"

	"github.com/Abyteon/canp/internal/xerr"
)

const (
	outerHeaderSize = 36
	innerHeaderSize = 20
	groupHeaderSize = 16
	frameSize       = 24

	magic = "CANP"
)

// FileHeader is the 36-byte record at offset 0 of a capture file: magic[4],
// version[1], flags[1], reserved[26], compressed_length[4].
type FileHeader struct {
	Version          uint8
	Flags            uint8
	Reserved         [26]byte
	CompressedLength uint32
}

// ReadFileHeader parses and validates the outer header.
func ReadFileHeader(file string, b []byte) (FileHeader, error) {
	if len(b) < outerHeaderSize {
		return FileHeader{}, &xerr.TruncatedRegion{File: file, At: 0}
	}
	if string(b[0:4]) != magic {
		return FileHeader{}, &xerr.MalformedHeader{File: file, At: 0}
	}
	var h FileHeader
	h.Version = b[4]
	h.Flags = b[5]
	copy(h.Reserved[:], b[6:32])
	h.CompressedLength = binary.LittleEndian.Uint32(b[32:36])
	return h, nil
}

// InnerHeader is the 20-byte record at offset 0 of the decompressed payload.
type InnerHeader struct {
	Version           uint8
	Flags             uint8
	Reserved          [10]byte
	FrameRegionLength uint32
}

// ReadInnerHeader parses and validates the inner header.
func ReadInnerHeader(file string, b []byte) (InnerHeader, error) {
	if len(b) < innerHeaderSize {
		return InnerHeader{}, &xerr.TruncatedRegion{File: file, At: outerHeaderSize}
	}
	if string(b[0:4]) != magic {
		return InnerHeader{}, &xerr.MalformedHeader{File: file, At: outerHeaderSize}
	}
	var h InnerHeader
	h.Version = b[4]
	h.Flags = b[5]
	copy(h.Reserved[:], b[6:16])
	h.FrameRegionLength = binary.LittleEndian.Uint32(b[16:20])
	return h, nil
}

// GroupHeader is the 16-byte record preceding a frame group's packed frames.
type GroupHeader struct {
	GroupLength uint32
	Reserved    [12]byte
}

// ReadGroupHeader parses one group header at the start of b; off is the
// position reported in a TruncatedRegion error and is not otherwise used.
func ReadGroupHeader(file string, b []byte, off int64) (GroupHeader, error) {
	if len(b) < groupHeaderSize {
		return GroupHeader{}, &xerr.TruncatedRegion{File: file, At: off}
	}
	var h GroupHeader
	h.GroupLength = binary.LittleEndian.Uint32(b[0:4])
	copy(h.Reserved[:], b[4:16])
	return h, nil
}

// extendedFlag is bit 31 of a frame's id field; bits 0..28 carry the id
// itself. Capture files encode the 11-bit/29-bit distinction this way
// rather than with a separate flag byte.
const extendedFlag = uint32(1) << 31

// idMask selects bits 0..28 of a frame's id field.
const idMask = uint32(1)<<29 - 1

// Frame is one 24-byte packed CAN frame.
type Frame struct {
	ID        uint32
	Extended  bool
	DLC       uint8
	Remote    bool
	Timestamp uint64
	Payload   [8]byte
}

// ReadFrame parses one 24-byte frame record at the start of b.
func ReadFrame(file string, b []byte, off int64) (Frame, error) {
	if len(b) < frameSize {
		return Frame{}, &xerr.TruncatedRegion{File: file, At: off}
	}
	rawID := binary.LittleEndian.Uint32(b[0:4])
	var f Frame
	f.Extended = rawID&extendedFlag != 0
	f.ID = rawID & idMask
	f.DLC = b[4]
	f.Remote = b[5]&0x01 != 0
	f.Timestamp = binary.LittleEndian.Uint64(b[8:16])
	copy(f.Payload[:], b[16:24])
	return f, nil
}
