// Package dictcache parses signal-dictionary text files once, keeps them
// available to the decoder keyed by source path, and serves decoder lookups
// and frame decoding against the cached, immutable dictionary.
/*
 * Copyright (c) 2026 Abyteon. All rights reserved.
 */
package dictcache

// ByteOrder names a signal's bit-layout convention.
type ByteOrder int

const (
	LittleEndian ByteOrder = iota // Intel
	BigEndian                    // Motorola
)

// Enum maps a signal's raw integer values to human labels.
type Enum map[int64]string

// SignalDescriptor describes one bit-field within a message's payload.
type SignalDescriptor struct {
	Name       string
	StartBit   int
	Length     int
	Order      ByteOrder
	Signed     bool
	Factor     float64
	Offset     float64
	Unit       string
	Enum       Enum // nil if none
}

// MessageDescriptor describes one CAN message id's expected payload shape
// and the ordered list of signals packed into it.
type MessageDescriptor struct {
	ID            uint32
	Name          string
	ExpectedBytes int
	Signals       []SignalDescriptor
}

// SignalDictionary is an immutable, reference-counted decoding table keyed
// by message id. Decoding never mutates a dictionary; it is safe to share
// across goroutines once published.
type SignalDictionary struct {
	messages map[uint32]*MessageDescriptor
}

// Lookup returns the message descriptor for id, if present.
func (d *SignalDictionary) Lookup(id uint32) (*MessageDescriptor, bool) {
	m, ok := d.messages[id]
	return m, ok
}

// Len reports how many messages the dictionary holds.
func (d *SignalDictionary) Len() int { return len(d.messages) }

func newDictionary(msgs map[uint32]*MessageDescriptor) *SignalDictionary {
	return &SignalDictionary{messages: msgs}
}

// DecodedRow is one decoded signal sample: the unit of column-store output.
type DecodedRow struct {
	Timestamp     uint64
	MessageID     uint32
	SignalName    string
	Raw           int64
	Physical      float64
	Unit          string
	Label         string
	HasLabel      bool
}

// Frame is the minimal view of a CAN frame dictcache.DecodeFrame needs; it
// mirrors streamdecoder.Frame's shape without importing that package (kept
// decoupled so dictcache has no dependency on the decoder's framing types).
type Frame struct {
	ID        uint32
	Extended  bool
	DLC       uint8
	Remote    bool
	Timestamp uint64
	Payload   [8]byte
}
