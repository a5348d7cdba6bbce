// Package blemesh implements the chunked message codec and transport
// abstraction for nearby-node links. BLE writes are small and ordered, so
// messages are split into MTU-sized chunks with a fixed 4-byte header and
// reassembled in order on the far side. Radio I/O itself lives behind the
// Transport interface; this package never touches hardware.
package blemesh

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ============================================================================
// CHUNK FORMAT
//
// Bytes 0-1: chunk index (uint16, big-endian)
// Bytes 2-3: chunk total (uint16, big-endian)
// Bytes 4.. : payload, at most mtu-4 bytes
// ============================================================================

// HeaderSize is the fixed per-chunk header length.
const HeaderSize = 4

// MaxChunks bounds a single message to what the index field can address.
const MaxChunks = 65535

// MinMTU is the smallest usable MTU: header plus one payload byte.
const MinMTU = HeaderSize + 1

// Encode splits a message into chunks that each fit within mtu bytes.
// An empty message yields a single header-only chunk so presence is still
// signalled on the wire.
func Encode(msg []byte, mtu int) ([][]byte, error) {
	if mtu < MinMTU {
		return nil, fmt.Errorf("mtu %d below minimum %d", mtu, MinMTU)
	}

	capacity := mtu - HeaderSize
	total := (len(msg) + capacity - 1) / capacity
	if total == 0 {
		total = 1
	}
	if total > MaxChunks {
		return nil, fmt.Errorf("message needs %d chunks, max %d at mtu %d", total, MaxChunks, mtu)
	}

	chunks := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(msg) {
			end = len(msg)
		}

		chunk := make([]byte, HeaderSize+end-start)
		binary.BigEndian.PutUint16(chunk[0:2], uint16(i))
		binary.BigEndian.PutUint16(chunk[2:4], uint16(total))
		copy(chunk[HeaderSize:], msg[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// DecodeChunk splits one chunk into its header fields and payload. The
// payload aliases the input slice.
func DecodeChunk(chunk []byte) (index, total uint16, payload []byte, err error) {
	if len(chunk) < HeaderSize {
		return 0, 0, nil, fmt.Errorf("chunk too short: %d bytes (need %d)", len(chunk), HeaderSize)
	}
	index = binary.BigEndian.Uint16(chunk[0:2])
	total = binary.BigEndian.Uint16(chunk[2:4])
	if total == 0 {
		return 0, 0, nil, fmt.Errorf("chunk total is zero")
	}
	if index >= total {
		return 0, 0, nil, fmt.Errorf("chunk index %d out of range (total %d)", index, total)
	}
	return index, total, chunk[HeaderSize:], nil
}

// Reassembler rebuilds one message from in-order chunks. BLE links deliver
// writes in order within a connection, so out-of-order input means a lost
// or duplicated chunk and resets the assembly.
type Reassembler struct {
	buf   bytes.Buffer
	next  uint16
	total uint16
}

// Add feeds one chunk. Returns the complete message once the final chunk
// arrives, nil otherwise.
func (ra *Reassembler) Add(chunk []byte) ([]byte, error) {
	index, total, payload, err := DecodeChunk(chunk)
	if err != nil {
		return nil, err
	}

	if index == 0 {
		ra.buf.Reset()
		ra.next = 0
		ra.total = total
	} else if index != ra.next || total != ra.total {
		ra.buf.Reset()
		ra.next = 0
		ra.total = 0
		return nil, fmt.Errorf("chunk out of sequence: got index %d/%d", index, total)
	}

	ra.buf.Write(payload)
	ra.next++

	if ra.next == ra.total {
		msg := make([]byte, ra.buf.Len())
		copy(msg, ra.buf.Bytes())
		ra.buf.Reset()
		ra.next = 0
		ra.total = 0
		return msg, nil
	}
	return nil, nil
}

// Decode reassembles a full chunk sequence produced by Encode.
func Decode(chunks [][]byte) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no chunks")
	}
	var ra Reassembler
	for i, chunk := range chunks {
		msg, err := ra.Add(chunk)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		if msg != nil {
			if i != len(chunks)-1 {
				return nil, fmt.Errorf("message complete at chunk %d of %d", i+1, len(chunks))
			}
			return msg, nil
		}
	}
	return nil, fmt.Errorf("incomplete message after %d chunks", len(chunks))
}
