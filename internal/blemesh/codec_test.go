package blemesh

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, mtu := range []int{128, 512, 4096} {
		capacity := mtu - HeaderSize
		for _, length := range []int{0, 1, capacity, mtu, 2 * mtu, 10 * mtu} {
			t.Run(fmt.Sprintf("mtu=%d/len=%d", mtu, length), func(t *testing.T) {
				msg := make([]byte, length)
				rand.New(rand.NewSource(int64(mtu + length))).Read(msg)

				chunks, err := Encode(msg, mtu)
				require.NoError(t, err)

				for _, chunk := range chunks {
					assert.LessOrEqual(t, len(chunk), mtu)
				}

				decoded, err := Decode(chunks)
				require.NoError(t, err)
				assert.Equal(t, msg, decoded)
			})
		}
	}
}

func TestEncodeEmptyMessageIsSingleChunk(t *testing.T) {
	chunks, err := Encode(nil, 128)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	index, total, payload, err := DecodeChunk(chunks[0])
	require.NoError(t, err)
	assert.Equal(t, uint16(0), index)
	assert.Equal(t, uint16(1), total)
	assert.Empty(t, payload)
}

func TestEncodeChunkCount(t *testing.T) {
	mtu := 128
	capacity := mtu - HeaderSize

	chunks, err := Encode(make([]byte, capacity), mtu)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)

	chunks, err = Encode(make([]byte, capacity+1), mtu)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
}

func TestEncodeRejectsTinyMTU(t *testing.T) {
	_, err := Encode([]byte("x"), HeaderSize)
	assert.Error(t, err)
}

func TestEncodeRejectsOversizedMessage(t *testing.T) {
	// 5-byte MTU leaves 1 payload byte per chunk; 65536 bytes exceeds the index space.
	_, err := Encode(make([]byte, MaxChunks+1), MinMTU)
	assert.Error(t, err)
}

func TestDecodeChunkRejectsMalformed(t *testing.T) {
	_, _, _, err := DecodeChunk([]byte{0x00})
	assert.Error(t, err)

	// total == 0
	_, _, _, err = DecodeChunk([]byte{0x00, 0x00, 0x00, 0x00})
	assert.Error(t, err)

	// index >= total
	_, _, _, err = DecodeChunk([]byte{0x00, 0x02, 0x00, 0x02})
	assert.Error(t, err)
}

func TestReassemblerResetsOnSequenceBreak(t *testing.T) {
	msg := make([]byte, 300)
	for i := range msg {
		msg[i] = byte(i)
	}
	chunks, err := Encode(msg, 128)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	var ra Reassembler
	_, err = ra.Add(chunks[0])
	require.NoError(t, err)

	// Skip chunk 1: sequence break.
	_, err = ra.Add(chunks[2])
	require.Error(t, err)

	// A fresh sequence still decodes after the reset.
	for i, chunk := range chunks {
		out, err := ra.Add(chunk)
		require.NoError(t, err)
		if i < len(chunks)-1 {
			assert.Nil(t, out)
		} else {
			assert.Equal(t, msg, out)
		}
	}
}

func TestMessengerOverLoopback(t *testing.T) {
	ta, tb := NewLoopbackPair("node-a", "node-b", 0)
	ma, err := NewMessenger(ta, 128)
	require.NoError(t, err)
	defer ma.Close()
	mb, err := NewMessenger(tb, 128)
	require.NoError(t, err)
	defer mb.Close()

	msg := make([]byte, 1000)
	rand.New(rand.NewSource(7)).Read(msg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ma.SendMessage(ctx, "node-b", msg))

	select {
	case in := <-mb.Messages():
		assert.Equal(t, "node-a", in.PeerID)
		assert.Equal(t, msg, in.Data)
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}

func TestPeerTablePrune(t *testing.T) {
	pt := NewPeerTable()
	pt.Upsert("near-1", "AA:BB", -40)
	pt.Upsert("near-2", "CC:DD", -70)

	p, ok := pt.Get("near-1")
	require.True(t, ok)
	assert.Equal(t, -40, p.RSSI)
	assert.Len(t, pt.List(), 2)

	// Nothing is stale yet.
	assert.Equal(t, 0, pt.PruneStale(time.Minute))

	// Everything is stale at a zero window.
	assert.Equal(t, 2, pt.PruneStale(0))
	assert.Empty(t, pt.List())
}
