// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package videoframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPacket(seqNum uint16, first, last bool, frameType FrameType, payload []byte) *Packet {
	return &Packet{
		SequenceNumber: seqNum,
		Timestamp:      90000,
		Payload:        payload,
		VideoHeader: RTPVideoHeader{
			FrameType:            frameType,
			IsFirstPacketInFrame: first,
			IsLastPacketInFrame:  last,
		},
	}
}

func newTestPacketBuffer(t *testing.T, startSize, maxSize int) *PacketBuffer {
	t.Helper()

	buffer, err := NewPacketBuffer(startSize, maxSize)
	require.NoError(t, err)
	require.NotNil(t, buffer)

	return buffer
}

// insertMiddlePackets inserts packets that neither start nor end a frame.
func insertMiddlePackets(t *testing.T, buffer *PacketBuffer, from, to uint16) {
	t.Helper()

	for seqNum := from; seqNum != to+1; seqNum++ {
		result := buffer.InsertPacket(newTestPacket(seqNum, false, false, FrameTypeDelta, []byte{byte(seqNum)}))
		require.Equal(t, InsertOK, result.Status, "seq %d", seqNum)
		require.Empty(t, result.Frames, "seq %d", seqNum)
	}
}

func TestPacketBuffer_InsertSinglePacketFrame(t *testing.T) {
	// Single packet frame: first=true, last=true
	// Should return frame immediately upon insertion

	buffer := newTestPacketBuffer(t, 32, 2048)

	result := buffer.InsertPacket(newTestPacket(1000, true, true, FrameTypeKey, []byte("A")))

	require.Equal(t, InsertOK, result.Status)
	require.Len(t, result.Frames, 1, "Should return 1 frame")

	frame := result.Frames[0]
	assert.Equal(t, uint16(1000), frame.FirstSeqNum)
	assert.Equal(t, uint16(1000), frame.LastSeqNum)
	assert.Equal(t, uint32(90000), frame.Timestamp)
	assert.Equal(t, FrameTypeKey, frame.FrameType)
	assert.Equal(t, 1, frame.Size)

	data, ok := frame.Bitstream()
	require.True(t, ok)
	assert.Equal(t, []byte("A"), data)
}

func TestPacketBuffer_InsertMultiPacketFrame(t *testing.T) {
	// Multi-packet frame: first=true -> middle -> last=true
	// Should return frame when last packet arrives

	buffer := newTestPacketBuffer(t, 32, 2048)

	result := buffer.InsertPacket(newTestPacket(1000, true, false, FrameTypeKey, []byte{0x01}))
	assert.Empty(t, result.Frames, "First packet alone should not complete frame")

	result = buffer.InsertPacket(newTestPacket(1001, false, false, FrameTypeDelta, []byte{0x02}))
	assert.Empty(t, result.Frames, "Middle packet should not complete frame")

	result = buffer.InsertPacket(newTestPacket(1002, false, true, FrameTypeDelta, []byte{0x03}))
	require.Len(t, result.Frames, 1, "Last packet should complete frame")

	frame := result.Frames[0]
	assert.Equal(t, uint16(1000), frame.FirstSeqNum)
	assert.Equal(t, uint16(1002), frame.LastSeqNum)
	assert.Equal(t, FrameTypeKey, frame.FrameType, "Frame type is taken from the packets")
	assert.Equal(t, 3, frame.Size)

	data, ok := frame.Bitstream()
	require.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, data)
}

func TestPacketBuffer_OutOfOrderPackets(t *testing.T) {
	// Packets arrive as first, last, middle
	// Frame should complete when the middle packet fills the gap

	buffer := newTestPacketBuffer(t, 32, 2048)

	result := buffer.InsertPacket(newTestPacket(1000, true, false, FrameTypeKey, []byte("aa")))
	assert.Empty(t, result.Frames)

	result = buffer.InsertPacket(newTestPacket(1002, false, true, FrameTypeKey, []byte("cc")))
	assert.Empty(t, result.Frames, "Frame should not complete with a gap")

	result = buffer.InsertPacket(newTestPacket(1001, false, false, FrameTypeKey, []byte("bb")))
	require.Len(t, result.Frames, 1)

	data, ok := result.Frames[0].Bitstream()
	require.True(t, ok)
	assert.Equal(t, []byte("aabbcc"), data)
}

func TestPacketBuffer_PermutationsYieldSameFrame(t *testing.T) {
	// Every insertion order of the packets of a frame yields the same frame

	payloads := [][]byte{[]byte("p0"), []byte("p1"), []byte("p2"), []byte("p3")}
	orders := [][]int{
		{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}, {3, 0, 1, 2}, {1, 2, 3, 0},
	}

	for _, order := range orders {
		buffer := newTestPacketBuffer(t, 32, 2048)

		var frames []*EncodedFrame
		for _, i := range order {
			pkt := newTestPacket(uint16(500+i), i == 0, i == len(payloads)-1, FrameTypeKey, payloads[i])
			result := buffer.InsertPacket(pkt)
			require.Equal(t, InsertOK, result.Status)
			frames = append(frames, result.Frames...)
		}

		require.Len(t, frames, 1, "order %v", order)
		data, ok := frames[0].Bitstream()
		require.True(t, ok)
		assert.Equal(t, []byte("p0p1p2p3"), data, "order %v", order)
		assert.Equal(t, uint16(500), frames[0].FirstSeqNum)
		assert.Equal(t, uint16(503), frames[0].LastSeqNum)
	}
}

func TestPacketBuffer_MissingPacket(t *testing.T) {
	// A frame with a missing packet is never completed

	buffer := newTestPacketBuffer(t, 32, 2048)

	buffer.InsertPacket(newTestPacket(1000, true, false, FrameTypeKey, []byte{0x01}))
	result := buffer.InsertPacket(newTestPacket(1002, false, true, FrameTypeKey, []byte{0x03}))

	assert.Empty(t, result.Frames)
	assert.Equal(t, 2, buffer.Size())
}

func TestPacketBuffer_DuplicatePacket(t *testing.T) {
	// Inserting the same packet twice returns InsertDuplicate and changes nothing

	buffer := newTestPacketBuffer(t, 32, 2048)

	result := buffer.InsertPacket(newTestPacket(1000, true, false, FrameTypeKey, []byte{0x01}))
	require.Equal(t, InsertOK, result.Status)

	result = buffer.InsertPacket(newTestPacket(1000, true, false, FrameTypeKey, []byte{0x01}))
	assert.Equal(t, InsertDuplicate, result.Status)
	assert.Empty(t, result.Frames)
	assert.Equal(t, 1, buffer.Size())
	assert.Equal(t, 32, buffer.Capacity())
}

func TestPacketBuffer_DuplicateOfCompletedFrame(t *testing.T) {
	// A retransmitted packet of an already created frame does not create it again

	buffer := newTestPacketBuffer(t, 32, 2048)

	buffer.InsertPacket(newTestPacket(100, true, false, FrameTypeKey, []byte{0x01}))
	result := buffer.InsertPacket(newTestPacket(101, false, true, FrameTypeKey, []byte{0x02}))
	require.Len(t, result.Frames, 1)

	result = buffer.InsertPacket(newTestPacket(101, false, true, FrameTypeKey, []byte{0x02}))
	assert.Equal(t, InsertDuplicate, result.Status)
	assert.Empty(t, result.Frames)
}

func TestPacketBuffer_FramesCompleteIndependently(t *testing.T) {
	// A frame does not wait for an earlier incomplete frame, and a late
	// packet only completes its own frame

	buffer := newTestPacketBuffer(t, 32, 2048)

	// Frame 1: 100-101, frame 2: 102, frame 3: 103-104. Packet 101 is late.
	result := buffer.InsertPacket(newTestPacket(100, true, false, FrameTypeKey, []byte{0x01}))
	assert.Empty(t, result.Frames)

	result = buffer.InsertPacket(newTestPacket(102, true, true, FrameTypeDelta, []byte{0x03}))
	require.Len(t, result.Frames, 1)
	assert.Equal(t, uint16(102), result.Frames[0].FirstSeqNum)

	buffer.InsertPacket(newTestPacket(103, true, false, FrameTypeDelta, []byte{0x04}))
	result = buffer.InsertPacket(newTestPacket(104, false, true, FrameTypeDelta, []byte{0x05}))
	require.Len(t, result.Frames, 1)
	assert.Equal(t, uint16(103), result.Frames[0].FirstSeqNum)
	assert.Equal(t, uint16(104), result.Frames[0].LastSeqNum)

	result = buffer.InsertPacket(newTestPacket(101, false, true, FrameTypeKey, []byte{0x02}))
	require.Len(t, result.Frames, 1)
	assert.Equal(t, uint16(100), result.Frames[0].FirstSeqNum)
	assert.Equal(t, uint16(101), result.Frames[0].LastSeqNum)
}

func TestPacketBuffer_SequenceWrap(t *testing.T) {
	// A frame spanning the 16-bit sequence number wrap is assembled in order

	buffer := newTestPacketBuffer(t, 32, 2048)

	buffer.InsertPacket(newTestPacket(65534, true, false, FrameTypeKey, []byte{0x01}))
	buffer.InsertPacket(newTestPacket(0, false, true, FrameTypeKey, []byte{0x03}))
	result := buffer.InsertPacket(newTestPacket(65535, false, false, FrameTypeKey, []byte{0x02}))

	require.Len(t, result.Frames, 1)
	assert.Equal(t, uint16(65534), result.Frames[0].FirstSeqNum)
	assert.Equal(t, uint16(0), result.Frames[0].LastSeqNum)

	data, ok := result.Frames[0].Bitstream()
	require.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, data)
}

func TestPacketBuffer_InvalidSize(t *testing.T) {
	tests := []struct {
		name               string
		startSize, maxSize int
	}{
		{name: "start not power of 2", startSize: 30, maxSize: 2048},
		{name: "max not power of 2", startSize: 32, maxSize: 2000},
		{name: "zero", startSize: 0, maxSize: 2048},
		{name: "start above max", startSize: 64, maxSize: 32},
		{name: "max above limit", startSize: 32, maxSize: 1 << 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buffer, err := NewPacketBuffer(tt.startSize, tt.maxSize)
			assert.ErrorIs(t, err, ErrInvalidBufferSize)
			assert.Nil(t, buffer)
		})
	}
}

func TestPacketBuffer_ExpandBuffer(t *testing.T) {
	// A collision grows the buffer instead of dropping the packet

	buffer := newTestPacketBuffer(t, 16, 64)

	insertMiddlePackets(t, buffer, 0, 15)
	assert.Equal(t, 16, buffer.Capacity())

	result := buffer.InsertPacket(newTestPacket(16, false, false, FrameTypeDelta, nil))
	assert.Equal(t, InsertOK, result.Status)
	assert.Equal(t, 32, buffer.Capacity())
	assert.Equal(t, 17, buffer.Size())
}

func TestPacketBuffer_ExpandBufferKeepsFrame(t *testing.T) {
	// Packets are moved by sequence number on growth and still form a frame

	buffer := newTestPacketBuffer(t, 16, 64)

	buffer.InsertPacket(newTestPacket(10, true, false, FrameTypeKey, []byte{10}))
	insertMiddlePackets(t, buffer, 11, 26)
	assert.Equal(t, 32, buffer.Capacity())

	result := buffer.InsertPacket(newTestPacket(27, false, true, FrameTypeKey, []byte{27}))
	require.Len(t, result.Frames, 1)
	assert.Equal(t, uint16(10), result.Frames[0].FirstSeqNum)
	assert.Equal(t, uint16(27), result.Frames[0].LastSeqNum)

	data, ok := result.Frames[0].Bitstream()
	require.True(t, ok)
	require.Len(t, data, 18)
	for i, b := range data {
		assert.Equal(t, byte(10+i), b)
	}
}

func TestPacketBuffer_FullBuffer(t *testing.T) {
	// When growth is not possible the packet is dropped and nothing changes

	buffer := newTestPacketBuffer(t, 16, 16)

	insertMiddlePackets(t, buffer, 0, 15)

	result := buffer.InsertPacket(newTestPacket(16, true, true, FrameTypeKey, nil))
	assert.Equal(t, InsertFull, result.Status)
	assert.Empty(t, result.Frames)
	assert.Equal(t, 16, buffer.Size())
	assert.Equal(t, 16, buffer.Capacity())
}

func TestPacketBuffer_Overflow(t *testing.T) {
	// The buffer grows up to its max size and then reports full

	buffer := newTestPacketBuffer(t, 16, 64)

	insertMiddlePackets(t, buffer, 0, 63)
	assert.Equal(t, 64, buffer.Capacity())

	result := buffer.InsertPacket(newTestPacket(64, false, false, FrameTypeDelta, nil))
	assert.Equal(t, InsertFull, result.Status)
	assert.Equal(t, 64, buffer.Size())
}

func TestPacketBuffer_ClearTo(t *testing.T) {
	// ClearTo releases packets strictly before the given sequence number

	buffer := newTestPacketBuffer(t, 16, 16)

	insertMiddlePackets(t, buffer, 100, 115)

	buffer.ClearTo(110)
	assert.Equal(t, 6, buffer.Size())

	// The freed slots accept new packets
	result := buffer.InsertPacket(newTestPacket(116, false, false, FrameTypeDelta, nil))
	assert.Equal(t, InsertOK, result.Status)
	result = buffer.InsertPacket(newTestPacket(101, false, false, FrameTypeDelta, nil))
	assert.Equal(t, InsertOK, result.Status)
}

func TestPacketBuffer_ClearToAcrossWrap(t *testing.T) {
	buffer := newTestPacketBuffer(t, 16, 16)

	insertMiddlePackets(t, buffer, 65530, 3)
	assert.Equal(t, 10, buffer.Size())

	buffer.ClearTo(1)
	assert.Equal(t, 3, buffer.Size(), "Packets 1, 2 and 3 are kept")
}

func TestPacketBuffer_ClearToMidFrame(t *testing.T) {
	// Clearing the start of a partially received frame means its
	// remaining packets never form a frame

	buffer := newTestPacketBuffer(t, 32, 32)

	buffer.InsertPacket(newTestPacket(10, true, false, FrameTypeKey, []byte{0x01}))
	buffer.InsertPacket(newTestPacket(11, false, false, FrameTypeKey, []byte{0x02}))
	buffer.InsertPacket(newTestPacket(12, false, false, FrameTypeKey, []byte{0x03}))
	buffer.InsertPacket(newTestPacket(13, false, false, FrameTypeKey, []byte{0x04}))

	buffer.ClearTo(12)
	assert.Equal(t, 2, buffer.Size())

	var result InsertResult
	require.NotPanics(t, func() {
		result = buffer.InsertPacket(newTestPacket(14, false, true, FrameTypeKey, []byte{0x05}))
	})
	assert.Equal(t, InsertOK, result.Status)
	assert.Empty(t, result.Frames)

	// Later frames are still found
	buffer.InsertPacket(newTestPacket(15, true, false, FrameTypeDelta, []byte{0x06}))
	result = buffer.InsertPacket(newTestPacket(16, false, true, FrameTypeDelta, []byte{0x07}))
	require.Len(t, result.Frames, 1)
	assert.Equal(t, uint16(15), result.Frames[0].FirstSeqNum)
	assert.Equal(t, uint16(16), result.Frames[0].LastSeqNum)
}

func TestPacketBuffer_ClearToMidFrameWithEarlierStart(t *testing.T) {
	// A first packet inserted below the cleared range does not join the
	// packets left over from the cleared frame

	buffer := newTestPacketBuffer(t, 32, 32)

	buffer.InsertPacket(newTestPacket(10, true, false, FrameTypeKey, []byte{0x01}))
	buffer.InsertPacket(newTestPacket(11, false, false, FrameTypeKey, []byte{0x02}))
	buffer.InsertPacket(newTestPacket(12, false, false, FrameTypeKey, []byte{0x03}))

	buffer.ClearTo(12)

	var result InsertResult
	require.NotPanics(t, func() {
		buffer.InsertPacket(newTestPacket(5, true, false, FrameTypeKey, []byte{0x04}))
		result = buffer.InsertPacket(newTestPacket(13, false, true, FrameTypeKey, []byte{0x05}))
	})
	assert.Equal(t, InsertOK, result.Status)
	assert.Empty(t, result.Frames)
}

func TestPacketBuffer_ReleaseResetsFollowingContinuity(t *testing.T) {
	// Packets that were continuous only through a released frame lose
	// their continuity

	buffer := newTestPacketBuffer(t, 32, 32)

	buffer.InsertPacket(newTestPacket(10, true, false, FrameTypeKey, []byte{0x01}))
	result := buffer.InsertPacket(newTestPacket(11, false, true, FrameTypeKey, []byte{0x02}))
	require.Len(t, result.Frames, 1)

	// A packet continuing after the frame without a first packet flag
	buffer.InsertPacket(newTestPacket(12, false, false, FrameTypeDelta, []byte{0x03}))

	result.Frames[0].Release()

	require.NotPanics(t, func() {
		result = buffer.InsertPacket(newTestPacket(13, false, true, FrameTypeDelta, []byte{0x04}))
	})
	assert.Equal(t, InsertOK, result.Status)
	assert.Empty(t, result.Frames)
	assert.Equal(t, 2, buffer.Size())
}

func TestPacketBuffer_Flush(t *testing.T) {
	// After Flush the buffer is empty and accepts any sequence number

	buffer := newTestPacketBuffer(t, 16, 16)

	insertMiddlePackets(t, buffer, 0, 15)
	buffer.Flush()
	assert.Equal(t, 0, buffer.Size())

	result := buffer.InsertPacket(newTestPacket(40000, true, true, FrameTypeKey, []byte{0x01}))
	assert.Equal(t, InsertOK, result.Status)
	assert.Len(t, result.Frames, 1)
}

func TestPacketBuffer_InvalidateFrameByFlushing(t *testing.T) {
	// A frame created before Flush cannot read packets inserted after it

	buffer := newTestPacketBuffer(t, 16, 16)

	result := buffer.InsertPacket(newTestPacket(10, true, true, FrameTypeKey, []byte{0x01}))
	require.Len(t, result.Frames, 1)
	frame := result.Frames[0]

	buffer.Flush()
	result = buffer.InsertPacket(newTestPacket(10, true, true, FrameTypeKey, []byte{0x02}))
	require.Len(t, result.Frames, 1)

	_, ok := frame.Bitstream()
	assert.False(t, ok)

	// Releasing the stale frame must not free the new packet
	frame.Release()
	assert.Equal(t, 1, buffer.Size())
}

func TestPacketBuffer_FreeSlotsOnFrameRelease(t *testing.T) {
	buffer := newTestPacketBuffer(t, 16, 16)

	buffer.InsertPacket(newTestPacket(200, true, false, FrameTypeKey, []byte{0x01}))
	buffer.InsertPacket(newTestPacket(201, false, false, FrameTypeKey, []byte{0x02}))
	result := buffer.InsertPacket(newTestPacket(202, false, true, FrameTypeKey, []byte{0x03}))
	require.Len(t, result.Frames, 1)
	assert.Equal(t, 3, buffer.Size())

	frame := result.Frames[0]
	frame.Release()
	assert.Equal(t, 0, buffer.Size())

	// Release is idempotent and the bitstream is gone
	frame.Release()
	_, ok := frame.Bitstream()
	assert.False(t, ok)
}

func TestPacketBuffer_ReleaseAfterSlotReuse(t *testing.T) {
	// Releasing a frame does not free a slot that now holds another packet

	buffer := newTestPacketBuffer(t, 16, 16)

	result := buffer.InsertPacket(newTestPacket(5, true, true, FrameTypeKey, []byte{0x01}))
	require.Len(t, result.Frames, 1)
	frame := result.Frames[0]

	buffer.ClearTo(6)
	result = buffer.InsertPacket(newTestPacket(21, true, false, FrameTypeKey, []byte{0x02}))
	require.Equal(t, InsertOK, result.Status)

	frame.Release()
	assert.Equal(t, 1, buffer.Size())
}

func TestPacketBuffer_MalformedPacket(t *testing.T) {
	// A packet with an invalid codec header is rejected without state change

	buffer := newTestPacketBuffer(t, 16, 16)

	pkt := newTestPacket(1, true, true, FrameTypeKey, []byte{0x01})
	pkt.VideoHeader.CodecHeader = &VP8Header{PictureID: 1, TemporalIdx: 7, TL0PicIdx: 0}

	result := buffer.InsertPacket(pkt)
	assert.Equal(t, InsertMalformed, result.Status)
	assert.Empty(t, result.Frames)
	assert.Equal(t, 0, buffer.Size())

	assert.Equal(t, InsertMalformed, buffer.InsertPacket(nil).Status)
}

func TestPacketBuffer_CodecHeaderFromFirstPacket(t *testing.T) {
	buffer := newTestPacketBuffer(t, 16, 16)

	first := newTestPacket(1, true, false, FrameTypeKey, []byte{0x01})
	first.VideoHeader.CodecHeader = &VP8Header{PictureID: 5, TemporalIdx: 0, TL0PicIdx: 3}
	last := newTestPacket(2, false, true, FrameTypeDelta, []byte{0x02})
	last.VideoHeader.CodecHeader = &VP8Header{PictureID: NoPictureID, TemporalIdx: NoTemporalIdx, TL0PicIdx: NoTL0PicIdx}

	buffer.InsertPacket(first)
	result := buffer.InsertPacket(last)
	require.Len(t, result.Frames, 1)

	header, ok := result.Frames[0].CodecHeader.(*VP8Header)
	require.True(t, ok)
	assert.Equal(t, int32(5), header.PictureID)
	assert.Equal(t, CodecVP8, result.Frames[0].Codec())
}

func TestInsertStatus_String(t *testing.T) {
	assert.Equal(t, "ok", InsertOK.String())
	assert.Equal(t, "duplicate", InsertDuplicate.String())
	assert.Equal(t, "full", InsertFull.String())
	assert.Equal(t, "malformed", InsertMalformed.String())
	assert.Equal(t, "InsertStatus(9)", InsertStatus(9).String())
}
