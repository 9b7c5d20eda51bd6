// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package videoframe

import (
	"sync/atomic"
)

// EncodedFrame represents a complete video frame assembled from RTP packets.
// This structure is similar to libwebrtc's RtpFrameObject (modules/video_coding/frame_object.h).
//
// A frame returned by PacketBuffer still refers to the buffer's slots: its
// payload is read with Bitstream and the slots are freed with Release or
// Assemble.
type EncodedFrame struct {
	// ID is the resolved frame identifier, set by the FrameReferenceFinder.
	// It is the unwrapped picture ID for VP8 and VP9 streams and the last
	// sequence number for generic streams.
	ID int64

	// FirstSeqNum is the RTP sequence number of the first packet in this frame.
	FirstSeqNum uint16

	// LastSeqNum is the RTP sequence number of the last packet in this frame.
	LastSeqNum uint16

	// Timestamp is the RTP timestamp of the frame.
	Timestamp uint32

	// FrameType indicates whether this is a key frame or delta frame.
	FrameType FrameType

	// CodecHeader is the codec header of the first packet, nil for generic frames.
	CodecHeader CodecHeader

	// Size is the number of payload bytes in the frame.
	Size int

	// NumReferences is the number of frames this frame references.
	NumReferences int

	// References contains frame IDs that this frame references.
	References [MaxReferences]int64

	// SpatialLayer is the VP9 spatial layer of the frame.
	SpatialLayer uint8

	// InterLayerPredicted is set when the frame depends on the lower spatial
	// layer of the same picture.
	InterLayerPredicted bool

	// Data contains the assembled frame payload after Assemble.
	Data []byte

	buffer     *PacketBuffer
	generation uint64
	released   atomic.Bool

	// seqNumID is set when ID was derived from sequence numbers.
	seqNumID bool
}

// newFrame creates a frame for the slots from first to last.
// Must be called with b.mu held.
// Reference: libwebrtc PacketBuffer::FindFrames (RtpFrameObject creation)
func (b *PacketBuffer) newFrame(first, last uint16) *EncodedFrame {
	firstPkt := b.slots[b.index(first)].packet

	frame := &EncodedFrame{
		FirstSeqNum: first,
		LastSeqNum:  last,
		Timestamp:   firstPkt.Timestamp,
		FrameType:   FrameTypeDelta,
		CodecHeader: firstPkt.VideoHeader.CodecHeader,
		buffer:      b,
		generation:  b.generation,
	}

	seqNum := first
	for {
		pkt := b.slots[b.index(seqNum)].packet
		frame.Size += len(pkt.Payload)
		if pkt.VideoHeader.FrameType == FrameTypeKey {
			frame.FrameType = FrameTypeKey
		}

		if seqNum == last {
			break
		}
		seqNum++
	}

	return frame
}

// Codec returns the codec of the frame.
func (f *EncodedFrame) Codec() Codec {
	if f.CodecHeader == nil {
		return CodecGeneric
	}
	return f.CodecHeader.Codec()
}

// IsKeyFrame reports whether the frame is a key frame.
func (f *EncodedFrame) IsKeyFrame() bool {
	return f.FrameType == FrameTypeKey
}

// Bitstream returns the concatenated payloads of the frame's packets.
// After Assemble it returns Data. It returns false if the packets are no
// longer in the buffer.
func (f *EncodedFrame) Bitstream() ([]byte, bool) {
	if f.Data != nil {
		return f.Data, true
	}
	if f.buffer == nil || f.released.Load() {
		return nil, false
	}

	return f.buffer.GetBitstream(f, make([]byte, 0, f.Size))
}

// Assemble copies the bitstream into Data and releases the frame's packets.
// It returns false if the packets are no longer in the buffer, in which
// case Data is left nil.
func (f *EncodedFrame) Assemble() bool {
	if f.Data != nil {
		return true
	}

	data, ok := f.Bitstream()
	f.Release()
	if !ok {
		return false
	}
	f.Data = data

	return true
}

// Release frees the buffer slots of the frame. It is safe to call more than once.
func (f *EncodedFrame) Release() {
	if f.buffer == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	f.buffer.returnFrame(f)
}

// references returns the resolved references as a slice.
func (f *EncodedFrame) references() []int64 {
	return f.References[:f.NumReferences]
}
