// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package videoframe

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Azunyan1111/rtpframe/internal/seqnum"
	"github.com/pion/logging"
)

const (
	// DefaultPacketBufferStartSize is the initial number of slots.
	// Reference: libwebrtc kPacketBufferStartSize
	DefaultPacketBufferStartSize = 32

	// DefaultPacketBufferMaxSize is the default upper bound on the number of slots.
	// Reference: libwebrtc kPacketBufferMaxSize = 2048
	DefaultPacketBufferMaxSize = 2048

	// MaxPacketBufferSize is the largest allowed buffer, half the sequence
	// number space.
	MaxPacketBufferSize = 1 << 15
)

// ErrInvalidBufferSize is returned when a buffer size is not a power of two
// or the start size exceeds the max size.
var ErrInvalidBufferSize = errors.New("invalid packet buffer size")

// InsertStatus is the outcome of inserting a packet into a PacketBuffer.
type InsertStatus int

const (
	// InsertOK means the packet was stored.
	InsertOK InsertStatus = iota
	// InsertDuplicate means a packet with the same sequence number is already stored.
	InsertDuplicate
	// InsertFull means no slot could be freed for the packet, even after
	// growing the buffer. The packet was dropped and nothing changed.
	InsertFull
	// InsertMalformed means the codec header of the packet is invalid.
	// The packet was dropped and nothing changed.
	InsertMalformed
)

func (s InsertStatus) String() string {
	switch s {
	case InsertOK:
		return "ok"
	case InsertDuplicate:
		return "duplicate"
	case InsertFull:
		return "full"
	case InsertMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("InsertStatus(%d)", int(s))
	}
}

// InsertResult contains the result of inserting a packet into the buffer.
type InsertResult struct {
	// Status is the outcome of the insertion.
	Status InsertStatus

	// Frames contains frames completed by this packet, in the order they
	// were found. Multiple frames may be returned when a missing packet
	// arrives and completes several frames at once.
	Frames []*EncodedFrame
}

// packetSlot is one entry of the ring. Its index is seqNum % size.
type packetSlot struct {
	packet *Packet

	seqNum     uint16
	used       bool
	frameBegin bool
	frameEnd   bool

	// continuous is set when every packet from the frame start up to this
	// one is present.
	continuous bool

	// frameCreated is set once the packet is part of a frame that was
	// handed out, so the frame is not found a second time.
	frameCreated bool
}

// PacketBuffer buffers video RTP packets and detects complete frames.
// This is similar to libwebrtc's PacketBuffer (modules/video_coding/packet_buffer.cc).
//
// Packets are stored in a ring of slots indexed by sequence number. A frame
// is complete when the slots from a first packet to a last packet are all
// present. The slots stay occupied until the returned EncodedFrame is
// released, cleared with ClearTo, or dropped with Flush.
//
// PacketBuffer is safe for concurrent use.
type PacketBuffer struct {
	mu sync.Mutex

	slots   []packetSlot
	maxSize int

	firstSeqNum         uint16
	lastSeqNum          uint16
	firstPacketReceived bool

	// generation is bumped by Flush so that frames handed out before can
	// no longer read or release slots.
	generation uint64

	log logging.LeveledLogger
}

// NewPacketBuffer creates a PacketBuffer that starts with startSize slots
// and grows up to maxSize slots. Both must be powers of two.
func NewPacketBuffer(startSize, maxSize int) (*PacketBuffer, error) {
	if !isPowerOfTwo(startSize) || !isPowerOfTwo(maxSize) {
		return nil, fmt.Errorf("%w: %d and %d must be powers of 2", ErrInvalidBufferSize, startSize, maxSize)
	}
	if startSize > maxSize || maxSize > MaxPacketBufferSize {
		return nil, fmt.Errorf("%w: start %d, max %d, limit %d",
			ErrInvalidBufferSize, startSize, maxSize, MaxPacketBufferSize)
	}

	return &PacketBuffer{
		slots:   make([]packetSlot, startSize),
		maxSize: maxSize,
		log:     logging.NewDefaultLoggerFactory().NewLogger("videoframe"),
	}, nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// InsertPacket inserts a packet into the buffer and returns completed frames.
// The buffer takes ownership of the packet on InsertOK.
// Reference: libwebrtc PacketBuffer::InsertPacket
func (b *PacketBuffer) InsertPacket(pkt *Packet) InsertResult {
	if pkt == nil || pkt.validate() != nil {
		return InsertResult{Status: InsertMalformed}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	seqNum := pkt.SequenceNumber
	index := b.index(seqNum)

	if !b.firstPacketReceived {
		b.firstSeqNum = seqNum
		b.lastSeqNum = seqNum
		b.firstPacketReceived = true
	}

	if b.slots[index].used {
		if b.slots[index].seqNum == seqNum {
			return InsertResult{Status: InsertDuplicate}
		}

		// The slot holds another packet, try to make room by growing.
		for b.expand() && b.slots[b.index(seqNum)].used {
		}
		index = b.index(seqNum)

		if b.slots[index].used {
			return InsertResult{Status: InsertFull}
		}
	}

	if seqnum.AheadOf16(seqNum, b.lastSeqNum) {
		b.lastSeqNum = seqNum
	}
	if seqnum.AheadOf16(b.firstSeqNum, seqNum) {
		b.firstSeqNum = seqNum
	}

	b.slots[index] = packetSlot{
		packet:     pkt,
		seqNum:     seqNum,
		used:       true,
		frameBegin: pkt.VideoHeader.IsFirstPacketInFrame,
		frameEnd:   pkt.VideoHeader.IsLastPacketInFrame,
	}

	return InsertResult{Status: InsertOK, Frames: b.findFrames(seqNum)}
}

// ClearTo releases every packet with a sequence number before seqNum.
func (b *PacketBuffer) ClearTo(seqNum uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.firstPacketReceived {
		return
	}

	for i := range b.slots {
		if b.slots[i].used && seqnum.AheadOf16(seqNum, b.slots[i].seqNum) {
			b.slots[i] = packetSlot{}
		}
	}

	b.resetContinuity(seqNum)

	if seqnum.AheadOf16(seqNum, b.firstSeqNum) {
		b.firstSeqNum = seqNum
	}
	if seqnum.AheadOf16(b.firstSeqNum, b.lastSeqNum) {
		b.lastSeqNum = b.firstSeqNum
	}
}

// Flush releases all packets. Frames handed out before Flush can no longer
// read their bitstream.
func (b *PacketBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.slots {
		b.slots[i] = packetSlot{}
	}
	b.firstPacketReceived = false
	b.generation++
}

// Size returns the number of stored packets.
func (b *PacketBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for i := range b.slots {
		if b.slots[i].used {
			n++
		}
	}
	return n
}

// Capacity returns the current number of slots.
func (b *PacketBuffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.slots)
}

// GetBitstream appends the payloads of the frame's packets in sequence
// order to dst. It returns false if any of the packets has been released
// or replaced since the frame was created.
func (b *PacketBuffer) GetBitstream(frame *EncodedFrame, dst []byte) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if frame.generation != b.generation {
		return dst, false
	}

	seqNum := frame.FirstSeqNum
	for {
		slot := &b.slots[b.index(seqNum)]
		if !slot.used || slot.seqNum != seqNum {
			return dst, false
		}
		dst = append(dst, slot.packet.Payload...)

		if seqNum == frame.LastSeqNum {
			return dst, true
		}
		seqNum++
	}
}

// returnFrame releases the slots of a frame.
// Reference: libwebrtc PacketBuffer::ReturnFrame
func (b *PacketBuffer) returnFrame(frame *EncodedFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if frame.generation != b.generation {
		return
	}

	seqNum := frame.FirstSeqNum
	for {
		index := b.index(seqNum)
		if b.slots[index].used && b.slots[index].seqNum == seqNum {
			b.slots[index] = packetSlot{}
		}

		if seqNum == frame.LastSeqNum {
			break
		}
		seqNum++
	}
	b.resetContinuity(frame.LastSeqNum + 1)

	for seqnum.AheadOf16(b.lastSeqNum, b.firstSeqNum) && !b.slots[b.index(b.firstSeqNum)].used {
		b.firstSeqNum++
	}
}

// resetContinuity clears the continuous flag of the packets from seqNum
// up to the next frame start. Their predecessor was released, so the
// continuity they were marked with no longer holds.
func (b *PacketBuffer) resetContinuity(seqNum uint16) {
	for range b.slots {
		slot := &b.slots[b.index(seqNum)]
		if !slot.used || slot.seqNum != seqNum || slot.frameBegin || !slot.continuous {
			return
		}
		slot.continuous = false
		seqNum++
	}
}

// index converts a sequence number to a slot index.
func (b *PacketBuffer) index(seqNum uint16) int {
	return int(seqNum) % len(b.slots)
}

// expand doubles the number of slots, up to maxSize. Stored packets are
// moved to the index of their sequence number in the new ring.
// Reference: libwebrtc PacketBuffer::ExpandBufferSize
func (b *PacketBuffer) expand() bool {
	if len(b.slots) >= b.maxSize {
		return false
	}

	newSize := min(b.maxSize, 2*len(b.slots))
	slots := make([]packetSlot, newSize)
	for i := range b.slots {
		if b.slots[i].used {
			slots[int(b.slots[i].seqNum)%newSize] = b.slots[i]
		}
	}
	b.slots = slots

	return true
}

// isContinuous reports whether every packet from the start of the frame up
// to seqNum is present.
// Reference: libwebrtc PacketBuffer::IsContinuous
func (b *PacketBuffer) isContinuous(seqNum uint16) bool {
	slot := &b.slots[b.index(seqNum)]

	if !slot.used || slot.seqNum != seqNum {
		return false
	}
	if slot.frameCreated {
		return false
	}
	if slot.frameBegin {
		return true
	}

	prev := &b.slots[b.index(seqNum-1)]
	if !prev.used || prev.seqNum != seqNum-1 {
		return false
	}

	return prev.continuous
}

// findFrames walks forward from seqNum marking packets continuous, and
// creates a frame for every continuous last packet of a frame.
// Reference: libwebrtc PacketBuffer::FindFrames
func (b *PacketBuffer) findFrames(seqNum uint16) []*EncodedFrame {
	var frames []*EncodedFrame

	for b.isContinuous(seqNum) {
		index := b.index(seqNum)
		b.slots[index].continuous = true

		if b.slots[index].frameEnd {
			if startSeqNum, ok := b.findFrameStart(seqNum); ok {
				b.markFrameCreated(startSeqNum, seqNum)
				frames = append(frames, b.newFrame(startSeqNum, seqNum))
			} else {
				b.log.Warnf("no frame start for continuous packet %d, skipping frame", seqNum)
				b.slots[index].continuous = false
			}
		}

		seqNum++
	}

	return frames
}

// findFrameStart walks back from the last packet of a frame to its first
// packet. It fails when a packet on the way is missing.
func (b *PacketBuffer) findFrameStart(lastSeqNum uint16) (uint16, bool) {
	seqNum := lastSeqNum
	for range b.slots {
		slot := &b.slots[b.index(seqNum)]
		if !slot.used || slot.seqNum != seqNum {
			return 0, false
		}
		if slot.frameBegin {
			return seqNum, true
		}
		seqNum--
	}
	return 0, false
}

// markFrameCreated marks the packets from first to last as part of a frame.
func (b *PacketBuffer) markFrameCreated(first, last uint16) {
	for seqNum := first; ; seqNum++ {
		b.slots[b.index(seqNum)].frameCreated = true
		if seqNum == last {
			return
		}
	}
}
