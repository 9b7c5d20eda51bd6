// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package videoframe

import (
	"errors"
	"sync"

	"github.com/pion/logging"
)

// ErrNilFrameSink is returned by NewReceiver when no FrameSink is given.
var ErrNilFrameSink = errors.New("nil frame sink")

// FrameSink receives frames whose references have been resolved.
// The frame's packets stay in the PacketBuffer until the sink calls
// Release or Assemble on it.
type FrameSink interface {
	OnResolvedFrame(frame *EncodedFrame)
}

// FrameSinkFunc is an adapter to use a function as a FrameSink.
type FrameSinkFunc func(frame *EncodedFrame)

// OnResolvedFrame calls fn(frame).
func (fn FrameSinkFunc) OnResolvedFrame(frame *EncodedFrame) {
	fn(frame)
}

// Receiver is the receive path of one video stream: packets are buffered
// in a PacketBuffer, complete frames go through a FrameReferenceFinder and
// resolved frames are delivered to a FrameSink.
// This is similar to the frame handling of libwebrtc's RtpVideoStreamReceiver
// (video/rtp_video_stream_receiver.cc).
//
// Receiver is safe for concurrent use. The sink is called without any lock
// held, in the order frames were resolved for each InsertPacket call.
type Receiver struct {
	mu sync.Mutex

	buffer *PacketBuffer
	finder *FrameReferenceFinder
	sink   FrameSink
	log    logging.LeveledLogger

	startSize     int
	maxSize       int
	stashLimit    int
	gofCacheSize  int
	loggerFactory logging.LoggerFactory
}

// ReceiverOption can be used to configure Receiver.
type ReceiverOption func(r *Receiver) error

// NewReceiver creates a Receiver delivering resolved frames to sink.
func NewReceiver(sink FrameSink, opts ...ReceiverOption) (*Receiver, error) {
	if sink == nil {
		return nil, ErrNilFrameSink
	}

	r := &Receiver{
		sink:         sink,
		startSize:    DefaultPacketBufferStartSize,
		maxSize:      DefaultPacketBufferMaxSize,
		stashLimit:   DefaultStashLimit,
		gofCacheSize: DefaultGOFCacheSize,
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	if r.loggerFactory == nil {
		r.loggerFactory = logging.NewDefaultLoggerFactory()
	}
	r.log = r.loggerFactory.NewLogger("videoframe")

	buffer, err := NewPacketBuffer(r.startSize, r.maxSize)
	if err != nil {
		return nil, err
	}
	buffer.log = r.log
	r.buffer = buffer

	finder, err := NewFrameReferenceFinder(
		WithRefFinderStashLimit(r.stashLimit),
		WithRefFinderGOFCacheSize(r.gofCacheSize),
		WithRefFinderLoggerFactory(r.loggerFactory),
	)
	if err != nil {
		return nil, err
	}
	r.finder = finder

	return r, nil
}

// InsertPacket inserts a packet and delivers the frames it resolves to the sink.
func (r *Receiver) InsertPacket(pkt *Packet) InsertStatus {
	r.mu.Lock()
	result := r.buffer.InsertPacket(pkt)

	var resolved []*EncodedFrame
	for _, frame := range result.Frames {
		resolved = append(resolved, r.finder.ManageFrame(frame)...)
	}
	r.mu.Unlock()

	switch result.Status {
	case InsertMalformed:
		r.log.Warnf("dropping malformed packet")
	case InsertFull:
		r.log.Debugf("packet buffer full, dropping packet %d", pkt.SequenceNumber)
	default:
	}

	for _, frame := range resolved {
		r.sink.OnResolvedFrame(frame)
	}

	return result.Status
}

// ClearTo releases every packet and stashed frame before seqNum.
func (r *Receiver) ClearTo(seqNum uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finder.ClearTo(seqNum)
	r.buffer.ClearTo(seqNum)
}

// Flush drops all buffered packets and stashed frames and resets the
// reference state. Frames delivered before can no longer read their
// bitstream unless they were assembled.
func (r *Receiver) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finder.Reset()
	r.buffer.Flush()
}

// PacketBuffer returns the packet buffer of the receiver.
func (r *Receiver) PacketBuffer() *PacketBuffer {
	return r.buffer
}
