// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package videoframe

import (
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// EncodedFramesKey is the Attributes key for accessing resolved EncodedFrames.
// When frames are resolved, they will be available via attrs.Get(EncodedFramesKey).
// The value is []*EncodedFrame (slice of frame pointers).
// Multiple frames may be returned when packet loss recovery completes multiple frames.
const EncodedFramesKey = "videoframe.EncodedFrames"

// EncodedFrameKey is the Attributes key for accessing the first resolved EncodedFrame.
// Deprecated: Use EncodedFramesKey to handle multiple resolved frames correctly.
// When a frame is resolved, it will be available via attrs.Get(EncodedFrameKey).
const EncodedFrameKey = "videoframe.EncodedFrame"

// depacketizeFunc converts an RTP packet into a Packet for the PacketBuffer.
type depacketizeFunc func(pkt *rtp.Packet) (*Packet, error)

// ReceiverInterceptorFactory is a interceptor.Factory for ReceiverInterceptor.
type ReceiverInterceptorFactory struct {
	opts []ReceiverInterceptorOption
}

// NewReceiverInterceptor returns a new ReceiverInterceptorFactory.
func NewReceiverInterceptor(opts ...ReceiverInterceptorOption) (*ReceiverInterceptorFactory, error) {
	return &ReceiverInterceptorFactory{opts: opts}, nil
}

// NewInterceptor constructs a new ReceiverInterceptor.
func (f *ReceiverInterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	r := &ReceiverInterceptor{
		streams:             make(map[uint32]*streamState),
		packetBufferSize:    DefaultPacketBufferStartSize,
		maxPacketBufferSize: DefaultPacketBufferMaxSize,
		stashLimit:          DefaultStashLimit,
		gofCacheSize:        DefaultGOFCacheSize,
	}

	for _, opt := range f.opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	if r.loggerFactory == nil {
		r.loggerFactory = logging.NewDefaultLoggerFactory()
	}
	if r.log == nil {
		r.log = r.loggerFactory.NewLogger("videoframe")
	}

	return r, nil
}

// streamState holds per-stream state for video frame assembly.
type streamState struct {
	mu sync.Mutex

	receiver    *Receiver
	depacketize depacketizeFunc

	// frames collects the frames resolved by the current packet.
	frames []*EncodedFrame

	// clearTo is the first sequence number of the newest keyframe in frames.
	clearTo    uint16
	hasClearTo bool
}

// ReceiverInterceptor assembles video frames from RTP packets and resolves
// their references. Resolved frames are made available via interceptor.Attributes.
//
// Usage:
//
//	frames, ok := attrs.Get(EncodedFramesKey).([]*EncodedFrame)
//	if ok && len(frames) > 0 {
//	    for _, frame := range frames {
//	        // frame.Data holds the bitstream, frame.References its dependencies
//	    }
//	}
//
// This interceptor:
//  1. Parses VP8, VP9 and H264 RTP payloads to detect frame boundaries
//  2. Buffers packets until a complete frame is available
//  3. Resolves the references of complete frames
//  4. Assembles resolved frames and adds them to Attributes
//     - EncodedFramesKey: []*EncodedFrame (all resolved frames)
//     - EncodedFrameKey: *EncodedFrame (first frame only, for backward compatibility)
//
// When the packet buffer of a stream overflows, the stream is flushed and a
// Picture Loss Indication is sent to request a new keyframe.
//
// Reference: libwebrtc video/rtp_video_stream_receiver2.cc
type ReceiverInterceptor struct {
	interceptor.NoOp

	streams   map[uint32]*streamState
	streamsMu sync.Mutex

	rtcpWriter   interceptor.RTCPWriter
	rtcpWriterMu sync.Mutex

	packetBufferSize    int
	maxPacketBufferSize int
	stashLimit          int
	gofCacheSize        int
	log                 logging.LeveledLogger
	loggerFactory       logging.LoggerFactory
}

// BindRTCPWriter lets you modify any outgoing RTCP packets. It is called once per PeerConnection.
// The writer is used to send Picture Loss Indications.
func (r *ReceiverInterceptor) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	r.rtcpWriterMu.Lock()
	defer r.rtcpWriterMu.Unlock()

	r.rtcpWriter = writer
	return writer
}

// BindRemoteStream lets you modify any incoming RTP packets.
// It is called once per RemoteStream.
func (r *ReceiverInterceptor) BindRemoteStream(
	info *interceptor.StreamInfo,
	reader interceptor.RTPReader,
) interceptor.RTPReader {
	depacketize := depacketizerFor(info)
	if depacketize == nil {
		return reader
	}

	ssrc := info.SSRC

	// Initialize stream state
	r.streamsMu.Lock()
	state, err := r.getOrCreateStreamState(ssrc, depacketize)
	r.streamsMu.Unlock()

	if err != nil {
		r.log.Warnf("Failed to create stream state for SSRC %d: %v", ssrc, err)
		return reader
	}

	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attrs, err := reader.Read(b, a)
		if err != nil {
			return n, attrs, err
		}

		// Parse RTP packet
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(b[:n]); err != nil {
			return n, attrs, nil // Pass through on parse error
		}

		// Empty payloads are padding
		if len(pkt.Payload) == 0 {
			return n, attrs, nil
		}

		packet, err := state.depacketize(pkt)
		if err != nil {
			r.log.Tracef("SSRC %d: failed to depacketize packet %d: %v", ssrc, pkt.SequenceNumber, err)
			return n, attrs, nil // Pass through on payload parse error
		}

		state.mu.Lock()
		status := state.receiver.InsertPacket(packet)
		switch {
		case status == InsertFull:
			state.receiver.Flush()
		case state.hasClearTo:
			// Packets before a delivered keyframe are no longer needed.
			state.receiver.ClearTo(state.clearTo)
		}
		resolvedFrames := state.frames
		state.frames = nil
		state.hasClearTo = false
		state.mu.Unlock()

		if status == InsertFull {
			r.log.Warnf("SSRC %d: packet buffer full, requesting keyframe", ssrc)
			r.sendPLI(ssrc)
		}

		if len(resolvedFrames) > 0 {
			if attrs == nil {
				attrs = make(interceptor.Attributes)
			}
			// Set both keys for compatibility
			attrs.Set(EncodedFramesKey, resolvedFrames)
			attrs.Set(EncodedFrameKey, resolvedFrames[0]) // First frame for backward compatibility
		}

		return n, attrs, nil
	})
}

// UnbindRemoteStream is called when the Stream is removed.
func (r *ReceiverInterceptor) UnbindRemoteStream(info *interceptor.StreamInfo) {
	r.streamsMu.Lock()
	defer r.streamsMu.Unlock()

	if state, ok := r.streams[info.SSRC]; ok {
		state.receiver.Flush()
		delete(r.streams, info.SSRC)
	}
}

// Close closes the interceptor.
func (r *ReceiverInterceptor) Close() error {
	r.streamsMu.Lock()
	defer r.streamsMu.Unlock()

	for _, state := range r.streams {
		state.receiver.Flush()
	}
	r.streams = make(map[uint32]*streamState)
	return nil
}

// getOrCreateStreamState gets or creates the stream state for the given SSRC.
func (r *ReceiverInterceptor) getOrCreateStreamState(ssrc uint32, depacketize depacketizeFunc) (*streamState, error) {
	if state, ok := r.streams[ssrc]; ok {
		return state, nil
	}

	state := &streamState{depacketize: depacketize}

	// The sink runs inside InsertPacket, with state.mu held by the reader.
	sink := FrameSinkFunc(func(frame *EncodedFrame) {
		if !frame.Assemble() {
			r.log.Debugf("SSRC %d: frame %d lost its packets", ssrc, frame.ID)
			return
		}
		state.frames = append(state.frames, frame)
		if frame.IsKeyFrame() {
			state.clearTo = frame.FirstSeqNum
			state.hasClearTo = true
		}
	})

	receiver, err := NewReceiver(sink,
		WithBufferSize(r.packetBufferSize, r.maxPacketBufferSize),
		WithReceiverStashLimit(r.stashLimit),
		WithReceiverGOFCacheSize(r.gofCacheSize),
		WithReceiverLoggerFactory(r.loggerFactory),
	)
	if err != nil {
		return nil, err
	}
	state.receiver = receiver

	r.streams[ssrc] = state
	return state, nil
}

// sendPLI sends a Picture Loss Indication for the given SSRC.
func (r *ReceiverInterceptor) sendPLI(ssrc uint32) {
	r.rtcpWriterMu.Lock()
	writer := r.rtcpWriter
	r.rtcpWriterMu.Unlock()

	if writer == nil {
		return
	}

	pli := &rtcp.PictureLossIndication{MediaSSRC: ssrc}
	if _, err := writer.Write([]rtcp.Packet{pli}, nil); err != nil {
		r.log.Warnf("SSRC %d: failed to send PLI: %v", ssrc, err)
	}
}

// depacketizerFor returns the depacketizer for the codec of the stream, or
// nil if the stream is not a supported video stream.
func depacketizerFor(info *interceptor.StreamInfo) depacketizeFunc {
	if info == nil {
		return nil
	}

	switch {
	case strings.EqualFold(info.MimeType, "video/VP8"):
		return NewPacketFromVP8
	case strings.EqualFold(info.MimeType, "video/VP9"):
		return NewPacketFromVP9
	case strings.EqualFold(info.MimeType, "video/H264"):
		return NewPacketFromH264
	default:
		return nil
	}
}
