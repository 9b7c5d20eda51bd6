// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package videoframe

import (
	"github.com/gammazero/deque"
	"github.com/pion/logging"

	"github.com/Azunyan1111/rtpframe/internal/seqnum"
)

const (
	// pictureIDModulus is the range picture IDs are reduced to before
	// reference finding.
	// Reference: libwebrtc kPicIdLength = 1 << 7
	pictureIDModulus = 1 << 7

	// tl0PicIdxModulus is the modulus for 8-bit TL0PICIDX.
	tl0PicIdxModulus = 1 << 8

	// DefaultStashLimit is the default number of frames kept while waiting
	// for their references.
	DefaultStashLimit = 16

	// DefaultGOFCacheSize is the default number of stored VP9 GOF structures.
	DefaultGOFCacheSize = 16

	// maxGOFCacheSize keeps the GOF window inside half the TL0PICIDX range.
	maxGOFCacheSize = 64

	// emittedHistorySize bounds the history used to drop repeated frames.
	emittedHistorySize = 512
)

// frameDecision is the outcome of trying to resolve the references of a frame.
type frameDecision int

const (
	// frameStash keeps the frame until more frames have been resolved.
	frameStash frameDecision = iota
	// frameHandOff means the references are set and the frame can be emitted.
	frameHandOff
	// frameDrop means the frame can never be resolved.
	frameDrop
)

func (d frameDecision) String() string {
	switch d {
	case frameStash:
		return "stash"
	case frameHandOff:
		return "hand off"
	default:
		return "drop"
	}
}

// idSpace separates frame IDs derived from sequence numbers from those
// derived from picture IDs.
type idSpace uint8

const (
	idSpaceSeqNum idSpace = iota
	idSpacePictureID
)

// emittedKey identifies an emitted frame.
type emittedKey struct {
	space        idSpace
	id           int64
	spatialLayer uint8
}

// FrameReferenceFinder resolves frame dependencies for video frames.
// This is similar to libwebrtc's RtpFrameReferenceFinder
// (modules/video_coding/rtp_frame_reference_finder.cc).
//
// Frames from a PacketBuffer are given to ManageFrame, which sets their ID
// and references. A frame whose references cannot be determined yet is
// stashed and retried whenever another frame is resolved.
//
// The reference scheme is chosen per frame from its codec header:
// - No codec header: references are derived from sequence numbers
// - VP8 with picture ID, TID and TL0PICIDX: temporal layer references
// - VP9 with picture ID and TID: flexible mode or GOF references
// - VP8 or VP9 with only a picture ID: the previous picture ID
//
// FrameReferenceFinder is not safe for concurrent use.
type FrameReferenceFinder struct {
	log logging.LeveledLogger

	stashLimit   int
	gofCacheSize int

	stash deque.Deque[*EncodedFrame]

	// lastPictureID is the newest picture ID seen by VP8 and VP9 frames,
	// reduced to pictureIDModulus. -1 if none.
	lastPictureID int32

	// pictureIDs unwraps picture IDs for every codec.
	pictureIDs *seqnum.Unwrapper

	generic genericRefState
	vp8     vp8RefState
	vp9     vp9RefState

	emitted      map[emittedKey]struct{}
	emittedOrder deque.Deque[emittedKey]
}

// FrameReferenceFinderOption can be used to configure FrameReferenceFinder.
type FrameReferenceFinderOption func(f *FrameReferenceFinder) error

// NewFrameReferenceFinder creates a new FrameReferenceFinder.
func NewFrameReferenceFinder(opts ...FrameReferenceFinderOption) (*FrameReferenceFinder, error) {
	f := &FrameReferenceFinder{
		stashLimit:    DefaultStashLimit,
		gofCacheSize:  DefaultGOFCacheSize,
		lastPictureID: -1,
		pictureIDs:    seqnum.NewUnwrapper(pictureIDModulus),
		emitted:       make(map[emittedKey]struct{}),
	}

	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}

	if f.log == nil {
		f.log = logging.NewDefaultLoggerFactory().NewLogger("videoframe")
	}

	f.generic.reset()
	f.vp8.reset()
	f.vp9.reset(f.gofCacheSize)

	return f, nil
}

// ManageFrame processes a frame and resolves its references.
// Returns the frames that are ready for decoding, in the order they were
// resolved. The returned slice may contain:
// - The input frame if its references are resolved
// - Previously stashed frames that can now be resolved
// - Nothing if the frame needs to wait for dependencies
//
// Frames that are dropped are released back to their PacketBuffer.
//
// Reference: libwebrtc rtp_frame_reference_finder.cc ManageFrame()
func (f *FrameReferenceFinder) ManageFrame(frame *EncodedFrame) []*EncodedFrame {
	if frame == nil {
		return nil
	}

	var resolved []*EncodedFrame

	decision := f.manageFrameInternal(frame)
	f.log.Tracef("frame %d-%d (%s): %s", frame.FirstSeqNum, frame.LastSeqNum, frame.Codec(), decision)

	switch decision {
	case frameStash:
		f.stashFrame(frame)
		return nil
	case frameHandOff:
		resolved = f.handOff(resolved, frame)
	default:
		f.dropFrame(frame, "unresolvable")
		return nil
	}

	return f.retryStashedFrames(resolved)
}

// ClearTo drops stashed frames with packets before seqNum, and keyframe
// information that only applies to those packets. It is called together
// with PacketBuffer.ClearTo once frames up to seqNum have been decoded.
func (f *FrameReferenceFinder) ClearTo(seqNum uint16) {
	for i := f.stash.Len(); i > 0; i-- {
		frame := f.stash.PopFront()
		if seqnum.AheadOf16(seqNum, frame.LastSeqNum) {
			f.dropFrame(frame, "cleared")
			continue
		}
		f.stash.PushBack(frame)
	}

	f.generic.clearBefore(seqNum)
}

// Reset drops all stashed frames and forgets all reference state.
// It is called together with PacketBuffer.Flush.
func (f *FrameReferenceFinder) Reset() {
	for f.stash.Len() > 0 {
		f.stash.PopFront().Release()
	}
	f.stash.Clear()

	f.lastPictureID = -1
	f.pictureIDs.Reset()
	f.generic.reset()
	f.vp8.reset()
	f.vp9.reset(f.gofCacheSize)

	f.emitted = make(map[emittedKey]struct{})
	f.emittedOrder.Clear()
}

// NumStashed returns the number of frames waiting for their references.
func (f *FrameReferenceFinder) NumStashed() int {
	return f.stash.Len()
}

// manageFrameInternal dispatches a frame to the reference scheme of its codec.
func (f *FrameReferenceFinder) manageFrameInternal(frame *EncodedFrame) frameDecision {
	if frame.CodecHeader != nil {
		if err := frame.CodecHeader.validate(); err != nil {
			f.log.Warnf("dropping frame %d-%d: %v", frame.FirstSeqNum, frame.LastSeqNum, err)
			return frameDrop
		}
	}

	switch header := frame.CodecHeader.(type) {
	case *VP8Header:
		return f.manageFrameVP8(frame, header)
	case *VP9Header:
		return f.manageFrameVP9(frame, header)
	default:
		return f.manageFrameGeneric(frame)
	}
}

// retryStashedFrames retries stashed frames until a pass over the stash
// resolves nothing. Each pass visits every frame in the stash at most once.
// Reference: libwebrtc rtp_frame_reference_finder.cc RetryStashedFrames()
func (f *FrameReferenceFinder) retryStashedFrames(resolved []*EncodedFrame) []*EncodedFrame {
	for progress := true; progress; {
		progress = false

		for i := f.stash.Len(); i > 0; i-- {
			frame := f.stash.PopFront()

			switch f.manageFrameInternal(frame) {
			case frameStash:
				f.stash.PushBack(frame)
			case frameHandOff:
				progress = true
				resolved = f.handOff(resolved, frame)
			default:
				f.dropFrame(frame, "unresolvable")
			}
		}
	}

	return resolved
}

// stashFrame keeps a frame until its references can be resolved. The oldest
// frame is dropped when the stash is full.
func (f *FrameReferenceFinder) stashFrame(frame *EncodedFrame) {
	for f.stash.Len() >= f.stashLimit {
		f.dropFrame(f.stash.PopFront(), "stash full")
	}

	f.log.Debugf("stashing frame %d-%d (%s)", frame.FirstSeqNum, frame.LastSeqNum, frame.Codec())
	f.stash.PushBack(frame)
}

// handOff appends a resolved frame unless a frame with the same ID was
// already emitted.
func (f *FrameReferenceFinder) handOff(resolved []*EncodedFrame, frame *EncodedFrame) []*EncodedFrame {
	key := emittedKey{space: idSpacePictureID, id: frame.ID, spatialLayer: frame.SpatialLayer}
	if frame.seqNumID {
		key.space = idSpaceSeqNum
	}

	if _, ok := f.emitted[key]; ok {
		f.dropFrame(frame, "already emitted")
		return resolved
	}

	f.emitted[key] = struct{}{}
	f.emittedOrder.PushBack(key)
	for f.emittedOrder.Len() > emittedHistorySize {
		delete(f.emitted, f.emittedOrder.PopFront())
	}

	f.log.Tracef("frame %d resolved with references %v", frame.ID, frame.references())

	return append(resolved, frame)
}

func (f *FrameReferenceFinder) dropFrame(frame *EncodedFrame, reason string) {
	f.log.Debugf("dropping frame %d-%d: %s", frame.FirstSeqNum, frame.LastSeqNum, reason)
	frame.Release()
}

// updateLastPictureID moves lastPictureID forward to pid and calls missing
// for every picture ID skipped on the way.
func (f *FrameReferenceFinder) updateLastPictureID(pid uint8, missing func(pid uint8)) {
	if f.lastPictureID == -1 {
		f.lastPictureID = int32(pid)
		return
	}

	last := uint32(f.lastPictureID)
	if !seqnum.AheadOf(uint32(pid), last, pictureIDModulus) {
		return
	}

	for last = seqnum.Add(last, 1, pictureIDModulus); last != uint32(pid); last = seqnum.Add(last, 1, pictureIDModulus) {
		missing(uint8(last))
	}
	f.lastPictureID = int32(pid)
}

// completeFrame unwraps the references and the picture ID of a frame.
// The references are unwrapped first, in order.
func (f *FrameReferenceFinder) completeFrame(frame *EncodedFrame, pid uint8) {
	for i := 0; i < frame.NumReferences; i++ {
		frame.References[i] = f.pictureIDs.Unwrap(uint32(frame.References[i]))
	}
	frame.ID = f.pictureIDs.Unwrap(uint32(pid))
}

// pictureIDDiff returns pid - diff modulo pictureIDModulus.
func pictureIDDiff(pid uint8, diff uint16) uint8 {
	return uint8(seqnum.Sub(uint32(pid), uint32(diff), pictureIDModulus))
}

// pictureIDBetween reports whether pid lies strictly between from and to.
func pictureIDBetween(pid, from, to uint8) bool {
	return seqnum.AheadOf(uint32(pid), uint32(from), pictureIDModulus) &&
		seqnum.AheadOf(uint32(to), uint32(pid), pictureIDModulus)
}

// pictureIDOlder reports whether pid is older than threshold.
func pictureIDOlder(pid, threshold uint8) bool {
	return seqnum.AheadOf(uint32(threshold), uint32(pid), pictureIDModulus)
}
