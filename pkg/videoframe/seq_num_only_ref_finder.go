// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package videoframe

import (
	"github.com/Azunyan1111/rtpframe/internal/seqnum"
)

// maxGOPAge is how far behind the current frame keyframe information is kept,
// in sequence numbers.
// Reference: libwebrtc rtp_seq_num_only_ref_finder.cc (last_seq_num - 100)
const maxGOPAge = 100

// genericRefState resolves references using only sequence numbers.
// This is used when the frame carries no codec header.
//
// Reference: libwebrtc modules/video_coding/rtp_seq_num_only_ref_finder.cc
//
// Algorithm:
// - Keyframe: NumReferences = 0, starts a new GOP (Group of Pictures)
// - Delta frame: NumReferences = 1, references the previous frame of its GOP
// - A delta frame is stashed until the frame ending right before it is known
//
// ID Scheme: frame.ID is the last sequence number of the frame.
type genericRefState struct {
	// lastSeqNumGOP maps the last sequence number of each keyframe to the
	// last sequence number of the newest frame resolved in its GOP.
	lastSeqNumGOP map[uint16]uint16
}

func (s *genericRefState) reset() {
	s.lastSeqNumGOP = make(map[uint16]uint16)
}

// manageFrameGeneric resolves the references of a frame from its sequence numbers.
// Reference: libwebrtc rtp_frame_reference_finder.cc ManageFrameGeneric()
func (f *FrameReferenceFinder) manageFrameGeneric(frame *EncodedFrame) frameDecision {
	gop := &f.generic

	if frame.FrameType == FrameTypeKey {
		gop.lastSeqNumGOP[frame.LastSeqNum] = frame.LastSeqNum
	}

	// We have received a frame but not yet a keyframe, stash this frame.
	if len(gop.lastSeqNumGOP) == 0 {
		return frameStash
	}

	// Clean up info for old keyframes but keep info for the last keyframe.
	gop.clearBefore(frame.LastSeqNum - maxGOPAge)

	// Find the keyframe this frame indirectly references.
	keyLast, ok := gop.find(frame.LastSeqNum)
	if !ok {
		return frameStash
	}
	lastInGOP := gop.lastSeqNumGOP[keyLast]

	// Make sure the packet sequence numbers are continuous.
	if frame.FrameType == FrameTypeDelta && lastInGOP != frame.FirstSeqNum-1 {
		return frameStash
	}

	// Since keyframes can cause reordering we can't simply assign the
	// frame ID according to some incrementing counter.
	frame.ID = int64(frame.LastSeqNum)
	frame.seqNumID = true
	frame.NumReferences = 0
	if frame.FrameType == FrameTypeDelta {
		frame.NumReferences = 1
		frame.References[0] = int64(lastInGOP)
	}
	gop.lastSeqNumGOP[keyLast] = frame.LastSeqNum

	return frameHandOff
}

// find returns the newest keyframe ending at or before seqNum.
func (s *genericRefState) find(seqNum uint16) (uint16, bool) {
	var (
		best     uint16
		bestDist uint32
		found    bool
	)
	for keyLast := range s.lastSeqNumGOP {
		if !seqnum.AheadOrAt16(seqNum, keyLast) {
			continue
		}
		dist := seqnum.ForwardDiff(uint32(keyLast), uint32(seqNum), seqnum.SeqNumModulus)
		if !found || dist < bestDist {
			best, bestDist, found = keyLast, dist, true
		}
	}
	return best, found
}

// clearBefore removes keyframes ending before seqNum. Nothing is removed if
// that would remove every keyframe.
func (s *genericRefState) clearBefore(seqNum uint16) {
	keep := false
	for keyLast := range s.lastSeqNumGOP {
		if seqnum.AheadOrAt16(keyLast, seqNum) {
			keep = true
			break
		}
	}
	if !keep {
		return
	}

	for keyLast := range s.lastSeqNumGOP {
		if seqnum.AheadOf16(seqNum, keyLast) {
			delete(s.lastSeqNumGOP, keyLast)
		}
	}
}
