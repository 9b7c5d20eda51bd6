// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package videoframe

import (
	"github.com/Azunyan1111/rtpframe/internal/seqnum"
)

const (
	// maxLayerInfo is the number of TL0PICIDX values layer information is kept for.
	// Reference: libwebrtc kMaxLayerInfo
	maxLayerInfo = 10

	// maxNotYetReceivedFrames is how far behind the current picture ID
	// missing frames are tracked.
	// Reference: libwebrtc kMaxNotYetReceivedFrames
	maxNotYetReceivedFrames = 20
)

// noPicture marks a temporal layer without a picture in layerInfo.
const noPicture = -1

// vp8LayerInfo holds the newest picture ID of each temporal layer.
type vp8LayerInfo [MaxTemporalLayers]int16

// vp8RefState resolves frame references using VP8 temporal layer information.
// This is used when PictureID, TID and TL0PICIDX are all available.
//
// Reference: libwebrtc modules/video_coding/rtp_vp8_ref_finder.cc
//
// VP8 Temporal Scalability:
// - TID (Temporal ID): 0 = base layer, 1+ = enhancement layers
// - TL0PICIDX: Counter that increments for each base layer (TID=0) frame
// - Frames in higher temporal layers reference frames in lower layers
//
// Reference structure:
// - Keyframe: No references, starts a new layer info entry
// - Base layer (TID=0) delta: References the previous base layer frame
// - Layer sync (Y bit): References the base layer frame of its TL0PICIDX
// - Other frames: Reference the newest frame of each layer up to their own
type vp8RefState struct {
	// layerInfo maps TL0PICIDX to the newest picture ID of each temporal layer.
	layerInfo map[uint8]vp8LayerInfo

	// notYetReceived holds picture IDs skipped by lastPictureID that have not
	// been resolved yet.
	notYetReceived map[uint8]struct{}
}

func (s *vp8RefState) reset() {
	s.layerInfo = make(map[uint8]vp8LayerInfo)
	s.notYetReceived = make(map[uint8]struct{})
}

// manageFrameVP8 resolves the references of a VP8 frame.
// Reference: libwebrtc rtp_frame_reference_finder.cc ManageFrameVp8()
func (f *FrameReferenceFinder) manageFrameVP8(frame *EncodedFrame, header *VP8Header) frameDecision {
	if header.PictureID == NoPictureID {
		return f.manageFrameWithoutPictureID(frame)
	}
	if !header.hasLayerInfo() {
		return f.manageFramePictureIDOnly(frame, header.PictureID)
	}

	state := &f.vp8
	pid := uint8(header.PictureID % pictureIDModulus)
	tl0 := uint8(header.TL0PicIdx)
	tid := int(header.TemporalIdx)

	// Find if there has been a gap in fully received frames and save the
	// picture ID of those frames in notYetReceived.
	f.updateLastPictureID(pid, func(missing uint8) {
		state.notYetReceived[missing] = struct{}{}
	})

	// Clean up info for base layers that are too old.
	oldTL0 := tl0 - maxLayerInfo
	for idx := range state.layerInfo {
		if seqnum.AheadOf(uint32(oldTL0), uint32(idx), tl0PicIdxModulus) {
			delete(state.layerInfo, idx)
		}
	}

	// Clean up info about not yet received frames that are too old.
	oldPID := pictureIDDiff(pid, maxNotYetReceivedFrames)
	for missing := range state.notYetReceived {
		if pictureIDOlder(missing, oldPID) {
			delete(state.notYetReceived, missing)
		}
	}

	if frame.FrameType == FrameTypeKey {
		frame.NumReferences = 0
		state.layerInfo[tl0] = vp8LayerInfo{noPicture, noPicture, noPicture, noPicture, noPicture}
		f.completeFrameVP8(frame, pid, tl0, tid)
		return frameHandOff
	}

	lookupTL0 := tl0
	if tid == 0 {
		lookupTL0 = tl0 - 1
	}

	// If we don't have the base layer frame yet, stash this frame.
	info, ok := state.layerInfo[lookupTL0]
	if !ok {
		return frameStash
	}

	// A non keyframe base layer frame has been received, copy the layer info
	// from the previous base layer frame and set a reference to the previous
	// base layer frame.
	if tid == 0 {
		if current, ok := state.layerInfo[tl0]; ok {
			info = current
		} else {
			state.layerInfo[tl0] = info
		}
		if info[0] == noPicture {
			return frameStash
		}
		// A newer base layer frame already updated the layer info.
		if seqnum.AheadOrAt(uint32(info[0]), uint32(pid), pictureIDModulus) {
			return f.dropOutdatedFrameVP8(pid)
		}

		frame.NumReferences = 1
		frame.References[0] = int64(info[0])
		f.completeFrameVP8(frame, pid, tl0, tid)
		return frameHandOff
	}

	// Layer sync frame, this frame only references its base layer frame.
	if header.LayerSync {
		if info[0] == noPicture {
			return frameStash
		}

		frame.NumReferences = 1
		frame.References[0] = int64(info[0])
		f.completeFrameVP8(frame, pid, tl0, tid)
		return frameHandOff
	}

	// Find all references for this frame.
	frame.NumReferences = 0
	for layer := 0; layer <= tid; layer++ {
		ref := info[layer]
		if ref == noPicture {
			return frameStash
		}
		// A newer frame on this layer, such as a layer sync frame, already
		// updated the layer info.
		if seqnum.AheadOrAt(uint32(ref), uint32(pid), pictureIDModulus) {
			return f.dropOutdatedFrameVP8(pid)
		}

		// If we have not yet received a frame between this frame and the
		// referenced frame then we have to wait for that frame to be completed first.
		for missing := range state.notYetReceived {
			if pictureIDBetween(missing, uint8(ref), pid) {
				return frameStash
			}
		}

		frame.References[layer] = int64(ref)
		frame.NumReferences++
	}

	f.completeFrameVP8(frame, pid, tl0, tid)
	return frameHandOff
}

// dropOutdatedFrameVP8 drops a frame that arrived after a newer frame on
// its layer was resolved. The frame was received, so it no longer holds
// back frames waiting for it.
func (f *FrameReferenceFinder) dropOutdatedFrameVP8(pid uint8) frameDecision {
	delete(f.vp8.notYetReceived, pid)
	return frameDrop
}

// completeFrameVP8 records a resolved VP8 frame in the layer information
// and unwraps its picture IDs.
// Reference: libwebrtc rtp_frame_reference_finder.cc CompletedFrameVp8()
func (f *FrameReferenceFinder) completeFrameVP8(frame *EncodedFrame, pid, tl0 uint8, tid int) {
	state := &f.vp8

	// Update this layer info and newer, without going back in time.
	for i := 0; i < len(state.layerInfo); i++ {
		info, ok := state.layerInfo[tl0]
		if !ok {
			break
		}
		if info[tid] != noPicture && seqnum.AheadOf(uint32(info[tid]), uint32(pid), pictureIDModulus) {
			break
		}

		info[tid] = int16(pid)
		state.layerInfo[tl0] = info
		tl0++
	}
	delete(state.notYetReceived, pid)

	f.completeFrame(frame, pid)
}
