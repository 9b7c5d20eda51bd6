// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package videoframe

import (
	"github.com/Azunyan1111/rtpframe/internal/seqnum"
)

// maxUpSwitchAge is how far behind lastPictureID up-switch frames are kept.
// Reference: libwebrtc rtp_vp9_ref_finder.cc (last_picture_id_ - 50)
const maxUpSwitchAge = 50

// vp9GOFEntry is the GOF used by the frames of one TL0PICIDX.
type vp9GOFEntry struct {
	// pidTL0 is the picture ID of the base layer frame of the TL0PICIDX.
	pidTL0 uint8
	gof    *GOFInfo
}

// vp9RefState resolves frame references using VP9 flexible mode references
// or the GOF from the scalability structure (SS data).
//
// Reference: libwebrtc modules/video_coding/rtp_vp9_ref_finder.cc
//
// - Flexible mode: references are given by P_DIFF in every frame
// - Non-flexible mode: references are looked up in the GOF installed by the
//   last base layer frame carrying SS data, by the position of the picture
//   ID in the GOF
// - Up-switch (U bit): frames after it do not reference frames of lower
//   temporal layers from before it
type vp9RefState struct {
	// scalabilityStructures is a round-robin pool of received GOFs.
	scalabilityStructures []GOFInfo
	currentSSIdx          int

	// gofInfo maps TL0PICIDX to the GOF used by its frames.
	gofInfo map[uint8]vp9GOFEntry

	// upSwitch maps picture IDs of up-switch frames to their temporal layer.
	upSwitch map[uint8]uint8

	// missingFramesForLayer holds skipped picture IDs by temporal layer.
	missingFramesForLayer [MaxTemporalLayers]map[uint8]struct{}
}

func (s *vp9RefState) reset(gofCacheSize int) {
	s.scalabilityStructures = make([]GOFInfo, gofCacheSize)
	s.currentSSIdx = 0
	s.gofInfo = make(map[uint8]vp9GOFEntry)
	s.upSwitch = make(map[uint8]uint8)
	for i := range s.missingFramesForLayer {
		s.missingFramesForLayer[i] = make(map[uint8]struct{})
	}
}

// manageFrameVP9 resolves the references of a VP9 frame.
// Reference: libwebrtc rtp_frame_reference_finder.cc ManageFrameVp9()
func (f *FrameReferenceFinder) manageFrameVP9(frame *EncodedFrame, header *VP9Header) frameDecision {
	if header.PictureID == NoPictureID {
		return f.manageFrameWithoutPictureID(frame)
	}
	if header.TemporalIdx == NoTemporalIdx || (!header.FlexibleMode && header.TL0PicIdx == NoTL0PicIdx) {
		return f.manageFramePictureIDOnly(frame, header.PictureID)
	}

	state := &f.vp9
	frame.SpatialLayer = header.SpatialIdx
	frame.InterLayerPredicted = header.InterLayerPredicted

	pid := uint8(header.PictureID % pictureIDModulus)
	tid := uint8(header.TemporalIdx)

	if f.lastPictureID == -1 {
		f.lastPictureID = int32(pid)
	}

	if header.FlexibleMode {
		frame.NumReferences = int(header.NumRefPics)
		for i := 0; i < frame.NumReferences; i++ {
			frame.References[i] = int64(pictureIDDiff(pid, header.PIDDiff[i]))
		}

		f.completeFrame(frame, pid)
		return frameHandOff
	}

	tl0 := uint8(header.TL0PicIdx)

	if header.GOF != nil {
		// Scalability structures can only be sent with tl0 frames.
		if tid != 0 {
			f.log.Warnf("received scalability structure on a non base layer frame (picture id %d), ignoring it", pid)
		} else {
			state.currentSSIdx = (state.currentSSIdx + 1) % len(state.scalabilityStructures)
			gof := &state.scalabilityStructures[state.currentSSIdx]
			*gof = *header.GOF
			gof.pidStart = uint16(pid)

			if _, ok := state.gofInfo[tl0]; !ok {
				state.gofInfo[tl0] = vp9GOFEntry{pidTL0: pid, gof: gof}
			}
		}
	}
	hasSS := header.GOF != nil && tid == 0

	// Clean up info for base layers that are too old.
	oldTL0 := tl0 - uint8(f.gofCacheSize)
	for idx := range state.gofInfo {
		if seqnum.AheadOf(uint32(oldTL0), uint32(idx), tl0PicIdxModulus) {
			delete(state.gofInfo, idx)
		}
	}

	if frame.FrameType == FrameTypeKey {
		frame.NumReferences = 0

		// When using GOF all keyframes must include the scalability structure.
		entry, ok := state.gofInfo[tl0]
		if !ok {
			f.log.Warnf("received keyframe without scalability structure (picture id %d)", pid)
			f.lastPictureID = int32(pid)
		} else {
			f.frameReceivedVP9(pid, entry.gof)
		}

		f.completeFrame(frame, pid)
		return frameHandOff
	}

	lookupTL0 := tl0
	if tid == 0 && !hasSS {
		lookupTL0 = tl0 - 1
	}

	// GOF info for this frame is not available yet, stash this frame.
	entry, ok := state.gofInfo[lookupTL0]
	if !ok {
		return frameStash
	}
	gof := entry.gof

	f.frameReceivedVP9(pid, gof)

	// Make sure we don't miss any frame that could potentially have the
	// up switch flag set.
	if f.missingRequiredFrameVP9(pid, gof) {
		return frameStash
	}

	if header.TemporalUpSwitch {
		state.upSwitch[pid] = tid
	}

	// If this is a base layer frame that contains a scalability structure
	// then gof info has already been inserted earlier, so we only want to
	// insert if we haven't done so already.
	if tid == 0 && !hasSS {
		if _, ok := state.gofInfo[tl0]; !ok {
			state.gofInfo[tl0] = vp9GOFEntry{pidTL0: pid, gof: gof}
		}
	}

	// Clean out old info about up switch frames.
	oldPID := pictureIDDiff(uint8(f.lastPictureID), maxUpSwitchAge)
	for upSwitchPID := range state.upSwitch {
		if pictureIDOlder(upSwitchPID, oldPID) {
			delete(state.upSwitch, upSwitchPID)
		}
	}

	gofIdx := gofIndex(gof, pid)

	// Populate references according to the scalability structure. A reference
	// to a frame earlier than the last up switch point is ignored.
	frame.NumReferences = 0
	for i := 0; i < int(gof.NumRefPics[gofIdx]); i++ {
		ref := pictureIDDiff(pid, gof.PIDDiff[gofIdx][i])
		if f.upSwitchInIntervalVP9(pid, tid, ref) {
			continue
		}

		frame.References[frame.NumReferences] = int64(ref)
		frame.NumReferences++
	}

	f.completeFrame(frame, pid)
	return frameHandOff
}

// gofIndex returns the position of pid in the GOF.
func gofIndex(gof *GOFInfo, pid uint8) int {
	diff := seqnum.ForwardDiff(uint32(gof.pidStart), uint32(pid), pictureIDModulus)
	return int(diff % uint32(gof.NumFramesInGOF))
}

// missingRequiredFrameVP9 reports whether a frame of a lower temporal layer
// between a reference and pid is missing.
// Reference: libwebrtc rtp_frame_reference_finder.cc MissingRequiredFrameVp9()
func (f *FrameReferenceFinder) missingRequiredFrameVP9(pid uint8, gof *GOFInfo) bool {
	gofIdx := gofIndex(gof, pid)
	temporalIdx := int(gof.TemporalIdx[gofIdx])

	// For every reference this frame has, check if there is a frame missing in
	// the interval (ref, pid) in any of the lower temporal layers.
	for i := 0; i < int(gof.NumRefPics[gofIdx]); i++ {
		ref := pictureIDDiff(pid, gof.PIDDiff[gofIdx][i])
		for layer := 0; layer < temporalIdx; layer++ {
			for missing := range f.vp9.missingFramesForLayer[layer] {
				if pictureIDBetween(missing, ref, pid) {
					return true
				}
			}
		}
	}

	return false
}

// frameReceivedVP9 records the skipped picture IDs as missing for their
// temporal layer, or removes pid from the missing frames if it was missing.
// Reference: libwebrtc rtp_frame_reference_finder.cc FrameReceivedVp9()
func (f *FrameReferenceFinder) frameReceivedVP9(pid uint8, gof *GOFInfo) {
	state := &f.vp9

	if f.lastPictureID != -1 && seqnum.AheadOf(uint32(pid), uint32(f.lastPictureID), pictureIDModulus) {
		gofIdx := gofIndex(gof, uint8(f.lastPictureID))
		numFrames := int(gof.NumFramesInGOF)

		f.updateLastPictureID(pid, func(missing uint8) {
			gofIdx = (gofIdx + 1) % numFrames
			temporalIdx := gof.TemporalIdx[gofIdx]
			state.missingFramesForLayer[temporalIdx][missing] = struct{}{}
		})
	} else {
		temporalIdx := gof.TemporalIdx[gofIndex(gof, pid)]
		delete(state.missingFramesForLayer[temporalIdx], pid)
	}

	// Forget missing frames that are too old to be waited for.
	oldPID := pictureIDDiff(uint8(f.lastPictureID), maxNotYetReceivedFrames)
	for layer := range state.missingFramesForLayer {
		for missing := range state.missingFramesForLayer[layer] {
			if pictureIDOlder(missing, oldPID) {
				delete(state.missingFramesForLayer[layer], missing)
			}
		}
	}
}

// upSwitchInIntervalVP9 reports whether an up-switch frame of a lower
// temporal layer than tid lies strictly between ref and pid.
// Reference: libwebrtc rtp_frame_reference_finder.cc UpSwitchInIntervalVp9()
func (f *FrameReferenceFinder) upSwitchInIntervalVP9(pid, tid, ref uint8) bool {
	for upSwitchPID, upSwitchTID := range f.vp9.upSwitch {
		if upSwitchTID < tid && pictureIDBetween(upSwitchPID, ref, pid) {
			return true
		}
	}
	return false
}
