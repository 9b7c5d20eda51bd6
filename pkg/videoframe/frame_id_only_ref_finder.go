// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package videoframe

// manageFramePictureIDOnly resolves references using only the picture ID.
// This is used when a VP8 or VP9 frame has a picture ID but lacks the layer
// information its codec scheme needs.
//
// Reference: libwebrtc modules/video_coding/rtp_frame_id_only_ref_finder.cc
//
// Algorithm:
// - Keyframe: NumReferences = 0
// - Delta frame: NumReferences = 1, references the previous picture ID (ID - 1)
//
// The frame is never stashed: the decoder is trusted to detect a missing
// reference.
func (f *FrameReferenceFinder) manageFramePictureIDOnly(frame *EncodedFrame, pictureID int32) frameDecision {
	frame.ID = f.pictureIDs.Unwrap(uint32(pictureID) % pictureIDModulus)

	frame.NumReferences = 0
	if frame.FrameType == FrameTypeDelta {
		frame.NumReferences = 1
		frame.References[0] = frame.ID - 1
	}

	return frameHandOff
}

// manageFrameWithoutPictureID handles a VP8 or VP9 frame without any
// picture ID, which falls back to sequence number references.
func (f *FrameReferenceFinder) manageFrameWithoutPictureID(frame *EncodedFrame) frameDecision {
	f.log.Tracef("frame %d-%d has no picture id, using sequence numbers", frame.FirstSeqNum, frame.LastSeqNum)
	return f.manageFrameGeneric(frame)
}
