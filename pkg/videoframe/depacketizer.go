// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package videoframe

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

var (
	errNilPacket    = errors.New("nil rtp packet")
	errEmptyPayload = errors.New("empty rtp payload")
)

// NewPacketFromVP8 creates a Packet from an RTP packet carrying VP8.
// The payload descriptor is stripped and the remaining payload copied.
// Reference: RFC 7741 - RTP Payload Format for VP8 Video
// Reference: libwebrtc video_rtp_depacketizer_vp8.cc:175-176
func NewPacketFromVP8(pkt *rtp.Packet) (*Packet, error) {
	if pkt == nil {
		return nil, errNilPacket
	}

	vp8 := &codecs.VP8Packet{}
	if _, err := vp8.Unmarshal(pkt.Payload); err != nil {
		return nil, fmt.Errorf("vp8 payload: %w", err)
	}

	return newPacket(pkt, vp8.Payload, NewRTPVideoHeaderFromVP8(vp8, pkt.Marker)), nil
}

// NewRTPVideoHeaderFromVP8 creates an RTPVideoHeader from a VP8 packet.
// Reference: RFC 7741 - RTP Payload Format for VP8 Video
func NewRTPVideoHeaderFromVP8(pkt *codecs.VP8Packet, marker bool) RTPVideoHeader {
	vp8Header := &VP8Header{
		PictureID:   NoPictureID,
		TemporalIdx: NoTemporalIdx,
		TL0PicIdx:   NoTL0PicIdx,
	}

	header := RTPVideoHeader{
		FrameType:   FrameTypeDelta,
		CodecHeader: vp8Header,
	}

	// RFC 7741: First packet of frame has S=1 (start of partition) and PID=0 (partition index 0)
	// libwebrtc: video_header->is_first_packet_in_frame =
	//            vp8_header.beginningOfPartition && vp8_header.partitionId == 0;
	header.IsFirstPacketInFrame = pkt.S == 1 && pkt.PID == 0

	// Last packet is determined by RTP marker bit
	header.IsLastPacketInFrame = marker

	// The P bit only exists in the first packet of a frame
	if header.IsFirstPacketInFrame {
		header.FrameType = DetectVP8FrameType(pkt.Payload)
	}

	if pkt.I == 1 {
		vp8Header.PictureID = int32(pkt.PictureID)
	}

	if pkt.T == 1 {
		vp8Header.TemporalIdx = int8(pkt.TID)
		vp8Header.LayerSync = pkt.Y == 1
	}

	if pkt.L == 1 {
		vp8Header.TL0PicIdx = int16(pkt.TL0PICIDX)
	}

	return header
}

// DetectVP8FrameType detects the frame type from the VP8 payload header.
// Reference: RFC 7741 Section 4.3 - VP8 Payload Header
//
// VP8 Payload Header (first byte after VP8 Payload Descriptor):
//
//	   0 1 2 3 4 5 6 7
//	  +-+-+-+-+-+-+-+-+
//	  |Size0|H| VER |P|
//	  +-+-+-+-+-+-+-+-+
//
// P bit (bit 0): 0 = keyframe, 1 = interframe (predictive frame)
func DetectVP8FrameType(vp8Payload []byte) FrameType {
	if len(vp8Payload) == 0 {
		return FrameTypeDelta
	}
	if (vp8Payload[0] & 0x01) == 0 {
		return FrameTypeKey
	}
	return FrameTypeDelta
}

// NewPacketFromVP9 creates a Packet from an RTP packet carrying VP9.
// Each spatial layer frame is a frame of its own: B starts it and E ends it.
// Reference: RFC 9628 - RTP Payload Format for VP9 Video
func NewPacketFromVP9(pkt *rtp.Packet) (*Packet, error) {
	if pkt == nil {
		return nil, errNilPacket
	}

	vp9 := &codecs.VP9Packet{}
	if _, err := vp9.Unmarshal(pkt.Payload); err != nil {
		return nil, fmt.Errorf("vp9 payload: %w", err)
	}

	return newPacket(pkt, vp9.Payload, NewRTPVideoHeaderFromVP9(vp9)), nil
}

// NewRTPVideoHeaderFromVP9 creates an RTPVideoHeader from a VP9 packet.
func NewRTPVideoHeaderFromVP9(pkt *codecs.VP9Packet) RTPVideoHeader {
	vp9Header := &VP9Header{
		PictureID:    NoPictureID,
		TemporalIdx:  NoTemporalIdx,
		TL0PicIdx:    NoTL0PicIdx,
		FlexibleMode: pkt.F,
	}

	header := RTPVideoHeader{
		FrameType:            FrameTypeDelta,
		IsFirstPacketInFrame: pkt.B,
		IsLastPacketInFrame:  pkt.E,
		CodecHeader:          vp9Header,
	}
	if !pkt.P {
		header.FrameType = FrameTypeKey
	}

	if pkt.I {
		vp9Header.PictureID = int32(pkt.PictureID)
	}

	if pkt.L {
		vp9Header.TemporalIdx = int8(pkt.TID)
		vp9Header.SpatialIdx = pkt.SID
		vp9Header.TemporalUpSwitch = pkt.U
		vp9Header.InterLayerPredicted = pkt.D
		if !pkt.F {
			vp9Header.TL0PicIdx = int16(pkt.TL0PICIDX)
		}
	}

	if pkt.F && pkt.P {
		// Out of range counts are kept so validation rejects the packet.
		vp9Header.NumRefPics = uint8(len(pkt.PDiff))
		for i, diff := range pkt.PDiff {
			if i >= MaxReferences {
				break
			}
			vp9Header.PIDDiff[i] = uint16(diff)
		}
	}

	if pkt.V && pkt.G && pkt.NG > 0 {
		vp9Header.GOF = newGOFInfoFromVP9(pkt)
	}

	return header
}

func newGOFInfoFromVP9(pkt *codecs.VP9Packet) *GOFInfo {
	gof := &GOFInfo{NumFramesInGOF: pkt.NG}
	for i := 0; i < int(pkt.NG) && i < MaxGOFFrames; i++ {
		if i < len(pkt.PGTID) {
			gof.TemporalIdx[i] = pkt.PGTID[i]
		}
		if i >= len(pkt.PGPDiff) {
			continue
		}
		gof.NumRefPics[i] = uint8(len(pkt.PGPDiff[i]))
		for r, diff := range pkt.PGPDiff[i] {
			if r >= MaxReferences {
				break
			}
			gof.PIDDiff[i][r] = uint16(diff)
		}
	}
	return gof
}

// H.264 NAL unit types used for key frame detection.
// Reference: RFC 6184 Section 5.2
const (
	h264NALUTypeIDR   = 5
	h264NALUTypeSPS   = 7
	h264NALUTypeSTAPA = 24
	h264NALUTypeFUA   = 28
)

// NewPacketFromH264 creates a generic Packet from an RTP packet carrying
// H.264. The RTP payload is kept as is.
func NewPacketFromH264(pkt *rtp.Packet) (*Packet, error) {
	if pkt == nil {
		return nil, errNilPacket
	}
	if len(pkt.Payload) == 0 {
		return nil, errEmptyPayload
	}

	h264 := &codecs.H264Packet{}
	header := RTPVideoHeader{
		FrameType:            FrameTypeDelta,
		IsFirstPacketInFrame: h264.IsPartitionHead(pkt.Payload),
		IsLastPacketInFrame:  pkt.Marker,
	}
	if isH264KeyFrame(pkt.Payload) {
		header.FrameType = FrameTypeKey
	}

	return newPacket(pkt, pkt.Payload, header), nil
}

// isH264KeyFrame reports whether an H.264 RTP payload carries an IDR slice
// or an SPS.
func isH264KeyFrame(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}

	switch naluType := payload[0] & 0x1F; naluType {
	case h264NALUTypeIDR, h264NALUTypeSPS:
		return true
	case h264NALUTypeSTAPA:
		for offset := 1; offset+2 < len(payload); {
			size := int(payload[offset])<<8 | int(payload[offset+1])
			offset += 2
			if size == 0 || offset+size > len(payload) {
				return false
			}
			if t := payload[offset] & 0x1F; t == h264NALUTypeIDR || t == h264NALUTypeSPS {
				return true
			}
			offset += size
		}
	case h264NALUTypeFUA:
		if len(payload) < 2 {
			return false
		}
		// Only the start fragment tells us the type of the frame.
		start := payload[1]&0x80 != 0
		t := payload[1] & 0x1F
		return start && (t == h264NALUTypeIDR || t == h264NALUTypeSPS)
	}
	return false
}

// newPacket copies payload since it may reference a read buffer that is
// overwritten on the next read.
func newPacket(pkt *rtp.Packet, payload []byte, header RTPVideoHeader) *Packet {
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	return &Packet{
		SequenceNumber: pkt.SequenceNumber,
		Timestamp:      pkt.Timestamp,
		Payload:        payloadCopy,
		VideoHeader:    header,
	}
}
