// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package videoframe reassembles video frames from RTP packets and resolves
// the references between them.
// It implements frame boundary detection and reference finding similar to
// libwebrtc's PacketBuffer and RtpFrameReferenceFinder.
package videoframe

import (
	"errors"
	"fmt"
)

// FrameType indicates the type of video frame.
type FrameType int

const (
	// FrameTypeKey indicates a key frame (I-frame).
	FrameTypeKey FrameType = iota
	// FrameTypeDelta indicates a delta frame (P-frame or B-frame).
	FrameTypeDelta
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeKey:
		return "key"
	case FrameTypeDelta:
		return "delta"
	default:
		return fmt.Sprintf("FrameType(%d)", int(t))
	}
}

// Codec identifies which reference scheme applies to a packet or frame.
type Codec int

const (
	// CodecGeneric frames carry no codec metadata; references are derived
	// from sequence numbers.
	CodecGeneric Codec = iota
	// CodecVP8 frames use temporal layers anchored on TL0PICIDX.
	CodecVP8
	// CodecVP9 frames use flexible mode references or a GOF structure.
	CodecVP9
)

func (c Codec) String() string {
	switch c {
	case CodecGeneric:
		return "generic"
	case CodecVP8:
		return "vp8"
	case CodecVP9:
		return "vp9"
	default:
		return fmt.Sprintf("Codec(%d)", int(c))
	}
}

// NoPictureID indicates that PictureID is not present.
const NoPictureID int32 = -1

// NoTemporalIdx indicates that TemporalIdx is not present.
const NoTemporalIdx int8 = -1

// NoTL0PicIdx indicates that TL0PicIdx is not present.
const NoTL0PicIdx int16 = -1

const (
	// MaxReferences is the maximum number of references a frame can have.
	MaxReferences = 5

	// MaxTemporalLayers is the maximum number of temporal layers.
	MaxTemporalLayers = 5

	// MaxGOFFrames is the maximum number of frames in a VP9 GOF.
	MaxGOFFrames = 16
)

// ErrMalformedHeader is returned when a codec header violates a limit of
// the reference finder, for example more than MaxReferences references.
var ErrMalformedHeader = errors.New("malformed codec header")

// CodecHeader is the codec specific part of an RTPVideoHeader.
// It is implemented by *VP8Header and *VP9Header.
type CodecHeader interface {
	Codec() Codec
	validate() error
}

// VP8Header holds the VP8 payload descriptor fields used for reference finding.
// Reference: RFC 7741 Section 4.2
type VP8Header struct {
	// PictureID is the picture identifier. -1 if not present.
	PictureID int32

	// TemporalIdx is the temporal layer index. -1 if not present.
	TemporalIdx int8

	// TL0PicIdx is the temporal layer 0 picture index. -1 if not present.
	TL0PicIdx int16

	// LayerSync is the Y bit: the frame only depends on the base layer.
	LayerSync bool
}

// Codec implements CodecHeader.
func (h *VP8Header) Codec() Codec { return CodecVP8 }

func (h *VP8Header) validate() error {
	if h == nil {
		return fmt.Errorf("%w: nil vp8 header", ErrMalformedHeader)
	}
	if h.TemporalIdx != NoTemporalIdx && (h.TemporalIdx < 0 || h.TemporalIdx >= MaxTemporalLayers) {
		return fmt.Errorf("%w: vp8 temporal index %d", ErrMalformedHeader, h.TemporalIdx)
	}
	if h.TL0PicIdx != NoTL0PicIdx && (h.TL0PicIdx < 0 || h.TL0PicIdx > 0xFF) {
		return fmt.Errorf("%w: vp8 tl0picidx %d", ErrMalformedHeader, h.TL0PicIdx)
	}
	if h.PictureID != NoPictureID && (h.PictureID < 0 || h.PictureID > 0x7FFF) {
		return fmt.Errorf("%w: vp8 picture id %d", ErrMalformedHeader, h.PictureID)
	}
	return nil
}

// hasLayerInfo reports whether the temporal layer reference scheme applies.
func (h *VP8Header) hasLayerInfo() bool {
	return h.PictureID != NoPictureID && h.TemporalIdx != NoTemporalIdx && h.TL0PicIdx != NoTL0PicIdx
}

// GOFInfo describes a repeating VP9 group of frames (the SS data GOF).
// Reference: RFC 9628 Section 4.2.1
type GOFInfo struct {
	// NumFramesInGOF is the length of the pattern, 1 to MaxGOFFrames.
	NumFramesInGOF uint8

	// TemporalIdx is the temporal layer of each frame in the pattern.
	TemporalIdx [MaxGOFFrames]uint8

	// NumRefPics is the number of references of each frame in the pattern.
	NumRefPics [MaxGOFFrames]uint8

	// PIDDiff holds the picture ID differences to each reference.
	PIDDiff [MaxGOFFrames][MaxReferences]uint16

	// pidStart is the picture ID of the frame the GOF was installed with.
	pidStart uint16
}

func (g *GOFInfo) validate() error {
	if g.NumFramesInGOF == 0 || g.NumFramesInGOF > MaxGOFFrames {
		return fmt.Errorf("%w: gof length %d", ErrMalformedHeader, g.NumFramesInGOF)
	}
	for i := 0; i < int(g.NumFramesInGOF); i++ {
		if g.TemporalIdx[i] >= MaxTemporalLayers {
			return fmt.Errorf("%w: gof frame %d temporal index %d", ErrMalformedHeader, i, g.TemporalIdx[i])
		}
		if g.NumRefPics[i] > MaxReferences {
			return fmt.Errorf("%w: gof frame %d has %d references", ErrMalformedHeader, i, g.NumRefPics[i])
		}
		for r := 0; r < int(g.NumRefPics[i]); r++ {
			if g.PIDDiff[i][r] == 0 || g.PIDDiff[i][r] >= pictureIDModulus {
				return fmt.Errorf("%w: gof frame %d picture id diff %d", ErrMalformedHeader, i, g.PIDDiff[i][r])
			}
		}
	}
	return nil
}

// VP9Header holds the VP9 payload descriptor fields used for reference finding.
// Reference: RFC 9628 Section 4.2
type VP9Header struct {
	// PictureID is the picture identifier. -1 if not present.
	PictureID int32

	// TemporalIdx is the temporal layer index. -1 if not present.
	TemporalIdx int8

	// SpatialIdx is the spatial layer index.
	SpatialIdx uint8

	// TL0PicIdx is the temporal layer 0 picture index. -1 if not present.
	TL0PicIdx int16

	// InterLayerPredicted is the D bit.
	InterLayerPredicted bool

	// TemporalUpSwitch is the U bit.
	TemporalUpSwitch bool

	// FlexibleMode is the F bit. References are then given by PIDDiff.
	FlexibleMode bool

	// NumRefPics is the number of valid entries in PIDDiff (flexible mode).
	NumRefPics uint8

	// PIDDiff holds the picture ID differences to each reference (flexible mode).
	PIDDiff [MaxReferences]uint16

	// GOF is the scalability structure GOF, nil if no SS data was sent.
	GOF *GOFInfo
}

// Codec implements CodecHeader.
func (h *VP9Header) Codec() Codec { return CodecVP9 }

func (h *VP9Header) validate() error {
	if h == nil {
		return fmt.Errorf("%w: nil vp9 header", ErrMalformedHeader)
	}
	if h.TemporalIdx != NoTemporalIdx && (h.TemporalIdx < 0 || h.TemporalIdx >= MaxTemporalLayers) {
		return fmt.Errorf("%w: vp9 temporal index %d", ErrMalformedHeader, h.TemporalIdx)
	}
	if h.PictureID != NoPictureID && (h.PictureID < 0 || h.PictureID > 0x7FFF) {
		return fmt.Errorf("%w: vp9 picture id %d", ErrMalformedHeader, h.PictureID)
	}
	if h.TL0PicIdx != NoTL0PicIdx && (h.TL0PicIdx < 0 || h.TL0PicIdx > 0xFF) {
		return fmt.Errorf("%w: vp9 tl0picidx %d", ErrMalformedHeader, h.TL0PicIdx)
	}
	if h.FlexibleMode {
		if h.NumRefPics > MaxReferences {
			return fmt.Errorf("%w: vp9 has %d references", ErrMalformedHeader, h.NumRefPics)
		}
		for i := 0; i < int(h.NumRefPics); i++ {
			if h.PIDDiff[i] == 0 || h.PIDDiff[i] >= pictureIDModulus {
				return fmt.Errorf("%w: vp9 picture id diff %d", ErrMalformedHeader, h.PIDDiff[i])
			}
		}
	}
	if h.GOF != nil {
		return h.GOF.validate()
	}
	return nil
}

// RTPVideoHeader contains video-specific metadata extracted from RTP packets.
// This structure is similar to libwebrtc's RTPVideoHeader.
type RTPVideoHeader struct {
	// FrameType indicates whether this is a key frame or delta frame.
	FrameType FrameType

	// IsFirstPacketInFrame indicates if this packet is the first packet of a frame.
	IsFirstPacketInFrame bool

	// IsLastPacketInFrame indicates if this packet is the last packet of a frame.
	IsLastPacketInFrame bool

	// CodecHeader is the codec specific header, nil for generic packets.
	CodecHeader CodecHeader
}

// Codec returns the codec of the header.
func (h *RTPVideoHeader) Codec() Codec {
	if h.CodecHeader == nil {
		return CodecGeneric
	}
	return h.CodecHeader.Codec()
}

// Packet is a parsed RTP packet carrying a piece of a video frame.
type Packet struct {
	// SequenceNumber is the RTP sequence number.
	SequenceNumber uint16

	// Timestamp is the RTP timestamp.
	Timestamp uint32

	// Payload is the depacketized video payload.
	Payload []byte

	// VideoHeader contains video-specific metadata.
	VideoHeader RTPVideoHeader
}

// Codec returns the codec of the packet.
func (p *Packet) Codec() Codec {
	return p.VideoHeader.Codec()
}

func (p *Packet) validate() error {
	if p.VideoHeader.CodecHeader == nil {
		return nil
	}
	return p.VideoHeader.CodecHeader.validate()
}
