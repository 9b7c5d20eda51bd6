// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package seqnum provides modular arithmetic for RTP sequence numbers,
// picture IDs and other wrap-around counters.
package seqnum

// SeqNumModulus is the modulus of 16-bit RTP sequence numbers.
const SeqNumModulus = 1 << 16

// ForwardDiff returns the distance going forward from a to b modulo m.
func ForwardDiff(a, b, m uint32) uint32 {
	return (b%m + m - a%m) % m
}

// ReverseDiff returns the distance going backward from a to b modulo m.
func ReverseDiff(a, b, m uint32) uint32 {
	return ForwardDiff(b, a, m)
}

// MinDiff returns the shortest distance between a and b modulo m.
func MinDiff(a, b, m uint32) uint32 {
	return min(ForwardDiff(a, b, m), ReverseDiff(a, b, m))
}

// Add returns a+b modulo m.
func Add(a, b, m uint32) uint32 {
	return (a%m + b%m) % m
}

// Sub returns a-b modulo m.
func Sub(a, b, m uint32) uint32 {
	return (a%m + m - b%m) % m
}

// AheadOrAt reports whether a is ahead of or equal to b modulo m.
// When a and b are exactly m/2 apart the larger raw value is ahead.
func AheadOrAt(a, b, m uint32) bool {
	maxDist := m / 2
	if m&1 == 0 && MinDiff(a, b, m) == maxDist {
		return b%m < a%m
	}
	return ForwardDiff(b, a, m) <= maxDist
}

// AheadOf reports whether a is strictly ahead of b modulo m.
func AheadOf(a, b, m uint32) bool {
	return a%m != b%m && AheadOrAt(a, b, m)
}

// AheadOf16 is AheadOf for 16-bit sequence numbers.
func AheadOf16(a, b uint16) bool {
	return AheadOf(uint32(a), uint32(b), SeqNumModulus)
}

// AheadOrAt16 is AheadOrAt for 16-bit sequence numbers.
func AheadOrAt16(a, b uint16) bool {
	return AheadOrAt(uint32(a), uint32(b), SeqNumModulus)
}

// Unwrapper extends a wrapping counter to int64 using a single anchor,
// the last unwrapped value. Each new value is placed at the minimum
// distance from the anchor, which then moves to it.
type Unwrapper struct {
	modulus uint32
	last    int64
	started bool
}

// NewUnwrapper returns an Unwrapper for counters modulo m.
func NewUnwrapper(m uint32) *Unwrapper {
	return &Unwrapper{modulus: m}
}

// Unwrap returns the extended form of value.
func (u *Unwrapper) Unwrap(value uint32) int64 {
	value %= u.modulus
	if !u.started {
		u.started = true
		u.last = int64(value)
		return u.last
	}

	truncated := uint32(((u.last % int64(u.modulus)) + int64(u.modulus)) % int64(u.modulus))
	diff := MinDiff(truncated, value, u.modulus)
	if AheadOf(value, truncated, u.modulus) {
		u.last += int64(diff)
	} else {
		u.last -= int64(diff)
	}
	return u.last
}

// Last returns the current anchor and whether one has been set.
func (u *Unwrapper) Last() (int64, bool) {
	return u.last, u.started
}

// Reset forgets the anchor.
func (u *Unwrapper) Reset() {
	u.last = 0
	u.started = false
}
