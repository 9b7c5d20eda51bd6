// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package videoframe

import (
	"errors"
	"fmt"

	"github.com/pion/logging"
)

// ErrInvalidOption is returned when an option value is out of range.
var ErrInvalidOption = errors.New("invalid option")

func validateStashLimit(limit int) error {
	if limit < 1 {
		return fmt.Errorf("%w: stash limit %d", ErrInvalidOption, limit)
	}
	return nil
}

func validateGOFCacheSize(size int) error {
	if size < 1 || size > maxGOFCacheSize {
		return fmt.Errorf("%w: gof cache size %d, must be in [1, %d]", ErrInvalidOption, size, maxGOFCacheSize)
	}
	return nil
}

// WithRefFinderStashLimit sets the number of frames kept while waiting for
// their references. Default is 16.
func WithRefFinderStashLimit(limit int) FrameReferenceFinderOption {
	return func(f *FrameReferenceFinder) error {
		if err := validateStashLimit(limit); err != nil {
			return err
		}
		f.stashLimit = limit
		return nil
	}
}

// WithRefFinderGOFCacheSize sets the number of stored VP9 GOF structures.
// Default is 16.
func WithRefFinderGOFCacheSize(size int) FrameReferenceFinderOption {
	return func(f *FrameReferenceFinder) error {
		if err := validateGOFCacheSize(size); err != nil {
			return err
		}
		f.gofCacheSize = size
		return nil
	}
}

// WithRefFinderLoggerFactory sets a logger factory for the reference finder.
func WithRefFinderLoggerFactory(loggerFactory logging.LoggerFactory) FrameReferenceFinderOption {
	return func(f *FrameReferenceFinder) error {
		f.log = loggerFactory.NewLogger("videoframe")
		return nil
	}
}

// WithBufferSize sets the initial and maximum packet buffer size of a Receiver.
// Both must be powers of 2. Default is 32 and 2048.
func WithBufferSize(startSize, maxSize int) ReceiverOption {
	return func(r *Receiver) error {
		r.startSize = startSize
		r.maxSize = maxSize
		return nil
	}
}

// WithReceiverStashLimit sets the stash limit of the Receiver's reference finder.
func WithReceiverStashLimit(limit int) ReceiverOption {
	return func(r *Receiver) error {
		if err := validateStashLimit(limit); err != nil {
			return err
		}
		r.stashLimit = limit
		return nil
	}
}

// WithReceiverGOFCacheSize sets the GOF cache size of the Receiver's reference finder.
func WithReceiverGOFCacheSize(size int) ReceiverOption {
	return func(r *Receiver) error {
		if err := validateGOFCacheSize(size); err != nil {
			return err
		}
		r.gofCacheSize = size
		return nil
	}
}

// WithReceiverLoggerFactory sets a logger factory for the Receiver.
func WithReceiverLoggerFactory(loggerFactory logging.LoggerFactory) ReceiverOption {
	return func(r *Receiver) error {
		r.loggerFactory = loggerFactory
		return nil
	}
}

// ReceiverInterceptorOption can be used to configure ReceiverInterceptor.
type ReceiverInterceptorOption func(r *ReceiverInterceptor) error

// WithPacketBufferSize sets the initial packet buffer size.
// Size must be a power of 2 (32, 64, 128, 256, 512, 1024, 2048).
// Default is 32.
func WithPacketBufferSize(size uint16) ReceiverInterceptorOption {
	return func(r *ReceiverInterceptor) error {
		r.packetBufferSize = int(size)
		return nil
	}
}

// WithMaxPacketBufferSize sets the size the packet buffer can grow to.
// Size must be a power of 2 and at most 32768. Default is 2048.
func WithMaxPacketBufferSize(size uint16) ReceiverInterceptorOption {
	return func(r *ReceiverInterceptor) error {
		r.maxPacketBufferSize = int(size)
		return nil
	}
}

// WithStashLimit sets the number of frames kept per stream while waiting
// for their references. Default is 16.
func WithStashLimit(limit int) ReceiverInterceptorOption {
	return func(r *ReceiverInterceptor) error {
		if err := validateStashLimit(limit); err != nil {
			return err
		}
		r.stashLimit = limit
		return nil
	}
}

// WithGOFCacheSize sets the number of stored VP9 GOF structures per stream.
// Default is 16.
func WithGOFCacheSize(size int) ReceiverInterceptorOption {
	return func(r *ReceiverInterceptor) error {
		if err := validateGOFCacheSize(size); err != nil {
			return err
		}
		r.gofCacheSize = size
		return nil
	}
}

// WithLog sets a logger for the interceptor.
func WithLog(log logging.LeveledLogger) ReceiverInterceptorOption {
	return func(r *ReceiverInterceptor) error {
		r.log = log
		return nil
	}
}

// WithLoggerFactory sets a logger factory for the interceptor.
func WithLoggerFactory(loggerFactory logging.LoggerFactory) ReceiverInterceptorOption {
	return func(r *ReceiverInterceptor) error {
		r.loggerFactory = loggerFactory
		return nil
	}
}
