// Package audio defines the audio primitives shared by the voice session
// engine: sample/PCM codecs, wire chunks, decoded buffers, and the device
// interfaces for microphone capture and scheduled playback.
//
// Devices are explicitly constructed, explicitly owned resources. The engine
// receives them at construction time and mirrors their lifecycle (acquire on
// connect, release on hangup); nothing in this module reaches for ambient
// global audio state.
//
// Two capture shapes exist:
//
//   - [FrameStreamer]: the device pushes frames from its own audio thread
//     (the preferred, zero-copy worker path).
//   - [SampleReader]: the caller polls fixed-size blocks (the fallback tap).
//
// Playback is modelled on an output clock: [OutputDevice.Play] starts a
// [Buffer] at an absolute position on that clock, so consecutive buffers can
// be laid back-to-back without wall-clock coordination.
//
// This package lives under pkg/ because external code (custom device adapters)
// is expected to implement these interfaces.
package audio

import (
	"io"
	"time"
)

// InputDevice is a microphone that can be acquired by the capture pipeline.
// Implementations must also implement [FrameStreamer] or [SampleReader].
type InputDevice interface {
	// Format reports the native capture format (mono, 16 kHz for built-ins).
	Format() Format
}

// FrameStreamer delivers frames from a dedicated audio thread.
type FrameStreamer interface {
	InputDevice

	// StartCapture acquires exclusive access to the microphone and begins
	// invoking onFrame for every captured block. onFrame runs on the device's
	// audio thread and must not block. Closing the returned io.Closer releases
	// the microphone. An error means acquisition failed.
	StartCapture(onFrame func(Frame)) (io.Closer, error)
}

// SampleReader is the polling fallback for devices without a push callback.
type SampleReader interface {
	InputDevice

	// OpenCapture acquires the microphone and returns a source to poll.
	OpenCapture() (SampleSource, error)
}

// SampleSource is an acquired polling capture stream.
type SampleSource interface {
	// ReadSamples fills p with mono samples, blocking until at least one
	// sample is available. It returns io.EOF when the stream ends.
	ReadSamples(p []float32) (int, error)

	// Close releases the microphone and unblocks a pending ReadSamples,
	// which then returns io.EOF.
	Close() error
}

// Clock is a monotonically advancing output clock.
type Clock interface {
	// Now returns the current playback position.
	Now() time.Duration
}

// Voice is a single buffer scheduled on an [OutputDevice].
type Voice interface {
	// Stop cuts the voice off immediately. Stopping an ended voice is a no-op.
	Stop()
}

// OutputDevice plays buffers at absolute positions on its clock.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	Clock

	// Format reports the device's native output format.
	Format() Format

	// Start opens the output context. Calling Start on a started device is a
	// no-op.
	Start() error

	// Play schedules buf to begin at position at. If at lies in the past the
	// buffer starts immediately. onEnded is invoked exactly once, from an
	// arbitrary goroutine, when the voice finishes or is stopped.
	Play(buf *Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Stop halts output and discards every scheduled voice. The clock keeps
	// its value so a later Start continues monotonically.
	Stop() error
}
