// Package audio provides the capture side of the Glotline pipeline: a narrow
// [Device] abstraction over platform capture backends, a [Source] that
// normalises whatever the device delivers into fixed-size mono frames at the
// pipeline rate, and the s16le frame encoder for the streaming wire format.
//
// Device implementations are provided by adapter subpackages (e.g.
// audio/portaudio). The interfaces are intentionally narrow so the stream
// fanout stays decoupled from capture details.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// PipelineRate is the sample rate every frame leaving a [Source] has, in Hz.
const PipelineRate = 16000

// DefaultFrameSamples is the default number of samples per emitted frame
// (100 ms at the pipeline rate).
const DefaultFrameSamples = 1600

// ErrNoInputDevice is returned when no capture device exists or the requested
// device id is unknown.
var ErrNoInputDevice = errors.New("audio: no input device")

// DeviceError wraps a capture-device failure. It is fatal to pipeline
// startup: callers must not fall back to a silent source.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Format describes the native sample rate and channel count of a capture
// device.
type Format struct {
	SampleRate int
	Channels   int
}

// Buffer is one raw capture callback's worth of samples, interleaved, in the
// device's native format. Adapters convert non-float formats with
// [SamplesFromI16] or [SamplesFromU16] before delivery.
type Buffer struct {
	// Samples holds interleaved float32 samples in [-1, 1].
	Samples []float32

	// Format is the rate/channel layout of Samples.
	Format Format
}

// Frame is a fixed-size chunk of mono float32 audio at [PipelineRate],
// the atomic unit distributed by the stream fanout.
type Frame struct {
	// Samples holds exactly the configured frame length of mono samples.
	Samples []float32

	// Timestamp marks the frame's offset into the capture timeline.
	Timestamp time.Duration
}

// DeviceInfo describes a selectable capture device.
type DeviceInfo struct {
	// ID is the stable identifier passed to an adapter's open function.
	// The default device always has ID "default".
	ID string

	// Name is the human-readable device name.
	Name string
}

// Device is an open capture handle. Implementations must be safe for
// concurrent use of Close with an in-flight Buffers receive.
type Device interface {
	// Format reports the device's native sample layout.
	Format() Format

	// Buffers returns the stream of raw capture buffers. The channel is
	// closed when the device is closed or fails; a device-level failure is
	// reported through Err afterwards.
	Buffers() <-chan Buffer

	// Err returns the terminal capture error, if any, once Buffers is closed.
	Err() error

	// Close releases the device. Safe to call more than once.
	Close() error
}
