// Package mock provides in-memory fakes for the audio package interfaces,
// for use in tests.
package mock

import (
	"sync"

	"github.com/glotline/glotline/pkg/audio"
)

// Device is a scriptable [audio.Device]. Push buffers with [Device.Push] and
// end the stream with [Device.Close] or [Device.Fail].
type Device struct {
	// NativeFormat is the format reported by Format. Defaults to 16 kHz mono
	// when left zero.
	NativeFormat audio.Format

	CallCountClose int

	once    sync.Once
	initOne sync.Once
	buffers chan audio.Buffer

	mu  sync.Mutex
	err error
}

func (d *Device) init() {
	d.initOne.Do(func() {
		d.buffers = make(chan audio.Buffer, 64)
		if d.NativeFormat.SampleRate == 0 {
			d.NativeFormat = audio.Format{SampleRate: audio.PipelineRate, Channels: 1}
		}
	})
}

// Push delivers one raw buffer in the device's native format.
func (d *Device) Push(samples []float32) {
	d.init()
	d.buffers <- audio.Buffer{Samples: samples, Format: d.NativeFormat}
}

// Fail records err as the terminal capture error and closes the stream.
func (d *Device) Fail(err error) {
	d.init()
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
	d.once.Do(func() { close(d.buffers) })
}

// Format implements [audio.Device].
func (d *Device) Format() audio.Format {
	d.init()
	return d.NativeFormat
}

// Buffers implements [audio.Device].
func (d *Device) Buffers() <-chan audio.Buffer {
	d.init()
	return d.buffers
}

// Err implements [audio.Device].
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.init()
	d.mu.Lock()
	d.CallCountClose++
	d.mu.Unlock()
	d.once.Do(func() { close(d.buffers) })
	return nil
}
