// Package portaudio adapts PortAudio capture devices to the [audio.Device]
// interface. It is the only package that touches the PortAudio runtime; the
// rest of the pipeline sees normalised float32 buffers.
package portaudio

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/glotline/glotline/pkg/audio"
)

// framesPerBuffer is the capture granularity requested from PortAudio.
const framesPerBuffer = 1024

// ListDevices enumerates the available input devices. The default input
// device is listed first with ID "default"; all input-capable devices follow
// with positional IDs ("device_0", "device_1", …).
func ListDevices() ([]audio.DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, &audio.DeviceError{Op: "initialize", Err: err}
	}
	defer portaudio.Terminate()

	var infos []audio.DeviceInfo

	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		infos = append(infos, audio.DeviceInfo{
			ID:   "default",
			Name: def.Name + " (default)",
		})
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return infos, &audio.DeviceError{Op: "enumerate", Err: err}
	}
	for i, d := range devices {
		if d.MaxInputChannels < 1 {
			continue
		}
		infos = append(infos, audio.DeviceInfo{
			ID:   fmt.Sprintf("device_%d", i),
			Name: d.Name,
		})
	}
	return infos, nil
}

// Open acquires the input device identified by id ("default" or "device_N")
// and starts capturing at the device's native format.
func Open(id string) (*CaptureDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, &audio.DeviceError{Op: "initialize", Err: err}
	}

	info, err := resolve(id)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	channels := info.MaxInputChannels
	if channels > 2 {
		channels = 2
	}

	params := portaudio.HighLatencyParameters(info, nil)
	params.Input.Channels = channels
	params.FramesPerBuffer = framesPerBuffer

	buf := make([]float32, framesPerBuffer*channels)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, &audio.DeviceError{Op: "open stream", Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, &audio.DeviceError{Op: "start stream", Err: err}
	}

	d := &CaptureDevice{
		stream: stream,
		buf:    buf,
		format: audio.Format{
			SampleRate: int(params.SampleRate),
			Channels:   channels,
		},
		buffers: make(chan audio.Buffer, 8),
		done:    make(chan struct{}),
	}
	go d.readLoop()
	return d, nil
}

// resolve maps a device id to a PortAudio device description.
func resolve(id string) (*portaudio.DeviceInfo, error) {
	if id == "" || id == "default" {
		info, err := portaudio.DefaultInputDevice()
		if err != nil || info == nil {
			return nil, &audio.DeviceError{Op: "default input", Err: audio.ErrNoInputDevice}
		}
		return info, nil
	}

	idxStr, ok := strings.CutPrefix(id, "device_")
	if !ok {
		return nil, &audio.DeviceError{Op: "resolve " + id, Err: audio.ErrNoInputDevice}
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return nil, &audio.DeviceError{Op: "resolve " + id, Err: audio.ErrNoInputDevice}
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, &audio.DeviceError{Op: "enumerate", Err: err}
	}
	if idx < 0 || idx >= len(devices) || devices[idx].MaxInputChannels < 1 {
		return nil, &audio.DeviceError{Op: "resolve " + id, Err: audio.ErrNoInputDevice}
	}
	return devices[idx], nil
}

// CaptureDevice is an open PortAudio input stream implementing [audio.Device].
type CaptureDevice struct {
	stream  *portaudio.Stream
	buf     []float32
	format  audio.Format
	buffers chan audio.Buffer

	mu      sync.Mutex
	readErr error

	closeOne sync.Once
	done     chan struct{}
}

// Format implements [audio.Device].
func (d *CaptureDevice) Format() audio.Format { return d.format }

// Buffers implements [audio.Device].
func (d *CaptureDevice) Buffers() <-chan audio.Buffer { return d.buffers }

// Err implements [audio.Device]. It returns the terminal capture error once
// the buffer channel has closed.
func (d *CaptureDevice) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readErr
}

// Close stops and releases the stream. Safe to call more than once.
func (d *CaptureDevice) Close() error {
	var err error
	d.closeOne.Do(func() {
		close(d.done)
		if stopErr := d.stream.Stop(); stopErr != nil {
			err = &audio.DeviceError{Op: "stop stream", Err: stopErr}
		}
		_ = d.stream.Close()
		_ = portaudio.Terminate()
	})
	return err
}

// readLoop blocks on PortAudio reads and forwards copies of each buffer.
func (d *CaptureDevice) readLoop() {
	defer close(d.buffers)

	for {
		select {
		case <-d.done:
			return
		default:
		}

		if err := d.stream.Read(); err != nil {
			select {
			case <-d.done:
				// Expected failure mode of a blocking read racing Close.
			default:
				d.mu.Lock()
				d.readErr = &audio.DeviceError{Op: "read", Err: err}
				d.mu.Unlock()
			}
			return
		}

		out := audio.Buffer{
			Samples: append([]float32(nil), d.buf...),
			Format:  d.format,
		}
		select {
		case d.buffers <- out:
		case <-d.done:
			return
		}
	}
}
