package audio

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Source normalises a capture [Device] into fixed-size mono frames at
// [PipelineRate]. It owns a background goroutine that downmixes, resamples,
// and re-chunks raw device buffers; frames are delivered in capture order on
// the channel returned by [Source.Frames].
//
// Pause drops frames at the source without touching the device, mirroring a
// muted track: the capture stream stays open and the timeline keeps
// advancing, so Resume picks up without re-negotiating anything downstream.
type Source struct {
	dev          Device
	frames       chan Frame
	frameSamples int

	muted    atomic.Bool
	closeOne sync.Once
	done     chan struct{}
}

// SourceOption is a functional option for configuring a [Source].
type SourceOption func(*Source)

// WithFrameSamples overrides the number of samples per emitted frame.
// Defaults to [DefaultFrameSamples].
func WithFrameSamples(n int) SourceOption {
	return func(s *Source) {
		if n > 0 {
			s.frameSamples = n
		}
	}
}

// NewSource starts reading from dev and returns the framing source.
// The caller owns dev's lifetime only through [Source.Close].
func NewSource(dev Device, opts ...SourceOption) *Source {
	s := &Source{
		dev:          dev,
		frameSamples: DefaultFrameSamples,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.frames = make(chan Frame, 16)
	go s.run()
	return s
}

// Frames returns the stream of fixed-size mono frames. The channel is closed
// when the source is closed or the device fails.
func (s *Source) Frames() <-chan Frame { return s.frames }

// Pause mutes the source. Frames captured while paused are discarded.
func (s *Source) Pause() { s.muted.Store(true) }

// Resume unmutes the source.
func (s *Source) Resume() { s.muted.Store(false) }

// Paused reports whether the source is currently muted.
func (s *Source) Paused() bool { return s.muted.Load() }

// Err returns the device's terminal capture error, if any.
func (s *Source) Err() error { return s.dev.Err() }

// Close releases the underlying device and stops frame delivery.
// Safe to call more than once.
func (s *Source) Close() error {
	var err error
	s.closeOne.Do(func() {
		close(s.done)
		err = s.dev.Close()
	})
	return err
}

// run is the single framing goroutine. One device buffer is one atomic unit
// of work: it is converted and appended before the next buffer is accepted,
// which keeps frame ordering identical for every downstream consumer.
func (s *Source) run() {
	defer close(s.frames)

	var (
		pending  []float32
		emitted  int64 // mono samples accounted for, including muted ones
		warnOnce sync.Once
	)

	for buf := range s.dev.Buffers() {
		mono := Downmix(buf.Samples, buf.Format.Channels)
		if buf.Format.SampleRate != PipelineRate {
			warnOnce.Do(func() {
				slog.Warn("audio source: resampling capture stream",
					"from_hz", buf.Format.SampleRate,
					"to_hz", PipelineRate,
				)
			})
			mono = ResampleMono(mono, buf.Format.SampleRate, PipelineRate)
		}
		pending = append(pending, mono...)

		for len(pending) >= s.frameSamples {
			frame := Frame{
				Samples:   append([]float32(nil), pending[:s.frameSamples]...),
				Timestamp: time.Duration(emitted) * time.Second / PipelineRate,
			}
			pending = pending[s.frameSamples:]
			emitted += int64(s.frameSamples)

			if s.muted.Load() {
				continue
			}
			select {
			case s.frames <- frame:
			case <-s.done:
				return
			}
		}
	}
}
