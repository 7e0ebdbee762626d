// Package portaudio adapts PortAudio input and output streams to the
// [audio.CaptureDevice] and [audio.PlaybackDevice] interfaces.
//
// Call [Initialize] once before opening any device and [Terminate] on
// shutdown. Devices are selected by name substring or index; when neither is
// given the host default is used. If a device cannot be opened at the
// requested format, the adapter falls back to the device's native format and
// normalizes through an [audio.FormatConverter].
package portaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/cronovoice/crono/pkg/audio"
)

// Initialize prepares the PortAudio host API. Must be called once per process
// before any device is opened.
func Initialize() error {
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	return nil
}

// Terminate releases the PortAudio host API.
func Terminate() error {
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// Devices enumerates all host audio devices.
func Devices() ([]audio.DeviceInfo, error) {
	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]audio.DeviceInfo, 0, len(devs))
	for i, d := range devs {
		out = append(out, audio.DeviceInfo{
			Index:             i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return out, nil
}

// logDevices emits the device table at error level. Called when a stream
// cannot be opened so the operator can see what the host actually exposes.
func logDevices(direction string) {
	devs, err := Devices()
	if err != nil {
		slog.Error("portaudio: device enumeration failed", "err", err)
		return
	}
	for _, d := range devs {
		slog.Error("portaudio: available device",
			"direction", direction,
			"index", d.Index,
			"name", d.Name,
			"max_in", d.MaxInputChannels,
			"max_out", d.MaxOutputChannels,
			"default_rate", d.DefaultSampleRate,
		)
	}
}

// ─── Options ──────────────────────────────────────────────────────────────────

type config struct {
	deviceName    string
	deviceIndex   int
	sampleRate    int
	frameDuration time.Duration
}

// Option is a functional option for [OpenCapture] and [OpenPlayback].
type Option func(*config)

// WithDevice selects a device whose name contains the given substring
// (case-insensitive). An empty string keeps the host default.
func WithDevice(name string) Option {
	return func(c *config) {
		c.deviceName = name
	}
}

// WithDeviceIndex selects a device by enumeration index. Takes precedence
// over [WithDevice]. Negative values keep the host default.
func WithDeviceIndex(idx int) Option {
	return func(c *config) {
		c.deviceIndex = idx
	}
}

// WithSampleRate sets the stream sample rate in Hz. Default: 16000.
func WithSampleRate(rate int) Option {
	return func(c *config) {
		if rate > 0 {
			c.sampleRate = rate
		}
	}
}

// WithFrameDuration sets the capture frame length. Default: 30 ms.
func WithFrameDuration(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.frameDuration = d
		}
	}
}

func newConfig(opts []Option) config {
	cfg := config{
		deviceIndex:   -1,
		sampleRate:    audio.DefaultSampleRate,
		frameDuration: audio.DefaultFrameDuration,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// selectDevice resolves the configured device, or the host default when no
// selector matches. input controls which direction's channel count must be
// non-zero.
func selectDevice(cfg config, input bool) (*pa.DeviceInfo, error) {
	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}

	usable := func(d *pa.DeviceInfo) bool {
		if input {
			return d.MaxInputChannels > 0
		}
		return d.MaxOutputChannels > 0
	}

	if cfg.deviceIndex >= 0 {
		if cfg.deviceIndex >= len(devs) {
			return nil, fmt.Errorf("portaudio: device index %d out of range (%d devices)", cfg.deviceIndex, len(devs))
		}
		d := devs[cfg.deviceIndex]
		if !usable(d) {
			return nil, fmt.Errorf("portaudio: device %q has no usable channels", d.Name)
		}
		return d, nil
	}

	if cfg.deviceName != "" {
		needle := strings.ToLower(cfg.deviceName)
		for _, d := range devs {
			if usable(d) && strings.Contains(strings.ToLower(d.Name), needle) {
				return d, nil
			}
		}
		return nil, fmt.Errorf("portaudio: no device matching %q", cfg.deviceName)
	}

	if input {
		d, err := pa.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default input device: %w", err)
		}
		return d, nil
	}
	d, err := pa.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("portaudio: default output device: %w", err)
	}
	return d, nil
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// CaptureDevice is a PortAudio-backed [audio.CaptureDevice].
type CaptureDevice struct {
	stream   *pa.Stream
	buf      []int16
	conv     *audio.FormatConverter
	openRate int
	openCh   int

	elapsed   time.Duration
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ audio.CaptureDevice = (*CaptureDevice)(nil)

// OpenCapture opens a mono capture stream. The stream is opened at the
// requested rate if the device supports it, otherwise at the device's native
// format with conversion to the requested format. On failure the available
// devices are logged for diagnostics.
func OpenCapture(opts ...Option) (*CaptureDevice, error) {
	cfg := newConfig(opts)

	dev, err := selectDevice(cfg, true)
	if err != nil {
		logDevices("input")
		return nil, err
	}

	// Preferred format first, then the device's native rate, then native
	// rate with its full channel count.
	nativeRate := int(dev.DefaultSampleRate)
	nativeCh := dev.MaxInputChannels
	if nativeCh > 2 {
		nativeCh = 2
	}
	attempts := []audio.Format{
		{SampleRate: cfg.sampleRate, Channels: 1},
		{SampleRate: nativeRate, Channels: 1},
		{SampleRate: nativeRate, Channels: nativeCh},
	}

	var (
		stream  *pa.Stream
		buf     []int16
		openFmt audio.Format
		lastErr error
	)
	for _, f := range attempts {
		if f.SampleRate <= 0 || f.Channels <= 0 {
			continue
		}
		samples := audio.FrameSamples(f.SampleRate, cfg.frameDuration) * f.Channels
		b := make([]int16, samples)
		params := pa.StreamParameters{
			Input: pa.StreamDeviceParameters{
				Device:   dev,
				Channels: f.Channels,
				Latency:  dev.DefaultLowInputLatency,
			},
			SampleRate:      float64(f.SampleRate),
			FramesPerBuffer: audio.FrameSamples(f.SampleRate, cfg.frameDuration),
		}
		s, err := pa.OpenStream(params, b)
		if err != nil {
			lastErr = err
			continue
		}
		stream, buf, openFmt = s, b, f
		break
	}
	if stream == nil {
		logDevices("input")
		return nil, fmt.Errorf("portaudio: open capture stream on %q: %w", dev.Name, lastErr)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		logDevices("input")
		return nil, fmt.Errorf("portaudio: start capture stream on %q: %w", dev.Name, err)
	}

	d := &CaptureDevice{
		stream:   stream,
		buf:      buf,
		openRate: openFmt.SampleRate,
		openCh:   openFmt.Channels,
	}
	if openFmt.SampleRate != cfg.sampleRate || openFmt.Channels != 1 {
		d.conv = &audio.FormatConverter{Target: audio.Format{SampleRate: cfg.sampleRate, Channels: 1}}
	}

	slog.Info("portaudio: capture stream open",
		"device", dev.Name,
		"rate", openFmt.SampleRate,
		"channels", openFmt.Channels,
		"frame", cfg.frameDuration,
	)
	return d, nil
}

// ReadFrame implements [audio.CaptureDevice]. Blocks for about one frame
// period while the driver fills the buffer.
func (d *CaptureDevice) ReadFrame(ctx context.Context) (audio.Frame, error) {
	if d.closed.Load() {
		return audio.Frame{}, audio.ErrDeviceClosed
	}
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}

	if err := d.stream.Read(); err != nil {
		if d.closed.Load() {
			return audio.Frame{}, audio.ErrDeviceClosed
		}
		// Overflows and driver hiccups are transient; callers log and
		// continue per the engine's frame-error policy.
		return audio.Frame{}, fmt.Errorf("portaudio: read: %w", err)
	}

	pcm := make([]byte, len(d.buf)*2)
	for i, s := range d.buf {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	frame := audio.Frame{
		Data:       pcm,
		SampleRate: d.openRate,
		Channels:   d.openCh,
		Timestamp:  d.elapsed,
	}
	if d.conv != nil {
		frame = d.conv.Convert(frame)
	}
	d.elapsed += frame.Duration()
	frame.Timestamp = d.elapsed - frame.Duration()
	return frame, nil
}

// Close implements [audio.CaptureDevice]. Unblocks a pending ReadFrame.
func (d *CaptureDevice) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		if err := d.stream.Abort(); err != nil {
			d.closeErr = fmt.Errorf("portaudio: abort capture: %w", err)
		}
		if err := d.stream.Close(); err != nil && d.closeErr == nil {
			d.closeErr = fmt.Errorf("portaudio: close capture: %w", err)
		}
	})
	return d.closeErr
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// PlaybackDevice is a PortAudio-backed [audio.PlaybackDevice].
type PlaybackDevice struct {
	stream *pa.Stream
	out    []int16
	rate   int

	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ audio.PlaybackDevice = (*PlaybackDevice)(nil)

// OpenPlayback opens a mono playback stream at the configured sample rate
// (default 16 kHz, matching the synthesizer output).
func OpenPlayback(opts ...Option) (*PlaybackDevice, error) {
	cfg := newConfig(opts)

	dev, err := selectDevice(cfg, false)
	if err != nil {
		logDevices("output")
		return nil, err
	}

	d := &PlaybackDevice{rate: cfg.sampleRate}
	params := pa.StreamParameters{
		Output: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(cfg.sampleRate),
		FramesPerBuffer: pa.FramesPerBufferUnspecified,
	}
	// Pointer-to-slice buffer: the slice is re-pointed at each Write so
	// chunks of any size can be played.
	stream, err := pa.OpenStream(params, &d.out)
	if err != nil {
		logDevices("output")
		return nil, fmt.Errorf("portaudio: open playback stream on %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start playback stream on %q: %w", dev.Name, err)
	}
	d.stream = stream

	slog.Info("portaudio: playback stream open", "device", dev.Name, "rate", cfg.sampleRate)
	return d, nil
}

// Write implements [audio.PlaybackDevice]. Blocks until the driver has
// consumed the chunk.
func (d *PlaybackDevice) Write(ctx context.Context, pcm []byte) error {
	if d.closed.Load() {
		return audio.ErrDeviceClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(pcm) < 2 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	d.out = samples

	if err := d.stream.Write(); err != nil {
		if d.closed.Load() {
			return audio.ErrDeviceClosed
		}
		return fmt.Errorf("portaudio: write: %w", err)
	}
	return nil
}

// Close implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.mu.Lock()
		defer d.mu.Unlock()
		if err := d.stream.Stop(); err != nil {
			d.closeErr = fmt.Errorf("portaudio: stop playback: %w", err)
		}
		if err := d.stream.Close(); err != nil && d.closeErr == nil {
			d.closeErr = fmt.Errorf("portaudio: close playback: %w", err)
		}
	})
	return d.closeErr
}
