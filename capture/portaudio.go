package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PortAudioOptions configures the default input stream.
type PortAudioOptions struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
	Logger          *zap.Logger
}

// PortAudioDevice captures from the default input device through PortAudio.
type PortAudioDevice struct {
	o   PortAudioOptions
	log *zap.Logger

	mu          sync.Mutex
	initialized bool
	feed        *portAudioFeed
}

// NewPortAudioDevice creates a device with the given options.
func NewPortAudioDevice(o PortAudioOptions) *PortAudioDevice {
	if o.SampleRate <= 0 {
		o.SampleRate = 22050
	}
	if o.Channels <= 0 {
		o.Channels = 1
	}
	if o.FramesPerBuffer <= 0 {
		o.FramesPerBuffer = 1024
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &PortAudioDevice{o: o, log: o.Logger.Named("portaudio")}
}

// RequestAccess initializes PortAudio and checks that an input device is usable.
func (d *PortAudioDevice) RequestAccess(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		d.log.Debug("initializing portaudio")
		if err := portaudio.Initialize(); err != nil {
			return errors.Wrap(err, "capture: initializing portaudio failed")
		}
		d.initialized = true
	}

	in, err := portaudio.DefaultInputDevice()
	if err != nil || in == nil {
		return errors.Wrapf(ErrPermissionDenied, "no default input device (%v)", err)
	}
	if in.MaxInputChannels < d.o.Channels {
		return errors.Wrapf(ErrPermissionDenied, "input device %q has %d channels, %d required", in.Name, in.MaxInputChannels, d.o.Channels)
	}
	d.log.Info("input device granted", zap.String("device", in.Name), zap.Float64("default_sample_rate", in.DefaultSampleRate))
	return nil
}

// OpenStream opens and starts the default input stream.
func (d *PortAudioDevice) OpenStream(ctx context.Context) (SampleFeed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return nil, errors.New("capture: portaudio not initialized, request access first")
	}
	if d.feed != nil {
		return nil, errors.New("capture: stream already open")
	}

	buf := make([]int16, d.o.FramesPerBuffer*d.o.Channels)
	s, err := portaudio.OpenDefaultStream(d.o.Channels, 0, float64(d.o.SampleRate), d.o.FramesPerBuffer, buf)
	if err != nil {
		return nil, errors.Wrap(err, "capture: opening default stream failed")
	}
	if err = s.Start(); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "capture: starting stream failed")
	}

	d.log.Debug("stream started", zap.Int("sample_rate", d.o.SampleRate), zap.Int("frames_per_buffer", d.o.FramesPerBuffer))
	d.feed = &portAudioFeed{s: s, buf: buf}
	return d.feed, nil
}

// CloseStream stops and closes the stream, then terminates PortAudio.
func (d *PortAudioDevice) CloseStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.feed != nil {
		err = d.feed.close()
		d.feed = nil
	}
	if d.initialized {
		d.log.Debug("terminating portaudio")
		if terr := portaudio.Terminate(); terr != nil && err == nil {
			err = errors.Wrap(terr, "capture: terminating portaudio failed")
		}
		d.initialized = false
	}
	return err
}

type portAudioFeed struct {
	// mu serializes Read against close; PortAudio does not allow closing a
	// stream while a blocking read is in progress.
	mu     sync.Mutex
	s      *portaudio.Stream
	buf    []int16
	closed bool
}

func (f *portAudioFeed) Read() ([]int16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrStreamClosed
	}
	if err := f.s.Read(); err != nil {
		return nil, errors.Wrap(err, "capture: reading stream failed")
	}
	out := make([]int16, len(f.buf))
	copy(out, f.buf)
	return out, nil
}

func (f *portAudioFeed) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if err := f.s.Stop(); err != nil {
		f.s.Close()
		return errors.Wrap(err, "capture: stopping stream failed")
	}
	if err := f.s.Close(); err != nil {
		return errors.Wrap(err, "capture: closing stream failed")
	}
	return nil
}

// InputDevice describes a capture-capable device.
type InputDevice struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	DefaultSampleRate float64
	Default           bool
}

func (d InputDevice) String() string {
	marker := ""
	if d.Default {
		marker = " [default]"
	}
	return fmt.Sprintf("%s (%s, %d ch, %.0f Hz)%s", d.Name, d.HostAPI, d.MaxInputChannels, d.DefaultSampleRate, marker)
}

// ListInputDevices returns every device with at least one input channel.
func ListInputDevices() (ds []InputDevice, err error) {
	if err = portaudio.Initialize(); err != nil {
		return nil, errors.Wrap(err, "capture: initializing portaudio failed")
	}
	defer portaudio.Terminate()

	all, err := portaudio.Devices()
	if err != nil {
		return nil, errors.Wrap(err, "capture: listing devices failed")
	}
	def, _ := portaudio.DefaultInputDevice()
	for _, d := range all {
		if d.MaxInputChannels == 0 {
			continue
		}
		host := ""
		if d.HostApi != nil {
			host = d.HostApi.Name
		}
		ds = append(ds, InputDevice{
			Name:              d.Name,
			HostAPI:           host,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			Default:           def != nil && def.Name == d.Name,
		})
	}
	return ds, nil
}
