package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Source captures mono float32 audio from a microphone and fans it out
// on a bounded channel. The output channel is the stream handle the
// segmentation controller binds its detection engine to.
type Source struct {
	logger *slog.Logger

	sampleRate   int
	framesPerBuf int
	device       string // substring match, empty selects the default input

	outCh  chan []float32
	stream *portaudio.Stream
	cancel context.CancelFunc

	mu      sync.Mutex
	rec     Recorder
	running bool
}

// Recorder receives capture observations. A nil recorder disables
// recording.
type Recorder interface {
	RecordChunkCaptured()
	RecordChunkDropped()
}

// Config configures the microphone source.
type Config struct {
	SampleRate int
	ChunkSize  int    // frames per buffer
	Device     string // preferred device name substring
	QueueSize  int    // output channel capacity
}

// NewSource initializes portaudio and prepares a source. Call Stop to
// release the audio host.
func NewSource(logger *slog.Logger, cfg Config) (*Source, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 512
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize audio host: %w", err)
	}

	return &Source{
		logger:       logger,
		sampleRate:   cfg.SampleRate,
		framesPerBuf: cfg.ChunkSize,
		device:       cfg.Device,
		outCh:        make(chan []float32, cfg.QueueSize),
	}, nil
}

// SetRecorder attaches a capture observer. Call before Start.
func (s *Source) SetRecorder(rec Recorder) {
	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
}

// Output returns the channel capture chunks are delivered on.
func (s *Source) Output() <-chan []float32 { return s.outCh }

// Start opens the input stream and begins capture. Chunks are dropped
// when the consumer falls behind; capture itself never blocks.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	dev, err := s.selectDevice()
	if err != nil {
		return err
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(s.sampleRate),
		FramesPerBuffer: s.framesPerBuf,
	}

	buf := make([]float32, s.framesPerBuf)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return fmt.Errorf("failed to open input stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start input stream: %w", err)
	}

	captureCtx, cancel := context.WithCancel(ctx)
	s.stream = stream
	s.cancel = cancel
	s.running = true

	s.logger.Info("microphone capture started",
		slog.String("device", dev.Name),
		slog.Int("sample_rate", s.sampleRate),
		slog.Int("chunk_size", s.framesPerBuf),
	)

	go s.captureLoop(captureCtx, stream, buf, dev.Name)

	return nil
}

// selectDevice picks the configured input device, or the host default.
func (s *Source) selectDevice() (*portaudio.DeviceInfo, error) {
	if s.device == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("no default input device: %w", err)
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	for _, dev := range devices {
		if dev.MaxInputChannels < 1 {
			continue
		}
		if matchesDevice(dev.Name, s.device) {
			return dev, nil
		}
	}

	return nil, fmt.Errorf("no input device matching %q", s.device)
}

func (s *Source) captureLoop(ctx context.Context, stream *portaudio.Stream, buf []float32, deviceName string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := stream.Read(); err != nil {
			s.logger.Debug("audio read error",
				slog.String("device", deviceName),
				slog.String("error", err.Error()),
			)
			return
		}

		chunk := make([]float32, len(buf))
		copy(chunk, buf)

		select {
		case s.outCh <- chunk:
			if s.rec != nil {
				s.rec.RecordChunkCaptured()
			}
		default:
			if s.rec != nil {
				s.rec.RecordChunkDropped()
			}
			s.logger.Debug("capture queue full, dropping chunk",
				slog.String("device", deviceName),
			)
		}
	}
}

// Stop halts capture and releases the audio host.
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.stream != nil {
		_ = s.stream.Stop()
		_ = s.stream.Close()
		s.stream = nil
	}
	s.running = false
	_ = portaudio.Terminate()
}

// matchesDevice reports whether a device name contains the configured
// substring, case-insensitively.
func matchesDevice(name, want string) bool {
	return strings.Contains(strings.ToLower(name), strings.ToLower(want))
}
