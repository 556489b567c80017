package vad

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	// eventQueueSize bounds the event channel so a stalled consumer
	// cannot block the capture path.
	eventQueueSize = 16

	// fullScaleRMS is the RMS level treated as probability 1.0. Normal
	// speech at a desktop microphone sits well above the noise floor
	// relative to this reference.
	fullScaleRMS = 0.25

	// smoothing is the exponential smoothing factor applied to window
	// probabilities.
	smoothing = float32(0.3)
)

// EnergyEngine is a self-contained RMS-energy voice activity detector.
// It assembles fixed-size windows from the bound source, classifies each
// window against the threshold, and applies pre-roll padding and hangover
// debounce around speech boundaries. Model-backed detectors plug in
// behind the same Engine interface.
type EnergyEngine struct {
	logger *slog.Logger

	windowSize int
	preroll    int // windows of lead-in audio prepended on speech start
	hangover   int // silence windows required before SpeechEnd fires

	source <-chan []float32
	events chan Event

	mu          sync.Mutex
	rec         Recorder
	threshold   float32
	sampleRate  int
	initialized bool
	running     bool
	closed      bool

	// detection state, touched only by the processing goroutine
	pending      []float32
	prerollBuf   [][]float32
	speechBuf    []float32
	speaking     bool
	silenceCount int
	lastProb     float32

	// statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// Recorder receives per-window observations. A nil recorder disables
// recording.
type Recorder interface {
	RecordVADWindow(hasVoice bool)
}

// EngineStats reports detector counters for the status surface.
type EngineStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewEnergyEngine creates an energy detector. windowSize is in samples;
// preroll and hangover are counted in windows.
func NewEnergyEngine(logger *slog.Logger, windowSize, preroll, hangover int) (*EnergyEngine, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}
	if preroll < 0 {
		return nil, fmt.Errorf("preroll cannot be negative, got %d", preroll)
	}
	if hangover < 1 {
		return nil, fmt.Errorf("hangover must be at least 1 window, got %d", hangover)
	}

	return &EnergyEngine{
		logger:     logger,
		windowSize: windowSize,
		preroll:    preroll,
		hangover:   hangover,
		events:     make(chan Event, eventQueueSize),
		done:       make(chan struct{}),
	}, nil
}

// Initialize binds the engine to its audio source and starts the
// processing goroutine in the paused state.
func (e *EnergyEngine) Initialize(source <-chan []float32, opts Options) error {
	if source == nil {
		return ErrNoSource
	}
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", opts.Threshold)
	}
	if opts.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", opts.SampleRate)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("vad: engine closed")
	}
	if e.initialized {
		// Re-initialize rebinds config only; the source stays.
		e.threshold = opts.Threshold
		e.sampleRate = opts.SampleRate
		return nil
	}

	e.source = source
	e.threshold = opts.Threshold
	e.sampleRate = opts.SampleRate
	e.initialized = true

	e.wg.Add(1)
	go e.processLoop()

	return nil
}

// Start enables event emission.
func (e *EnergyEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return ErrNotInitialized
	}
	e.running = true
	return nil
}

// Pause disables event emission and drops any partially collected
// speech interval.
func (e *EnergyEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return ErrNotInitialized
	}
	e.running = false
	return nil
}

// SetRecorder attaches a per-window observer.
func (e *EnergyEngine) SetRecorder(rec Recorder) {
	e.mu.Lock()
	e.rec = rec
	e.mu.Unlock()
}

// SetThreshold updates the voice threshold for future windows.
func (e *EnergyEngine) SetThreshold(threshold float32) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	e.mu.Lock()
	e.threshold = threshold
	e.mu.Unlock()
	return nil
}

// Events returns the boundary event channel.
func (e *EnergyEngine) Events() <-chan Event { return e.events }

// Close stops the processing goroutine and closes the event channel.
func (e *EnergyEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.running = false
	e.mu.Unlock()

	close(e.done)
	e.wg.Wait()
	close(e.events)
	return nil
}

// GetStats returns current detector statistics.
func (e *EnergyEngine) GetStats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	voicePercentage := float64(0)
	if e.totalWindows > 0 {
		voicePercentage = float64(e.voiceWindows) / float64(e.totalWindows) * 100
	}

	return EngineStats{
		TotalWindows:    e.totalWindows,
		VoiceWindows:    e.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   e.lastProcessed,
		Threshold:       e.threshold,
	}
}

// processLoop assembles windows from the source and runs detection.
func (e *EnergyEngine) processLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.done:
			return
		case chunk, ok := <-e.source:
			if !ok {
				e.logger.Info("audio source closed, detector stopping")
				return
			}
			e.pending = append(e.pending, chunk...)
			for len(e.pending) >= e.windowSize {
				window := e.pending[:e.windowSize]
				e.pending = e.pending[e.windowSize:]
				e.processWindow(window)
			}
		}
	}
}

// processWindow classifies one window and advances the debounce state.
func (e *EnergyEngine) processWindow(window []float32) {
	e.mu.Lock()
	running := e.running
	threshold := e.threshold
	rec := e.rec
	e.totalWindows++
	e.lastProcessed = time.Now()
	e.mu.Unlock()

	if !running {
		if rec != nil {
			rec.RecordVADWindow(false)
		}
		// Paused: keep the pre-roll ring warm, drop detection state.
		e.pushPreroll(window)
		if e.speaking {
			e.speaking = false
			e.speechBuf = nil
			e.silenceCount = 0
		}
		e.lastProb = 0
		return
	}

	prob := e.probability(window)
	hasVoice := prob >= threshold

	if hasVoice {
		e.mu.Lock()
		e.voiceWindows++
		e.mu.Unlock()
	}
	if rec != nil {
		rec.RecordVADWindow(hasVoice)
	}

	switch {
	case hasVoice && !e.speaking:
		e.speaking = true
		e.silenceCount = 0
		e.speechBuf = e.drainPreroll()
		e.speechBuf = append(e.speechBuf, window...)
		e.emit(Event{Type: SpeechStart})

	case hasVoice && e.speaking:
		e.silenceCount = 0
		e.speechBuf = append(e.speechBuf, window...)

	case !hasVoice && e.speaking:
		// Redemption window: keep buffering through short silences.
		e.speechBuf = append(e.speechBuf, window...)
		e.silenceCount++
		if e.silenceCount >= e.hangover {
			samples := e.speechBuf
			e.speaking = false
			e.speechBuf = nil
			e.silenceCount = 0
			e.emit(Event{Type: SpeechEnd, Samples: samples})
		}

	default:
		e.pushPreroll(window)
	}
}

// probability maps window RMS energy to a smoothed value in [0, 1].
func (e *EnergyEngine) probability(window []float32) float32 {
	var energy float64
	for _, s := range window {
		energy += float64(s) * float64(s)
	}
	rms := math.Sqrt(energy / float64(len(window)))

	prob := float32(rms / fullScaleRMS)
	if prob > 1 {
		prob = 1
	}

	prob = smoothing*prob + (1-smoothing)*e.lastProb
	e.lastProb = prob
	return prob
}

// pushPreroll records a silence window in the lead-in ring.
func (e *EnergyEngine) pushPreroll(window []float32) {
	if e.preroll == 0 {
		return
	}
	buf := make([]float32, len(window))
	copy(buf, window)
	e.prerollBuf = append(e.prerollBuf, buf)
	if len(e.prerollBuf) > e.preroll {
		e.prerollBuf = e.prerollBuf[1:]
	}
}

// drainPreroll flattens and clears the lead-in ring.
func (e *EnergyEngine) drainPreroll() []float32 {
	var out []float32
	for _, w := range e.prerollBuf {
		out = append(out, w...)
	}
	e.prerollBuf = nil
	return out
}

// emit delivers an event without blocking the capture path.
func (e *EnergyEngine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event queue full, dropping boundary event",
			slog.Int("type", int(ev.Type)),
			slog.Int("samples", len(ev.Samples)),
		)
	}
}
