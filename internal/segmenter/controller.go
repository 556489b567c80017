package segmenter

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Zetaphor/freespeak/internal/audio"
	"github.com/Zetaphor/freespeak/internal/vad"
)

// State is the controller's lifecycle state. A single controller owns
// one microphone session.
type State int

const (
	Uninitialized State = iota
	Ready
	Active
	SpeechDetected
	Failed
)

// String returns the display form used by the status surface.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Active:
		return "active"
	case SpeechDetected:
		return "speech_detected"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var (
	// ErrInitialization indicates the detection engine or stream handle
	// could not be bound. Fatal to the session until re-Initialize.
	ErrInitialization = errors.New("segmenter: initialization failed")

	// ErrNotInitialized indicates an operation before Initialize.
	ErrNotInitialized = errors.New("segmenter: controller not initialized")

	// ErrDeviceState indicates the engine refused to start or pause.
	// The controller transitions to the error state.
	ErrDeviceState = errors.New("segmenter: engine state change failed")
)

// Config holds the runtime-adjustable thresholds. Mutations apply to
// future utterances only; an open utterance keeps the thresholds that
// were in force when it opened.
type Config struct {
	Sensitivity         float32 // VAD threshold, 0.0 - 1.0
	MinSpeakingDuration time.Duration
	MinAudioDuration    time.Duration
}

// Validate checks threshold ranges.
func (c Config) Validate() error {
	if c.Sensitivity < 0 || c.Sensitivity > 1 {
		return fmt.Errorf("sensitivity must be between 0 and 1, got %f", c.Sensitivity)
	}
	if c.MinSpeakingDuration < 0 {
		return fmt.Errorf("min speaking duration cannot be negative, got %v", c.MinSpeakingDuration)
	}
	if c.MinAudioDuration < 0 {
		return fmt.Errorf("min audio duration cannot be negative, got %v", c.MinAudioDuration)
	}
	return nil
}

// Dispatcher hands a finalized segment across the process boundary.
// Failures are non-fatal: the segment is dropped.
type Dispatcher interface {
	Send(seg *audio.Segment) error
}

// Recorder receives pipeline observations. Implementations must be
// safe for concurrent use; a nil Recorder disables recording.
type Recorder interface {
	RecordUtteranceOpened()
	RecordUtteranceDiscarded(reason string)
	RecordSegmentDispatched(duration time.Duration, sizeBytes int)
	RecordDispatchFailure()
}

// Discard reasons reported to the Recorder.
const (
	DiscardTiming   = "timing"
	DiscardDuration = "duration"
	DiscardStopped  = "stopped"
	DiscardEncode   = "encode"
)

// Utterance is the in-memory record of one open speech interval. The
// thresholds are snapshotted at open so a concurrent config change
// never retroactively alters this utterance's checks.
type utterance struct {
	startedAt time.Time
	cfg       Config
}

// Counters summarizes controller activity for the status surface.
type Counters struct {
	UtterancesOpened    uint64 `json:"utterances_opened"`
	DiscardedByTiming   uint64 `json:"discarded_by_timing"`
	DiscardedByDuration uint64 `json:"discarded_by_duration"`
	DiscardedOnStop     uint64 `json:"discarded_on_stop"`
	SegmentsDispatched  uint64 `json:"segments_dispatched"`
	DispatchFailures    uint64 `json:"dispatch_failures"`
}

// Status is the controller snapshot exposed to the status surface.
type Status struct {
	State     string   `json:"state"`
	Recording bool     `json:"recording"`
	Counters  Counters `json:"counters"`
}

// Controller is the segmentation state machine. It serializes start/stop
// control and engine boundary events under one lock, guaranteeing at
// most one open utterance and no dispatch after Stop.
type Controller struct {
	logger     *slog.Logger
	dispatcher Dispatcher
	rec        Recorder
	sampleRate int

	cfg atomic.Pointer[Config]

	// now is the clock; replaced in tests.
	now func() time.Time

	mu        sync.Mutex
	state     State
	engine    vad.Engine
	utterance *utterance
	counters  Counters

	// listeners receive the new state after every transition.
	listenerMu sync.Mutex
	listeners  []func(State)
}

// NewController creates a controller in the Uninitialized state.
func NewController(logger *slog.Logger, dispatcher Dispatcher, rec Recorder, sampleRate int) *Controller {
	c := &Controller{
		logger:     logger,
		dispatcher: dispatcher,
		rec:        rec,
		sampleRate: sampleRate,
		now:        time.Now,
		state:      Uninitialized,
	}
	c.cfg.Store(&Config{})
	return c
}

// Initialize binds the detection engine to the stream handle and moves
// the controller to Ready. It may be repeated while no session is
// active; initializing over a live session is an error.
func (c *Controller) Initialize(engine vad.Engine, source <-chan []float32, cfg Config) error {
	if engine == nil {
		return fmt.Errorf("%w: no detection engine", ErrInitialization)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInitialization, err)
	}

	c.mu.Lock()
	if c.state == Active || c.state == SpeechDetected {
		c.mu.Unlock()
		return fmt.Errorf("%w: session is active, stop it first", ErrInitialization)
	}

	err := engine.Initialize(source, vad.Options{
		Threshold:  cfg.Sensitivity,
		SampleRate: c.sampleRate,
	})
	if err != nil {
		c.state = Failed
		c.mu.Unlock()
		c.notify(Failed)
		return fmt.Errorf("%w: %v", ErrInitialization, err)
	}

	startConsumer := c.engine != engine
	c.engine = engine
	c.utterance = nil
	c.state = Ready
	c.cfg.Store(&cfg)
	c.mu.Unlock()

	if startConsumer {
		go c.consumeEvents(engine)
	}

	c.logger.Info("segmentation controller initialized",
		slog.Float64("sensitivity", float64(cfg.Sensitivity)),
		slog.Duration("min_speaking_duration", cfg.MinSpeakingDuration),
		slog.Duration("min_audio_duration", cfg.MinAudioDuration),
	)
	c.notify(Ready)
	return nil
}

// Start moves the controller from Ready to Active and resumes the
// engine. A no-op while a session is already live; an error before
// Initialize; ignored in the error state.
func (c *Controller) Start() error {
	c.mu.Lock()

	switch c.state {
	case Uninitialized:
		c.mu.Unlock()
		return ErrNotInitialized
	case Active, SpeechDetected:
		c.mu.Unlock()
		c.logger.Warn("start requested but session already active")
		return nil
	case Failed:
		c.mu.Unlock()
		c.logger.Warn("start ignored in error state, re-initialize first")
		return nil
	}

	if err := c.engine.Start(); err != nil {
		c.state = Failed
		c.mu.Unlock()
		c.logger.Error("failed to start detection engine", slog.String("error", err.Error()))
		c.notify(Failed)
		return fmt.Errorf("%w: %v", ErrDeviceState, err)
	}

	c.state = Active
	c.mu.Unlock()

	c.logger.Info("listening for speech")
	c.notify(Active)
	return nil
}

// Stop pauses the engine and discards any open utterance without
// dispatch. Clearing the utterance here is the marker a late speech-end
// event checks: nothing may dispatch after this point. Idempotent.
func (c *Controller) Stop() error {
	c.mu.Lock()

	switch c.state {
	case Uninitialized, Ready:
		c.mu.Unlock()
		return nil
	case Failed:
		c.mu.Unlock()
		c.logger.Warn("stop ignored in error state")
		return nil
	}

	if c.utterance != nil {
		c.utterance = nil
		c.counters.DiscardedOnStop++
		c.record(func(r Recorder) { r.RecordUtteranceDiscarded(DiscardStopped) })
		c.logger.Info("open utterance discarded on stop")
	}

	if err := c.engine.Pause(); err != nil {
		c.state = Failed
		c.mu.Unlock()
		c.logger.Error("failed to pause detection engine", slog.String("error", err.Error()))
		c.notify(Failed)
		return fmt.Errorf("%w: %v", ErrDeviceState, err)
	}

	c.state = Ready
	c.mu.Unlock()

	c.logger.Info("stopped listening")
	c.notify(Ready)
	return nil
}

// Toggle flips between Active and Ready, the single control the
// desktop shell drives.
func (c *Controller) Toggle() error {
	c.mu.Lock()
	recording := c.state == Active || c.state == SpeechDetected
	c.mu.Unlock()

	if recording {
		return c.Stop()
	}
	return c.Start()
}

// UpdateConfig replaces the thresholds for future decisions. The
// engine's own threshold follows sensitivity immediately.
func (c *Controller) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.cfg.Store(&cfg)

	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()

	if engine != nil {
		if err := engine.SetThreshold(cfg.Sensitivity); err != nil {
			return err
		}
	}

	c.logger.Info("thresholds updated",
		slog.Float64("sensitivity", float64(cfg.Sensitivity)),
		slog.Duration("min_speaking_duration", cfg.MinSpeakingDuration),
		slog.Duration("min_audio_duration", cfg.MinAudioDuration),
	)
	return nil
}

// GetConfig returns the thresholds currently in force.
func (c *Controller) GetConfig() Config { return *c.cfg.Load() }

// GetState returns the current state.
func (c *Controller) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetStatus returns a snapshot for the status surface.
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:     c.state.String(),
		Recording: c.state == Active || c.state == SpeechDetected,
		Counters:  c.counters,
	}
}

// AddStateListener registers a callback invoked after every state
// transition. Callbacks run outside the controller lock.
func (c *Controller) AddStateListener(fn func(State)) {
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenerMu.Unlock()
}

// consumeEvents is the single consumer of an engine's event channel.
// It exits when the engine closes the channel.
func (c *Controller) consumeEvents(engine vad.Engine) {
	for ev := range engine.Events() {
		switch ev.Type {
		case vad.SpeechStart:
			c.handleSpeechStart()
		case vad.SpeechEnd:
			c.handleSpeechEnd(ev.Samples)
		default:
			c.logger.Warn("unknown engine event", slog.Int("type", int(ev.Type)))
		}
	}
	c.logger.Debug("engine event channel closed")
}

// handleSpeechStart opens an utterance. Effective only while Active;
// re-entrant starts while already in SpeechDetected are ignored.
func (c *Controller) handleSpeechStart() {
	c.mu.Lock()

	if c.state != Active {
		c.mu.Unlock()
		c.logger.Debug("speech start ignored", slog.String("state", c.state.String()))
		return
	}

	c.utterance = &utterance{startedAt: c.now(), cfg: *c.cfg.Load()}
	c.state = SpeechDetected
	c.counters.UtterancesOpened++
	c.record(func(r Recorder) { r.RecordUtteranceOpened() })
	c.mu.Unlock()

	c.logger.Debug("speech started")
	c.notify(SpeechDetected)
}

// handleSpeechEnd validates and dispatches the finalized utterance.
// Effective only while an utterance is open: a speech-end arriving
// after Stop finds no open utterance and is discarded, qualifying
// duration or not.
func (c *Controller) handleSpeechEnd(samples []float32) {
	c.mu.Lock()

	if c.utterance == nil {
		c.mu.Unlock()
		c.logger.Debug("speech end ignored, no open utterance")
		return
	}

	elapsed := c.now().Sub(c.utterance.startedAt)
	cfg := c.utterance.cfg
	c.utterance = nil
	if c.state == SpeechDetected {
		c.state = Active
	}

	if elapsed < cfg.MinSpeakingDuration {
		c.counters.DiscardedByTiming++
		c.record(func(r Recorder) { r.RecordUtteranceDiscarded(DiscardTiming) })
		c.mu.Unlock()
		c.logger.Debug("utterance below speaking duration threshold",
			slog.Duration("elapsed", elapsed),
			slog.Duration("min", cfg.MinSpeakingDuration),
		)
		c.notify(Active)
		return
	}

	seg, err := audio.Encode(samples, c.sampleRate)
	if err != nil {
		c.counters.DiscardedByDuration++
		c.record(func(r Recorder) { r.RecordUtteranceDiscarded(DiscardEncode) })
		c.mu.Unlock()
		c.logger.Warn("utterance discarded, encode failed", slog.String("error", err.Error()))
		c.notify(Active)
		return
	}

	// Second, independent filter: the container's self-reported
	// duration, which diverges from event timing when the engine pads.
	segDuration, err := audio.Duration(seg.Data)
	if err != nil || segDuration < cfg.MinAudioDuration {
		c.counters.DiscardedByDuration++
		c.record(func(r Recorder) { r.RecordUtteranceDiscarded(DiscardDuration) })
		c.mu.Unlock()
		c.logger.Debug("segment below audio duration threshold",
			slog.Duration("segment_duration", segDuration),
			slog.Duration("min", cfg.MinAudioDuration),
		)
		c.notify(Active)
		return
	}

	if err := c.dispatcher.Send(seg); err != nil {
		c.counters.DispatchFailures++
		c.record(func(r Recorder) { r.RecordDispatchFailure() })
		c.mu.Unlock()
		c.logger.Warn("segment dropped, dispatch failed", slog.String("error", err.Error()))
		c.notify(Active)
		return
	}

	c.counters.SegmentsDispatched++
	c.record(func(r Recorder) { r.RecordSegmentDispatched(segDuration, len(seg.Data)) })
	c.mu.Unlock()

	c.logger.Info("segment dispatched",
		slog.Duration("event_elapsed", elapsed),
		slog.Duration("segment_duration", segDuration),
		slog.Int("size_bytes", len(seg.Data)),
	)
	c.notify(Active)
}

// record invokes the Recorder if one is attached.
func (c *Controller) record(fn func(Recorder)) {
	if c.rec != nil {
		fn(c.rec)
	}
}

// notify fans the new state out to listeners. Engine callback handlers
// never let a listener panic escape across the callback boundary.
func (c *Controller) notify(state State) {
	c.listenerMu.Lock()
	listeners := make([]func(State), len(c.listeners))
	copy(listeners, c.listeners)
	c.listenerMu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("state listener panicked", slog.Any("panic", r))
				}
			}()
			fn(state)
		}()
	}
}
