package segmenter

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Zetaphor/freespeak/internal/audio"
	"github.com/Zetaphor/freespeak/internal/vad"
)

const testSampleRate = 16000

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeEngine is a scriptable detection engine for controller tests.
type fakeEngine struct {
	mu        sync.Mutex
	events    chan vad.Event
	initErr   error
	startErr  error
	pauseErr  error
	started   bool
	threshold float32
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan vad.Event, 16)}
}

func (f *fakeEngine) Initialize(source <-chan []float32, opts vad.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	f.threshold = opts.Threshold
	return nil
}

func (f *fakeEngine) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeEngine) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.started = false
	return nil
}

func (f *fakeEngine) SetThreshold(threshold float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threshold = threshold
	return nil
}

func (f *fakeEngine) Events() <-chan vad.Event { return f.events }

func (f *fakeEngine) Close() error {
	close(f.events)
	return nil
}

func (f *fakeEngine) getThreshold() float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threshold
}

// fakeDispatcher records dispatched segments.
type fakeDispatcher struct {
	mu       sync.Mutex
	segments []*audio.Segment
	err      error
}

func (d *fakeDispatcher) Send(seg *audio.Segment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.segments = append(d.segments, seg)
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.segments)
}

func (d *fakeDispatcher) last() *audio.Segment {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.segments) == 0 {
		return nil
	}
	return d.segments[len(d.segments)-1]
}

// fakeClock lets tests advance event timing without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func defaultConfig() Config {
	return Config{
		Sensitivity:         0.5,
		MinSpeakingDuration: 500 * time.Millisecond,
		MinAudioDuration:    1000 * time.Millisecond,
	}
}

type harness struct {
	controller *Controller
	engine     *fakeEngine
	dispatcher *fakeDispatcher
	clock      *fakeClock
}

// newHarness builds an initialized controller driven directly through
// its event handlers, keeping the scenarios free of channel timing.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	engine := newFakeEngine()
	dispatcher := &fakeDispatcher{}
	clock := newFakeClock()

	c := NewController(testLogger(), dispatcher, nil, testSampleRate)
	c.now = clock.now

	if err := c.Initialize(engine, make(chan []float32), cfg); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	return &harness{controller: c, engine: engine, dispatcher: dispatcher, clock: clock}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Uninitialized, "uninitialized"},
		{Ready, "ready"},
		{Active, "active"},
		{SpeechDetected, "speech_detected"},
		{Failed, "error"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestStartBeforeInitialize(t *testing.T) {
	c := NewController(testLogger(), &fakeDispatcher{}, nil, testSampleRate)

	if err := c.Start(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}
}

func TestInitializeFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.initErr = errors.New("model unavailable")

	c := NewController(testLogger(), &fakeDispatcher{}, nil, testSampleRate)
	err := c.Initialize(engine, make(chan []float32), defaultConfig())
	if !errors.Is(err, ErrInitialization) {
		t.Fatalf("Expected ErrInitialization, got %v", err)
	}

	if got := c.GetState(); got != Failed {
		t.Errorf("Expected error state, got %v", got)
	}

	// Start and Stop are no-ops until a fresh Initialize succeeds.
	if err := c.Start(); err != nil {
		t.Errorf("Start in error state should be a no-op, got %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("Stop in error state should be a no-op, got %v", err)
	}

	engine.initErr = nil
	if err := c.Initialize(engine, make(chan []float32), defaultConfig()); err != nil {
		t.Fatalf("re-Initialize failed: %v", err)
	}
	if got := c.GetState(); got != Ready {
		t.Errorf("Expected ready after re-initialize, got %v", got)
	}
}

func TestInitializeWhileActive(t *testing.T) {
	h := newHarness(t, defaultConfig())

	if err := h.controller.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := h.controller.Initialize(h.engine, make(chan []float32), defaultConfig())
	if !errors.Is(err, ErrInitialization) {
		t.Errorf("Expected ErrInitialization while active, got %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	h := newHarness(t, defaultConfig())
	c := h.controller

	if got := c.GetState(); got != Ready {
		t.Fatalf("after initialize: state = %v, want Ready", got)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := c.GetState(); got != Active {
		t.Fatalf("after start: state = %v, want Active", got)
	}

	c.handleSpeechStart()
	if got := c.GetState(); got != SpeechDetected {
		t.Fatalf("after speech start: state = %v, want SpeechDetected", got)
	}

	h.clock.advance(2 * time.Second)
	c.handleSpeechEnd(make([]float32, 2*testSampleRate))
	if got := c.GetState(); got != Active {
		t.Fatalf("after speech end: state = %v, want Active", got)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := c.GetState(); got != Ready {
		t.Fatalf("after stop: state = %v, want Ready", got)
	}
}

func TestStartWhileActiveIsNoOp(t *testing.T) {
	h := newHarness(t, defaultConfig())

	if err := h.controller.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.controller.Start(); err != nil {
		t.Errorf("second Start should be a warning no-op, got %v", err)
	}
	if got := h.controller.GetState(); got != Active {
		t.Errorf("state = %v, want Active", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, defaultConfig())

	if err := h.controller.Stop(); err != nil {
		t.Errorf("Stop while ready should be a no-op, got %v", err)
	}

	if err := h.controller.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.controller.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := h.controller.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}
}

func TestEngineStartFailure(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.engine.startErr = errors.New("device busy")

	err := h.controller.Start()
	if !errors.Is(err, ErrDeviceState) {
		t.Fatalf("Expected ErrDeviceState, got %v", err)
	}
	if got := h.controller.GetState(); got != Failed {
		t.Errorf("state = %v, want error state", got)
	}
}

func TestSpeechStartIgnoredUnlessActive(t *testing.T) {
	h := newHarness(t, defaultConfig())
	c := h.controller

	// Ready: ignored.
	c.handleSpeechStart()
	if got := c.GetState(); got != Ready {
		t.Errorf("speech start while ready changed state to %v", got)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Re-entrant start while already detecting: ignored, still one
	// open utterance.
	c.handleSpeechStart()
	c.handleSpeechStart()

	status := c.GetStatus()
	if status.Counters.UtterancesOpened != 1 {
		t.Errorf("UtterancesOpened = %d, want 1", status.Counters.UtterancesOpened)
	}
}

// Scenario: 125ms of detected speech with default thresholds is
// discarded by the event-timing filter before encoding.
func TestShortUtteranceDiscardedByTiming(t *testing.T) {
	h := newHarness(t, defaultConfig())
	c := h.controller

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	c.handleSpeechStart()
	h.clock.advance(125 * time.Millisecond)
	c.handleSpeechEnd(make([]float32, 2000))

	if h.dispatcher.count() != 0 {
		t.Errorf("dispatcher called %d times, want 0", h.dispatcher.count())
	}

	status := c.GetStatus()
	if status.Counters.DiscardedByTiming != 1 {
		t.Errorf("DiscardedByTiming = %d, want 1", status.Counters.DiscardedByTiming)
	}
}

// Scenario: 600ms of event timing passes the speaking filter, but the
// container reports 600ms < 1000ms and the duration filter discards it.
func TestUtteranceDiscardedByContainerDuration(t *testing.T) {
	h := newHarness(t, defaultConfig())
	c := h.controller

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	c.handleSpeechStart()
	h.clock.advance(600 * time.Millisecond)
	c.handleSpeechEnd(make([]float32, 9600)) // 600ms at 16kHz

	if h.dispatcher.count() != 0 {
		t.Errorf("dispatcher called %d times, want 0", h.dispatcher.count())
	}

	status := c.GetStatus()
	if status.Counters.DiscardedByTiming != 0 {
		t.Errorf("DiscardedByTiming = %d, want 0", status.Counters.DiscardedByTiming)
	}
	if status.Counters.DiscardedByDuration != 1 {
		t.Errorf("DiscardedByDuration = %d, want 1", status.Counters.DiscardedByDuration)
	}
}

// Scenario: 1200ms utterance passes both filters and dispatches exactly
// once, with the decoded container reporting 1200ms.
func TestQualifyingUtteranceDispatchesOnce(t *testing.T) {
	h := newHarness(t, defaultConfig())
	c := h.controller

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	c.handleSpeechStart()
	h.clock.advance(1200 * time.Millisecond)
	c.handleSpeechEnd(make([]float32, 19200)) // 1200ms at 16kHz

	if h.dispatcher.count() != 1 {
		t.Fatalf("dispatcher called %d times, want 1", h.dispatcher.count())
	}

	seg := h.dispatcher.last()
	got, err := audio.Duration(seg.Data)
	if err != nil {
		t.Fatalf("Duration failed: %v", err)
	}
	if got != 1200*time.Millisecond {
		t.Errorf("decoded segment duration = %v, want 1200ms", got)
	}

	status := c.GetStatus()
	if status.Counters.SegmentsDispatched != 1 {
		t.Errorf("SegmentsDispatched = %d, want 1", status.Counters.SegmentsDispatched)
	}
}

// Scenario: stop between speech-start and speech-end. The late
// speech-end carries a qualifying duration but must not dispatch.
func TestLateSpeechEndAfterStopDoesNotDispatch(t *testing.T) {
	h := newHarness(t, defaultConfig())
	c := h.controller

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	c.handleSpeechStart()
	h.clock.advance(1500 * time.Millisecond)

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	c.handleSpeechEnd(make([]float32, 32000)) // 2s at 16kHz, qualifying

	if h.dispatcher.count() != 0 {
		t.Errorf("dispatcher called %d times after stop, want 0", h.dispatcher.count())
	}

	status := c.GetStatus()
	if status.Counters.DiscardedOnStop != 1 {
		t.Errorf("DiscardedOnStop = %d, want 1", status.Counters.DiscardedOnStop)
	}
	if status.State != "ready" {
		t.Errorf("state = %q, want ready", status.State)
	}
}

func TestEmptySpeechEndIsNonFatal(t *testing.T) {
	h := newHarness(t, defaultConfig())
	c := h.controller

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	c.handleSpeechStart()
	h.clock.advance(2 * time.Second)
	c.handleSpeechEnd(nil)

	if h.dispatcher.count() != 0 {
		t.Errorf("dispatcher called for empty buffer")
	}
	if got := c.GetState(); got != Active {
		t.Errorf("state = %v, want Active after empty buffer", got)
	}
}

func TestDispatchFailureIsNonFatal(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.dispatcher.err = errors.New("sink not registered")
	c := h.controller

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	c.handleSpeechStart()
	h.clock.advance(1500 * time.Millisecond)
	c.handleSpeechEnd(make([]float32, 24000))

	if got := c.GetState(); got != Active {
		t.Errorf("state = %v, want Active after dispatch failure", got)
	}

	status := c.GetStatus()
	if status.Counters.DispatchFailures != 1 {
		t.Errorf("DispatchFailures = %d, want 1", status.Counters.DispatchFailures)
	}
}

func TestConfigSnapshotAtUtteranceOpen(t *testing.T) {
	h := newHarness(t, defaultConfig())
	c := h.controller

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	c.handleSpeechStart()
	h.clock.advance(1200 * time.Millisecond)

	// Raise the thresholds mid-utterance. The open utterance keeps the
	// thresholds in force when it opened.
	if err := c.UpdateConfig(Config{
		Sensitivity:         0.9,
		MinSpeakingDuration: 5 * time.Second,
		MinAudioDuration:    5 * time.Second,
	}); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}

	c.handleSpeechEnd(make([]float32, 19200))

	if h.dispatcher.count() != 1 {
		t.Errorf("dispatcher called %d times, want 1 (config change must not be retroactive)", h.dispatcher.count())
	}

	// The next utterance sees the new thresholds.
	c.handleSpeechStart()
	h.clock.advance(1200 * time.Millisecond)
	c.handleSpeechEnd(make([]float32, 19200))

	if h.dispatcher.count() != 1 {
		t.Errorf("dispatcher called %d times, want 1 (new thresholds must apply)", h.dispatcher.count())
	}
}

func TestUpdateConfigPropagatesThreshold(t *testing.T) {
	h := newHarness(t, defaultConfig())

	cfg := defaultConfig()
	cfg.Sensitivity = 0.85
	if err := h.controller.UpdateConfig(cfg); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}

	if got := h.engine.getThreshold(); got != 0.85 {
		t.Errorf("engine threshold = %v, want 0.85", got)
	}

	if err := h.controller.UpdateConfig(Config{Sensitivity: 1.5}); err == nil {
		t.Error("Expected validation error for sensitivity above 1")
	}
}

func TestToggle(t *testing.T) {
	h := newHarness(t, defaultConfig())
	c := h.controller

	if err := c.Toggle(); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if got := c.GetState(); got != Active {
		t.Fatalf("after first toggle: state = %v, want Active", got)
	}

	if err := c.Toggle(); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if got := c.GetState(); got != Ready {
		t.Fatalf("after second toggle: state = %v, want Ready", got)
	}
}

func TestEngineEventChannelDrivesController(t *testing.T) {
	h := newHarness(t, defaultConfig())
	c := h.controller

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.engine.events <- vad.Event{Type: vad.SpeechStart}

	waitForState(t, c, SpeechDetected)

	h.clock.advance(1500 * time.Millisecond)
	h.engine.events <- vad.Event{Type: vad.SpeechEnd, Samples: make([]float32, 24000)}

	waitForState(t, c, Active)

	if h.dispatcher.count() != 1 {
		t.Errorf("dispatcher called %d times, want 1", h.dispatcher.count())
	}
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.GetState() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, current %v", want, c.GetState())
}

// Interleaving start/stop with boundary events must never open two
// utterances at once or dispatch after a stop.
func TestConcurrentInterleavings(t *testing.T) {
	h := newHarness(t, defaultConfig())
	c := h.controller

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = c.Start()
			_ = c.Stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.handleSpeechStart()
			c.handleSpeechEnd(make([]float32, 256))
		}
	}()

	wg.Wait()

	status := c.GetStatus()
	closed := status.Counters.DiscardedByTiming +
		status.Counters.DiscardedByDuration +
		status.Counters.DiscardedOnStop +
		status.Counters.SegmentsDispatched +
		status.Counters.DispatchFailures

	if closed != status.Counters.UtterancesOpened {
		t.Errorf("opened %d utterances but closed %d", status.Counters.UtterancesOpened, closed)
	}
}

func TestStateListeners(t *testing.T) {
	h := newHarness(t, defaultConfig())
	c := h.controller

	var mu sync.Mutex
	var seen []State
	c.AddStateListener(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	// A panicking listener must not destabilize the pipeline.
	c.AddStateListener(func(State) { panic("listener bug") })

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != Active || seen[1] != Ready {
		t.Errorf("listener saw %v, want [Active Ready]", seen)
	}
}
