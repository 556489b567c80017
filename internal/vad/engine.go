package vad

import "errors"

// EventType identifies a speech boundary event.
type EventType int

const (
	// SpeechStart marks the onset of a detected speech interval.
	SpeechStart EventType = iota
	// SpeechEnd marks the close of a speech interval. The event carries
	// the finalized sample buffer for the whole interval, including any
	// padding the engine applied.
	SpeechEnd
)

// Event is a speech boundary notification delivered on the engine's
// bounded event channel.
type Event struct {
	Type    EventType
	Samples []float32 // populated for SpeechEnd only
}

// Options configures an engine at bind time.
type Options struct {
	Threshold  float32 // voice probability threshold, 0.0 - 1.0
	SampleRate int
}

var (
	// ErrNoSource is returned when Initialize is called without a valid
	// stream handle.
	ErrNoSource = errors.New("vad: no audio source bound")

	// ErrNotInitialized is returned when Start or Pause is called before
	// a successful Initialize.
	ErrNotInitialized = errors.New("vad: engine not initialized")
)

// Engine is the narrow contract the segmentation controller consumes.
// Implementations classify audio from the bound source and deliver
// boundary events on the Events channel; internal padding and debounce
// policy is the engine's own business.
type Engine interface {
	// Initialize binds the engine to a continuous audio source. The
	// source channel is the stream handle: it must already be configured
	// and producing mono float32 chunks at the configured sample rate.
	Initialize(source <-chan []float32, opts Options) error

	// Start enables event emission.
	Start() error

	// Pause disables event emission and discards any partially
	// collected speech interval.
	Pause() error

	// SetThreshold adjusts the voice probability threshold. Takes
	// effect for the next window; never retroactive.
	SetThreshold(threshold float32) error

	// Events returns the bounded channel boundary events are
	// delivered on. The channel is closed when the engine shuts down.
	Events() <-chan Event

	// Close releases the engine and closes the event channel.
	Close() error
}
