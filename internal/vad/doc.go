// Package vad defines the voice activity detection contract consumed by
// the segmentation controller and provides a built-in RMS-energy engine.
// Engines deliver speech boundary events on a bounded channel; padding
// and debounce policy stays inside the engine.
package vad
