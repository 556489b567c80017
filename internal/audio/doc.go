// Package audio implements the portable audio container used across the
// pipeline. It quantizes float32 microphone samples to 16-bit PCM, wraps
// them in a canonical mono WAV container, and recovers duration and
// metadata from a container's own header.
package audio
