// Package capture provides the microphone source: a portaudio input
// stream delivering mono float32 chunks on a bounded channel.
package capture
