// Package bridge hands finalized speech segments to a transcription
// sink.
//
// The bridge decouples the capture pipeline from the transcription
// service: the sink is registered after construction, possibly after
// capture has already started, and segments arriving before
// registration are dropped with ErrUnavailable. Delivery is a single
// attempt per segment. Nothing is queued or retried; the next
// utterance matters more than the last one.
package bridge
