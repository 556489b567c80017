// Package segmenter implements the segmentation controller: the state
// machine reconciling user start/stop control with asynchronous speech
// boundary events, enforcing the dual duration filters, and handing
// validated segments to the transport bridge.
package segmenter
