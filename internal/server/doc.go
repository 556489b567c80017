// Package server implements the daemon's control and status surfaces:
// an HTTP API for health, status, and runtime thresholds, and a
// WebSocket channel for recording control and state push.
package server
