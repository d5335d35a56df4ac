// Package timeouts defines shared timeout constants used across the process.
// Centralizing these values prevents drift between the transport surfaces and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// StoreOp caps the durable-store work performed while handling one
// live-connection event, including the detach on teardown.
const StoreOp = 3 * time.Second
