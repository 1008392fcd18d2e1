// Package transport carries the engine's event stream to consumers: an
// NDJSON writer for headless stdout, a Redis Streams publisher for external
// subscribers, and a fan-out combining several sinks.
package transport
