// Package app wires the relay's listeners together and owns their lifecycle.
//
// Startup brings up the ingest and fan-out listeners independently, so one
// failing to bind never keeps the other down. Shutdown stops fan-out accepts,
// then ingest, then closes every subscriber; in-flight broadcasts are not
// awaited.
package app
