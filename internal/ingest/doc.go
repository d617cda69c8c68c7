// Package ingest accepts producer TCP connections, reassembles length-prefixed
// frames, inflates them and hands each payload to the subscriber registry.
//
// Every connection owns its own frame assembler and an ordered pipeline:
// frames decompress concurrently (bounded process-wide) but are broadcast in
// the order they arrived on the wire.
package ingest
