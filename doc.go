/*
Package fetch provides an HTTP fetch engine with web-fetch semantics.

The engine issues requests over a pluggable transport, follows redirects,
honors cancellation signals, and exposes every body exactly once:

  - Ordered, case-insensitive header store with RFC 7230 validation.
  - Single-consumption bodies with lock/release/cancel semantics and
    full-read accessors (Bytes, Text, JSON, Form).
  - Redirect following with configurable mode (follow, manual, error),
    method downgrade rules and a hop cap.
  - AbortController/AbortSignal cancellation that interrupts in-flight
    connects, uploads and body reads.
  - Permission checks (net, read) consulted before any connection attempt.
  - Transparent gzip, deflate, brotli and zstd response decoding.
  - http, https, file and data resource schemes.

Connections are pooled per host; pooling policy belongs to the Transport,
the engine only acquires and releases connections.
*/
package fetch

// Version is the engine version reported in the default User-Agent header.
const Version = "1.2.0"
