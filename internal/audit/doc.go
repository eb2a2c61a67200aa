// Package audit implements async delivery of sign-in and session audit
// events.
//
// # Components
//
//   - [Sink]: event consumer (channel, JSON writer, AMQP broker, no-op).
//   - [Dispatcher]: buffered async relay. Blocks when full, or drops; under
//     drop-if-full, lockout and session-rejection events ([Critical]) wait
//     briefly for room before they are dropped.
//   - [Event]: audit record with ID, timestamp, type, user, hashed identifier and metadata.
//
// # Architecture boundaries
//
// This package owns buffering and sink delivery. It does NOT decide which
// events to emit; the engine does.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import clinicauth or any sibling internal package.
//   - Record raw identifiers or secrets.
package audit
