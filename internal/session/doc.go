// Package session runs one streaming chat connection.
//
// A Supervisor upgrades HTTP requests to WebSocket connections and runs a
// Controller per connection. The Controller is a small state machine
// (Idle, Generating, Closed): it reads client messages, borrows a model
// handle from the registry, and relays the backend stream as typed events
// through an Emitter, which owns every write to the connection.
package session
