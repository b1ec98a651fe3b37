// Package server implements the core WebSocket relay: presence tracking,
// the login gate, private-message routing, and online-users broadcast.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, the relay engine, routing, and HTTP handlers to
// keep the codebase maintainable and testable as the project grows.
package server
