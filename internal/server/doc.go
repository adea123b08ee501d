// Package server implements the real-time core of relaychat: connection
// admission, the per-connection session state machine, the process-local
// connection registry, and the dispatcher that turns bus deliveries into
// local broadcasts. It also serves the HTTP surface around it.
//
// The implementation is organized into specialized files for configuration,
// the hub and registry, sessions, the gorilla client transport, routing, and
// HTTP handlers.
package server
