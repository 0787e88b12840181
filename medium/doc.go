// Package medium implements the radio-medium broker: the rendezvous that owns the
// virtual clock, arbitrates the single time controller and relays transmit events.
//
// # Reading Guide
//
//   - clock.go: Clock, the single owner of the virtual time and the controller assignment
//   - registry.go: Registry, connected sessions and their node identities
//   - dispatcher.go: per-message command handling and reply construction
//   - server.go: accept loop and per-session receive loops
//
// # Extension Points
//
//   - RelayPolicy: which sessions receive a transmit notification (relay.go)
//   - FanoutMode: how accepted advances reach followers (fanout.go)
//
// Decision records for offline analysis live in medium/trace.
package medium
