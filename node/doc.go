// Package node implements the node agent run by every simulated node: it registers with
// the broker, then either drives virtual time forward (controller role) or follows the
// advances the broker pushes (follower role), applying each advance to the local
// hardware model and relaying its radio transmissions.
//
// The agent runs two goroutines. The receive loop decodes inbound messages, resolves
// replies through the Correlator and queues requests and notifications. The
// synchronization loop owns the hardware model and the local clock.
package node
