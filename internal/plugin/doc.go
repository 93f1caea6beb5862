// Package plugin is the runtime for one plugin in a simulation chain.
//
// A Plugin answers control requests from the simulator (initialize, run,
// arb, abort) on a JSON-lines control channel and owns up to two gatestream
// links: an outgoing Upstream to its downstream neighbor and an incoming
// Downstream accepted from its upstream neighbor. Frontends only send,
// backends only receive, operators do both.
package plugin
