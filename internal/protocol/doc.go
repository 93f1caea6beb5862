// Package protocol owns the gatestream wire model.
//
// Ownership boundary:
// - sequence numbers and Down/Up message envelopes
// - envelope <-> frame encoding on top of the frame/tlv/schema primitives
// - the protocol-violation error kind
//
// Pipelined Down messages (allocate, free, gate, advance) carry a sequence
// number in the frame header. Control messages (arb request, abort) and every
// Up message do not; Up messages name the request they answer in a field.
package protocol
