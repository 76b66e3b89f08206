// Package protocol defines the messages exchanged between a host and a
// plugin running in an isolated execution context.
//
// Six message types travel over the channel:
//
//   - manifest (context -> host): sent once, first, declaring the plugin's capabilities
//   - inv / invr: host-initiated function invocation and its answer
//   - sys / sysr: context-initiated syscall and its answer
//   - log (context -> host): advisory diagnostics, never answered
//
// Requests are matched to responses by a correlation ID. Each side
// numbers its own requests, so inv IDs and sys IDs are independent.
//
// On byte streams each message is one self-delimiting CBOR item
// (see Stream). Arguments and results are Values, a closed variant of
// null, bool, number, string, list and map.
package protocol
