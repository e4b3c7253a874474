// Package cluster provides the HTTP request/response helpers shared by
// every control-plane transport in this module: PostJSON and GetJSON.
//
// # Overview
//
// Every Coordinator-Region and Region-Region interaction in
// internal/sharding/transport is, underneath, a JSON request over HTTP.
// Rather than each client type reimplementing marshal-request /
// check-status / unmarshal-response, they all call into this package.
//
//	Coordinator  <--PostJSON-->  Region   (register, shard-home, handoff)
//	Region       <--PostJSON-->  Region   (dispatch an Envelope to a peer)
//	Coordinator  <--GetJSON-->   Coordinator (gossip state fetch, ddata mode)
//
// # Failure Handling
//
// Both functions treat any non-2xx status as an error and surface network
// errors (timeout, connection refused, DNS failure) unwrapped from the
// underlying http.Client. Callers that need a distinguished "leader moved"
// or "shard mid-rebalance" outcome decode the response body themselves;
// this package only guarantees "the bytes came back intact, or you get an
// error explaining why not."
//
// # See Also
//
// Related packages:
//   - internal/sharding/transport: builds the Coordinator/Region wire
//     protocol on top of PostJSON/GetJSON
//   - internal/sharding/coordinator: the control plane these requests
//     ultimately reach
//   - internal/sharding/region: the control plane on the other side
package cluster
