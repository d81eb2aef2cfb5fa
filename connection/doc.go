// Package connection tracks per-tool connection state and drives connection
// tests against an external probe.
//
// The package is split by concern:
//   - types: connection status, descriptors, and test results
//   - probe: the reachability contract consumed by the controller
//   - registry: the tool id to connection state map plus loading flags
//   - controller: the retry state machine and its scheduled retries
//   - notify: status change emission for logs, buses, and stores
//
// A Controller owns all mutable per-tool state. Consumers hold a reference to
// one controller instead of sharing package-level maps.
package connection
