// Package pipeline runs the adaptive batch sweep over a list of IPv4
// addresses.
//
// # Overview
//
// An Orchestrator normalises the input, picks a ScalingProfile from the
// number of distinct addresses and splits them into batches. Batches are
// dispatched in address order through one scheduler bounded by the
// profile's ConcurrentBatches; inside a batch, at most IPConcurrency
// addresses are worked on at a time.
//
// # Per-host workflow
//
// Every address goes through the same steps:
//
//	reachability -> unreachable           -> persist
//	             -> (ports || whois)      -> persist
//
// Each stage runs under its own deadline and yields a StageResult. A stage
// that times out or fails is degraded to a default value (false, an empty
// PortSet, a WHOIS error result) and the host still succeeds. Only a failed
// write makes an address fail.
//
// # Failure containment
//
// Addresses in special-purpose ranges are skipped without being probed. A
// panic while processing an address fails that address only; a panic that
// escapes a batch fails every address in it and emits batch_error. The run
// itself always drains and returns a Summary.
//
// # Progress
//
// Events are delivered synchronously to a Sink in the order they happen.
// Counter updates and their batch_complete events are serialised, so
// processedIPs never goes backwards.
package pipeline
