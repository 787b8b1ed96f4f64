// Package scanning wraps nmap for the per-host port stage of a sweep.
//
// # Overview
//
// A PortScanner runs one TCP connect scan per address over the configured
// port list and splits the reported ports into open and filtered sets. Host
// discovery is skipped because reachability has already been decided by the
// discovery prober before a host reaches this stage.
//
// # Timing
//
// nmap timing templates are selected by name ("paranoid" through "insane")
// and shared with the discovery package through ParseTiming.
//
// # Cancellation
//
// The nmap process is bound to the context passed to ScanPorts. Callers apply
// the stage deadline to that context; the process is killed when it expires.
package scanning
