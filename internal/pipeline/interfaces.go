package pipeline

import (
	"context"

	"github.com/anstrom/hostsweep/internal/db"
	"github.com/anstrom/hostsweep/internal/scanning"
	"github.com/anstrom/hostsweep/internal/whois"
)

//go:generate mockgen -destination=mocks/mock_pipeline.go -package=mocks github.com/anstrom/hostsweep/internal/pipeline Store,WhoisLookup

// Prober decides whether a host answers.
type Prober interface {
	Probe(ctx context.Context, ip string) (bool, error)
}

// PortScanner reports open and filtered ports of a reachable host.
type PortScanner interface {
	ScanPorts(ctx context.Context, ip string) (scanning.PortSet, error)
}

// WhoisLookup retrieves registration metadata for an address.
type WhoisLookup interface {
	Lookup(ctx context.Context, ip string) (whois.Result, error)
}

// Store persists everything learned about one host in a single transaction.
type Store interface {
	SaveHost(ctx context.Context, facts db.HostFacts) error
}

// Classifier reports addresses that must not be scanned.
type Classifier interface {
	IsReserved(ip string) bool
}

// Sink receives progress events. Emit is called from several goroutines but
// never concurrently.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})
