package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anstrom/hostsweep/internal/db"
	"github.com/anstrom/hostsweep/internal/scanning"
	"github.com/anstrom/hostsweep/internal/whois"
)

// fakeProber answers from a table; unknown addresses are up.
type fakeProber struct {
	down map[string]bool
}

func (p *fakeProber) Probe(ctx context.Context, ip string) (bool, error) {
	return !p.down[ip], nil
}

// countingProber records how many probes run at once, overall and per
// batch. batchOf maps an address to its batch.
type countingProber struct {
	mu        sync.Mutex
	batchOf   map[string]int
	inFlight  map[int]int
	running   int
	peak      int
	batchPeak int
	hold      time.Duration
}

func newCountingProber(batches [][]string, hold time.Duration) *countingProber {
	p := &countingProber{batchOf: map[string]int{}, inFlight: map[int]int{}, hold: hold}
	for i, batch := range batches {
		for _, ip := range batch {
			p.batchOf[ip] = i
		}
	}
	return p
}

func (p *countingProber) Probe(ctx context.Context, ip string) (bool, error) {
	batch := p.batchOf[ip]
	p.mu.Lock()
	p.running++
	p.inFlight[batch]++
	p.peak = max(p.peak, p.running)
	p.batchPeak = max(p.batchPeak, p.inFlight[batch])
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running--
		p.inFlight[batch]--
		p.mu.Unlock()
	}()

	select {
	case <-time.After(p.hold):
	case <-ctx.Done():
	}
	return true, nil
}

func (p *countingProber) peaks() (overall, perBatch int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak, p.batchPeak
}

// fakeScanner returns ports per address. With block set it waits for the
// stage deadline.
type fakeScanner struct {
	mu    sync.Mutex
	ports map[string]scanning.PortSet
	block bool
	calls int
}

func (s *fakeScanner) ScanPorts(ctx context.Context, ip string) (scanning.PortSet, error) {
	s.mu.Lock()
	s.calls++
	block := s.block
	set := s.ports[ip]
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return scanning.PortSet{}, ctx.Err()
	}
	return set, nil
}

func (s *fakeScanner) setPorts(ip string, open ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ports == nil {
		s.ports = map[string]scanning.PortSet{}
	}
	s.ports[ip] = scanning.PortSet{Open: open, Filtered: []uint16{}}
}

// fakeWhois returns a fixed country for every address.
type fakeWhois struct {
	mu    sync.Mutex
	calls int
}

func (w *fakeWhois) Lookup(ctx context.Context, ip string) (whois.Result, error) {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
	return whois.Result{Fields: map[string]string{"country": "us", "netname": "NET-" + ip}}, nil
}

// memStore keeps the last facts saved per address.
type memStore struct {
	mu    sync.Mutex
	saved map[string]db.HostFacts
	fail  map[string]error
	panic map[string]bool
	calls int
}

func newMemStore() *memStore {
	return &memStore{saved: map[string]db.HostFacts{}, fail: map[string]error{}, panic: map[string]bool{}}
}

func (s *memStore) SaveHost(ctx context.Context, facts db.HostFacts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.panic[facts.IP] {
		panic("store exploded")
	}
	if err := s.fail[facts.IP]; err != nil {
		return err
	}
	s.saved[facts.IP] = facts
	return nil
}

func (s *memStore) get(ip string) (db.HostFacts, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.saved[ip]
	return f, ok
}

// recordingSink captures events in delivery order.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingSink) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// panicClassifier panics when asked about one address.
type panicClassifier struct {
	on string
}

func (c panicClassifier) IsReserved(ip string) bool {
	if ip == c.on {
		panic("classifier failure")
	}
	return false
}

// fixedProfile returns a profile with short deadlines for tests.
func fixedProfile(batchSize, batches, perBatch int) func(int) ScalingProfile {
	return func(int) ScalingProfile {
		return ScalingProfile{
			Name:                "test",
			ConcurrentBatches:   batches,
			BatchSize:           batchSize,
			IPConcurrency:       perBatch,
			PortScanTimeout:     50 * time.Millisecond,
			ReachabilityTimeout: 50 * time.Millisecond,
		}
	}
}

// publicIPs returns n distinct addresses outside every reserved range.
func publicIPs(n int) []string {
	ips := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ips = append(ips, fmt.Sprintf("8.8.%d.%d", i/250, i%250+1))
	}
	return ips
}
