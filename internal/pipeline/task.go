package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anstrom/hostsweep/internal/db"
	"github.com/anstrom/hostsweep/internal/errors"
	"github.com/anstrom/hostsweep/internal/logging"
	"github.com/anstrom/hostsweep/internal/metrics"
	"github.com/anstrom/hostsweep/internal/scanning"
	"github.com/anstrom/hostsweep/internal/whois"
)

// Outcome is the final classification of one address.
type Outcome string

const (
	OutcomeSuccess Outcome = metrics.OutcomeSuccess
	OutcomeSkipped Outcome = metrics.OutcomeSkipped
	OutcomeFailed  Outcome = metrics.OutcomeFailed
)

// HostResult is what the pipeline learned about one address.
type HostResult struct {
	IP            string       `json:"ip"`
	Reachable     bool         `json:"reachable"`
	OpenPorts     []uint16     `json:"openPorts"`
	FilteredPorts []uint16     `json:"filteredPorts"`
	Whois         whois.Result `json:"whois"`
	Outcome       Outcome      `json:"outcome"`
	Error         string       `json:"error,omitempty"`
	Degraded      []string     `json:"degraded,omitempty"`
}

func failedResult(ip string, err error) HostResult {
	return HostResult{
		IP:            ip,
		OpenPorts:     []uint16{},
		FilteredPorts: []uint16{},
		Outcome:       OutcomeFailed,
		Error:         err.Error(),
	}
}

func skippedResult(ip string) HostResult {
	return HostResult{
		IP:            ip,
		OpenPorts:     []uint16{},
		FilteredPorts: []uint16{},
		Outcome:       OutcomeSkipped,
	}
}

// hostTask holds what every address of one run shares.
type hostTask struct {
	prober  Prober
	scanner PortScanner
	lookup  WhoisLookup
	store   Store

	profile      ScalingProfile
	whoisTimeout time.Duration
	cache        *whois.Cache
	sourceLabel  string

	metrics *metrics.PrometheusMetrics
	logger  *logging.Logger
}

// run takes one address through reachability, ports and WHOIS, and persist.
// Stage failures degrade data; only a failed write fails the address.
func (t *hostTask) run(ctx context.Context, ip string) HostResult {
	result := HostResult{
		IP:            ip,
		OpenPorts:     []uint16{},
		FilteredPorts: []uint16{},
	}

	reach := t.checkReachability(ctx, ip)
	result.Reachable = reach.Value
	if reach.Degraded {
		result.Degraded = append(result.Degraded, StageReachability)
	}

	if result.Reachable {
		ports, info := t.scanAndLookup(ctx, ip)
		result.OpenPorts = ports.Value.Open
		result.FilteredPorts = ports.Value.Filtered
		result.Whois = info.Value
		if ports.Degraded {
			result.Degraded = append(result.Degraded, StagePorts)
		}
		if info.Degraded {
			result.Degraded = append(result.Degraded, StageWhois)
		}
	}

	if err := t.persist(ctx, result); err != nil {
		t.logger.ErrorHost("failed to persist host", ip, err)
		result.Outcome = OutcomeFailed
		result.Error = errors.ErrPersistence(ip, err).Error()
		return result
	}

	result.Outcome = OutcomeSuccess
	return result
}

// checkReachability degrades to "down": a probe that errors or times out
// marks the host unreachable.
func (t *hostTask) checkReachability(ctx context.Context, ip string) StageResult[bool] {
	res := runStage(ctx, t.profile.ReachabilityTimeout,
		func(ctx context.Context) (bool, error) { return t.prober.Probe(ctx, ip) },
		func(string, error) bool { return false },
	)
	t.observe(StageReachability, ip, res.Elapsed, res.Degraded, res.Reason, res.Err)
	return res
}

// scanAndLookup runs the port and WHOIS stages concurrently.
func (t *hostTask) scanAndLookup(ctx context.Context, ip string) (StageResult[scanning.PortSet], StageResult[whois.Result]) {
	var (
		ports StageResult[scanning.PortSet]
		info  StageResult[whois.Result]
		g     errgroup.Group
	)

	g.Go(func() error {
		ports = t.scanPorts(ctx, ip)
		return nil
	})
	g.Go(func() error {
		info = t.lookupWhois(ctx, ip)
		return nil
	})
	_ = g.Wait()

	return ports, info
}

// scanPorts degrades to an empty port set.
func (t *hostTask) scanPorts(ctx context.Context, ip string) StageResult[scanning.PortSet] {
	res := runStage(ctx, t.profile.PortScanTimeout,
		func(ctx context.Context) (scanning.PortSet, error) { return t.scanner.ScanPorts(ctx, ip) },
		func(string, error) scanning.PortSet {
			return scanning.PortSet{Open: []uint16{}, Filtered: []uint16{}}
		},
	)
	if res.Value.Open == nil {
		res.Value.Open = []uint16{}
	}
	if res.Value.Filtered == nil {
		res.Value.Filtered = []uint16{}
	}
	t.observe(StagePorts, ip, res.Elapsed, res.Degraded, res.Reason, res.Err)
	return res
}

// lookupWhois consults the run cache first and degrades to an error result.
// Only successful lookups are cached.
func (t *hostTask) lookupWhois(ctx context.Context, ip string) StageResult[whois.Result] {
	if cached, ok := t.cache.Get(ip); ok {
		t.metrics.RecordWhoisCache(true)
		return StageResult[whois.Result]{Value: cached}
	}
	t.metrics.RecordWhoisCache(false)

	res := runStage(ctx, t.whoisTimeout,
		func(ctx context.Context) (whois.Result, error) { return t.lookup.Lookup(ctx, ip) },
		func(reason string, err error) whois.Result {
			if reason == ReasonTimeout {
				return whois.ErrorResult("whois lookup timed out")
			}
			return whois.ErrorResult(err.Error())
		},
	)
	t.observe(StageWhois, ip, res.Elapsed, res.Degraded, res.Reason, res.Err)

	if !res.Degraded && res.Value.OK() {
		t.cache.Put(ip, res.Value)
		t.metrics.SetWhoisCacheEntries(t.cache.Len())
	}
	return res
}

func (t *hostTask) persist(ctx context.Context, r HostResult) error {
	start := time.Now()
	facts := db.HostFacts{
		IP:          r.IP,
		Reachable:   r.Reachable,
		OpenPorts:   r.OpenPorts,
		Filtered:    r.FilteredPorts,
		SourceLabel: t.sourceLabel,
	}
	if r.Whois.OK() {
		facts.Whois = r.Whois.Fields
	}

	err := t.store.SaveHost(ctx, facts)
	t.metrics.RecordStageDuration(StagePersist, time.Since(start))
	return err
}

func (t *hostTask) observe(stage, ip string, elapsed time.Duration, degraded bool, reason string, err error) {
	t.metrics.RecordStageDuration(stage, elapsed)
	if !degraded {
		return
	}
	t.metrics.IncrementStageDegradations(stage, reason)
	t.logger.Debug("stage degraded", "ip", ip, "stage", stage, "reason", reason, "error", err)
}
