// Package discovery decides whether a host answers before any port is
// probed. It runs an nmap ping scan (-sn) against a single address.
package discovery

import (
	"context"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/hostsweep/internal/errors"
	"github.com/anstrom/hostsweep/internal/logging"
	"github.com/anstrom/hostsweep/internal/scanning"
)

const hostStateUp = "up"

// Prober checks host reachability with nmap host discovery.
type Prober struct {
	timing nmap.Timing
	logger *logging.Logger
}

// NewProber creates a prober using the named nmap timing template.
func NewProber(timing string, logger *logging.Logger) (*Prober, error) {
	t, err := scanning.ParseTiming(timing)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeValidation, "invalid scanning.nmap_timing", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Prober{timing: t, logger: logger.WithComponent("discovery")}, nil
}

// Probe reports whether ip is up. The caller bounds the probe through ctx;
// an expired context is reported as an error and callers treat it as down.
func (p *Prober) Probe(ctx context.Context, ip string) (bool, error) {
	scanner, err := nmap.NewScanner(ctx, buildNmapOptions(ip, p.timing)...)
	if err != nil {
		return false, errors.WrapScanErrorWithTarget(errors.CodeScanFailed, "failed to create nmap scanner", ip, err).
			WithStage("reachability")
	}

	result, warnings, err := scanner.Run()
	if ctx.Err() != nil {
		return false, errors.ErrStageTimeout(ip, "reachability")
	}
	if err != nil {
		return false, errors.WrapScanErrorWithTarget(errors.CodeScanFailed, "nmap discovery failed", ip, err).
			WithStage("reachability")
	}
	if warnings != nil && len(*warnings) > 0 {
		p.logger.Debug("discovery completed with warnings", "ip", ip, "warnings", *warnings)
	}

	return hostUp(result, ip), nil
}

// buildNmapOptions constructs ping scan options for a single address.
func buildNmapOptions(ip string, timing nmap.Timing) []nmap.Option {
	return []nmap.Option{
		nmap.WithTargets(ip),
		nmap.WithPingScan(), // Host discovery only, no port scan
		nmap.WithTimingTemplate(timing),
	}
}

// hostUp reports whether result lists ip in the "up" state.
func hostUp(result *nmap.Run, ip string) bool {
	if result == nil {
		return false
	}
	for i := range result.Hosts {
		host := &result.Hosts[i]
		if len(host.Addresses) == 0 || host.Status.State != hostStateUp {
			continue
		}
		for _, addr := range host.Addresses {
			if addr.Addr == ip {
				return true
			}
		}
	}
	return false
}
