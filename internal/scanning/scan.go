package scanning

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/hostsweep/internal/errors"
	"github.com/anstrom/hostsweep/internal/logging"
)

// nmap port states that are reported.
const (
	stateOpen         = "open"
	stateFiltered     = "filtered"
	stateOpenFiltered = "open|filtered"
)

// PortSet is the outcome of one port scan. Both slices are sorted and free of
// duplicates; a port never appears in both.
type PortSet struct {
	Open     []uint16 `json:"open"`
	Filtered []uint16 `json:"filtered"`
}

// Empty reports whether no port was open or filtered.
func (p PortSet) Empty() bool {
	return len(p.Open) == 0 && len(p.Filtered) == 0
}

// PortScanner runs nmap connect scans over a fixed port list.
type PortScanner struct {
	ports  string
	timing nmap.Timing
	logger *logging.Logger
}

// NewPortScanner creates a scanner for the given ports and timing template.
func NewPortScanner(ports []uint16, timing string, logger *logging.Logger) (*PortScanner, error) {
	if len(ports) == 0 {
		return nil, errors.NewConfigFieldError(errors.CodeValidation, "no ports to scan", "scanning.ports", nil)
	}
	t, err := ParseTiming(timing)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeValidation, "invalid scanning.nmap_timing", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &PortScanner{
		ports:  JoinPorts(ports),
		timing: t,
		logger: logger.WithComponent("scanning"),
	}, nil
}

// JoinPorts renders ports in nmap's -p syntax.
func JoinPorts(ports []uint16) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, strconv.Itoa(int(p)))
	}
	return strings.Join(parts, ",")
}

// ScanPorts scans ip and returns its open and filtered ports. The nmap
// process is killed when ctx ends.
func (s *PortScanner) ScanPorts(ctx context.Context, ip string) (PortSet, error) {
	scanner, err := nmap.NewScanner(ctx, buildScanOptions(ip, s.ports, s.timing)...)
	if err != nil {
		return PortSet{}, errors.WrapScanErrorWithTarget(errors.CodeScanFailed, "failed to create nmap scanner", ip, err).
			WithStage("ports")
	}

	result, warnings, err := scanner.Run()
	if ctx.Err() != nil {
		return PortSet{}, errors.ErrStageTimeout(ip, "ports")
	}
	if err != nil {
		return PortSet{}, errors.WrapScanErrorWithTarget(errors.CodeScanFailed, "nmap port scan failed", ip, err).
			WithStage("ports")
	}
	if warnings != nil && len(*warnings) > 0 {
		s.logger.Debug("nmap reported warnings", "ip", ip, "warnings", *warnings)
	}

	return convertNmapRun(result, ip), nil
}

// buildScanOptions creates nmap options for a single-host connect scan.
func buildScanOptions(ip, ports string, timing nmap.Timing) []nmap.Option {
	return []nmap.Option{
		nmap.WithTargets(ip),
		nmap.WithPorts(ports),
		nmap.WithConnectScan(),
		nmap.WithTimingTemplate(timing),
		nmap.WithSkipHostDiscovery(),
	}
}

// convertNmapRun collects the ports nmap reported for ip.
func convertNmapRun(result *nmap.Run, ip string) PortSet {
	set := PortSet{Open: []uint16{}, Filtered: []uint16{}}
	if result == nil {
		return set
	}

	for i := range result.Hosts {
		h := &result.Hosts[i]
		if !hostHasAddress(h, ip) {
			continue
		}
		for j := range h.Ports {
			p := &h.Ports[j]
			if p.ID == 0 {
				continue
			}
			switch p.State.State {
			case stateOpen:
				set.Open = append(set.Open, p.ID)
			case stateFiltered, stateOpenFiltered:
				set.Filtered = append(set.Filtered, p.ID)
			}
		}
	}

	set.Open = sortedUnique(set.Open)
	set.Filtered = slices.DeleteFunc(sortedUnique(set.Filtered), func(port uint16) bool {
		_, found := slices.BinarySearch(set.Open, port)
		return found
	})
	return set
}

func hostHasAddress(h *nmap.Host, ip string) bool {
	if len(h.Addresses) == 0 {
		return false
	}
	for _, addr := range h.Addresses {
		if addr.Addr == ip {
			return true
		}
	}
	return false
}

func sortedUnique(ports []uint16) []uint16 {
	slices.Sort(ports)
	return slices.Compact(ports)
}

// String implements fmt.Stringer for log output.
func (p PortSet) String() string {
	return fmt.Sprintf("open=%v filtered=%v", p.Open, p.Filtered)
}
