package targets

import (
	"net"

	"github.com/censys/cidranger"
)

type reservedRange struct {
	network net.IPNet
	name    string
}

func (r reservedRange) Network() net.IPNet { return r.network }

var reservedCIDRs = []struct {
	cidr string
	name string
}{
	{"0.0.0.0/8", "this-network"},
	{"10.0.0.0/8", "private"},
	{"100.64.0.0/10", "cgnat"},
	{"127.0.0.0/8", "loopback"},
	{"169.254.0.0/16", "link-local"},
	{"172.16.0.0/12", "private"},
	{"192.0.0.0/24", "ietf-protocol"},
	{"192.0.2.0/24", "documentation"},
	{"192.168.0.0/16", "private"},
	{"198.18.0.0/15", "benchmarking"},
	{"198.51.100.0/24", "documentation"},
	{"203.0.113.0/24", "documentation"},
	{"224.0.0.0/4", "multicast"},
	{"240.0.0.0/4", "reserved"},
	{"255.255.255.255/32", "broadcast"},
}

// Classifier decides whether an address is in a non-routable range and
// should be skipped rather than scanned.
type Classifier struct {
	ranger cidranger.Ranger
}

// NewClassifier builds a classifier over the IANA special-purpose IPv4 ranges.
func NewClassifier() *Classifier {
	ranger := cidranger.NewPCTrieRanger()
	for _, r := range reservedCIDRs {
		_, network, err := net.ParseCIDR(r.cidr)
		if err != nil {
			panic(err)
		}
		if err := ranger.Insert(reservedRange{network: *network, name: r.name}); err != nil {
			panic(err)
		}
	}
	return &Classifier{ranger: ranger}
}

// Reserved reports whether ip falls in a skipped range, and which one.
// Unparseable input is reported as not reserved.
func (c *Classifier) Reserved(ip string) (bool, string) {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return false, ""
	}
	entries, err := c.ranger.ContainingNetworks(parsed)
	if err != nil || len(entries) == 0 {
		return false, ""
	}
	if r, ok := entries[len(entries)-1].(reservedRange); ok {
		return true, r.name
	}
	return true, ""
}

// IsReserved is Reserved without the range name.
func (c *Classifier) IsReserved(ip string) bool {
	reserved, _ := c.Reserved(ip)
	return reserved
}
