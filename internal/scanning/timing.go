package scanning

import (
	"fmt"
	"strings"

	"github.com/Ullaakut/nmap/v3"
)

var timingTemplates = map[string]nmap.Timing{
	"paranoid":   nmap.TimingSlowest,
	"sneaky":     nmap.TimingSneaky,
	"polite":     nmap.TimingPolite,
	"normal":     nmap.TimingNormal,
	"aggressive": nmap.TimingAggressive,
	"insane":     nmap.TimingFastest,
}

// ParseTiming maps a timing template name to its nmap value. An empty name
// selects the aggressive template.
func ParseTiming(name string) (nmap.Timing, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nmap.TimingAggressive, nil
	}
	t, ok := timingTemplates[name]
	if !ok {
		return 0, fmt.Errorf("unknown nmap timing template %q", name)
	}
	return t, nil
}
