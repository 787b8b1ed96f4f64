package db

import (
	"time"

	"github.com/google/uuid"
)

// Port states stored in host_ports.state.
const (
	PortStateOpen     = "open"
	PortStateFiltered = "filtered"
)

// HostFacts is everything the pipeline learned about one address.
type HostFacts struct {
	IP          string
	Reachable   bool
	OpenPorts   []uint16
	Filtered    []uint16
	Whois       map[string]string
	SourceLabel string
}

// FileSource names the upload an address was extracted from.
type FileSource struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Label     string    `db:"label" json:"label"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Country is an ISO 3166 alpha-2 code seen in WHOIS data.
type Country struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Code      string    `db:"code" json:"code"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Host is the persisted record for one address.
type Host struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	IP           string     `db:"ip" json:"ip"`
	Reachable    bool       `db:"reachable" json:"reachable"`
	FileSourceID *uuid.UUID `db:"file_source_id" json:"file_source_id,omitempty"`
	CountryID    *uuid.UUID `db:"country_id" json:"country_id,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// HostPort is one port row owned by a host.
type HostPort struct {
	HostID uuid.UUID `db:"host_id" json:"host_id"`
	Port   int       `db:"port" json:"port"`
	State  string    `db:"state" json:"state"`
}

// HostWhois is one WHOIS key/value row owned by a host.
type HostWhois struct {
	HostID uuid.UUID `db:"host_id" json:"host_id"`
	Key    string    `db:"field" json:"key"`
	Value  string    `db:"value" json:"value"`
}

// HostDetail is a host joined with its owned rows.
type HostDetail struct {
	Host
	SourceLabel string            `json:"source_label,omitempty"`
	CountryCode string            `json:"country_code,omitempty"`
	Ports       []HostPort        `json:"ports"`
	Whois       map[string]string `json:"whois"`
}

// OpenPorts returns the open port numbers in ascending order.
func (h *HostDetail) OpenPorts() []int {
	return h.portsIn(PortStateOpen)
}

// FilteredPorts returns the filtered port numbers in ascending order.
func (h *HostDetail) FilteredPorts() []int {
	return h.portsIn(PortStateFiltered)
}

func (h *HostDetail) portsIn(state string) []int {
	out := []int{}
	for _, p := range h.Ports {
		if p.State == state {
			out = append(out, p.Port)
		}
	}
	return out
}
