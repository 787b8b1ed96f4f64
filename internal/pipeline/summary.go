package pipeline

import "math"

// Summary is the final report of one run.
type Summary struct {
	RunID      string     `json:"runId"`
	Message    string     `json:"message"`
	Total      int        `json:"total"`
	Successful int        `json:"successful"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	Statistics Statistics `json:"statistics"`
	Details    Details    `json:"details"`
}

// Statistics describes how the run went.
type Statistics struct {
	SuccessRate      float64 `json:"successRate"`
	BatchesProcessed int     `json:"batchesProcessed"`
	WhoisCacheSize   int     `json:"whoisCacheSize"`
	InvalidInputs    int     `json:"invalidInputs"`
	Profile          string  `json:"profile"`
	DurationMs       int64   `json:"durationMs"`
}

// Details lists addresses by outcome, in input order.
type Details struct {
	SuccessfulIPs []string   `json:"successfulIPs"`
	SkippedIPs    []string   `json:"skippedIPs"`
	FailedIPs     []FailedIP `json:"failedIPs"`
}

// FailedIP is an address that could not be processed and why.
type FailedIP struct {
	IP    string `json:"ip"`
	Error string `json:"error"`
}

func newSummary(runID string) *Summary {
	return &Summary{
		RunID: runID,
		Details: Details{
			SuccessfulIPs: []string{},
			SkippedIPs:    []string{},
			FailedIPs:     []FailedIP{},
		},
	}
}

// SuccessRate is successful/total*100 rounded to two decimals, 0 when total
// is 0.
func SuccessRate(successful, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(successful)/float64(total)*10000) / 100
}

// add records one host result.
func (s *Summary) add(r HostResult) {
	s.Total++
	switch r.Outcome {
	case OutcomeSuccess:
		s.Successful++
		s.Details.SuccessfulIPs = append(s.Details.SuccessfulIPs, r.IP)
	case OutcomeSkipped:
		s.Skipped++
		s.Details.SkippedIPs = append(s.Details.SkippedIPs, r.IP)
	default:
		s.Failed++
		s.Details.FailedIPs = append(s.Details.FailedIPs, FailedIP{IP: r.IP, Error: r.Error})
	}
}
