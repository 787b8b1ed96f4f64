package pipeline

import "time"

// Profile names.
const (
	ProfileSmall  = "small"
	ProfileMedium = "medium"
	ProfileLarge  = "large"
)

// Upper bounds (inclusive) of the small and medium buckets.
const (
	smallProfileMax  = 100
	mediumProfileMax = 500
)

// ScalingProfile holds the static concurrency limits and stage deadlines
// used for one run.
type ScalingProfile struct {
	Name                string        `json:"name"`
	ConcurrentBatches   int           `json:"concurrentBatches"`
	BatchSize           int           `json:"batchSize"`
	IPConcurrency       int           `json:"ipConcurrency"`
	PortScanTimeout     time.Duration `json:"portScanTimeout"`
	ReachabilityTimeout time.Duration `json:"reachabilityTimeout"`
}

var (
	SmallProfile = ScalingProfile{
		Name:                ProfileSmall,
		ConcurrentBatches:   1,
		BatchSize:           25,
		IPConcurrency:       5,
		PortScanTimeout:     15 * time.Second,
		ReachabilityTimeout: 2 * time.Second,
	}
	MediumProfile = ScalingProfile{
		Name:                ProfileMedium,
		ConcurrentBatches:   2,
		BatchSize:           50,
		IPConcurrency:       8,
		PortScanTimeout:     10 * time.Second,
		ReachabilityTimeout: 1500 * time.Millisecond,
	}
	LargeProfile = ScalingProfile{
		Name:                ProfileLarge,
		ConcurrentBatches:   3,
		BatchSize:           100,
		IPConcurrency:       12,
		PortScanTimeout:     8 * time.Second,
		ReachabilityTimeout: time.Second,
	}
)

// SelectProfile picks the profile for n distinct addresses.
func SelectProfile(n int) ScalingProfile {
	switch {
	case n <= smallProfileMax:
		return SmallProfile
	case n <= mediumProfileMax:
		return MediumProfile
	default:
		return LargeProfile
	}
}

// Profiles lists every profile from smallest to largest, with the largest
// input count each one is selected for (0 means unbounded).
func Profiles() []ProfileBucket {
	return []ProfileBucket{
		{Profile: SmallProfile, MaxHosts: smallProfileMax},
		{Profile: MediumProfile, MaxHosts: mediumProfileMax},
		{Profile: LargeProfile},
	}
}

// ProfileBucket pairs a profile with the input sizes that select it.
type ProfileBucket struct {
	Profile  ScalingProfile
	MaxHosts int
}

// TotalBatches is ceil(n / BatchSize).
func (p ScalingProfile) TotalBatches(n int) int {
	if n <= 0 || p.BatchSize <= 0 {
		return 0
	}
	return (n + p.BatchSize - 1) / p.BatchSize
}

// Partition splits ips into contiguous batches of at most BatchSize.
func (p ScalingProfile) Partition(ips []string) [][]string {
	if p.BatchSize <= 0 {
		return nil
	}
	batches := make([][]string, 0, p.TotalBatches(len(ips)))
	for start := 0; start < len(ips); start += p.BatchSize {
		end := min(start+p.BatchSize, len(ips))
		batches = append(batches, ips[start:end])
	}
	return batches
}

// sanitized raises every limit to at least 1 so a hand-built profile cannot
// stall the schedulers.
func (p ScalingProfile) sanitized() ScalingProfile {
	p.ConcurrentBatches = max(p.ConcurrentBatches, 1)
	p.BatchSize = max(p.BatchSize, 1)
	p.IPConcurrency = max(p.IPConcurrency, 1)
	return p
}
