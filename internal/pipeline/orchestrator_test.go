package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/hostsweep/internal/db"
	"github.com/anstrom/hostsweep/internal/errors"
	"github.com/anstrom/hostsweep/internal/logging"
	"github.com/anstrom/hostsweep/internal/metrics"
	"github.com/anstrom/hostsweep/internal/pipeline/mocks"
)

type harness struct {
	prober  *fakeProber
	scanner *fakeScanner
	whois   *fakeWhois
	store   *memStore
	sink    *recordingSink
}

func newHarness() *harness {
	return &harness{
		prober:  &fakeProber{down: map[string]bool{}},
		scanner: &fakeScanner{},
		whois:   &fakeWhois{},
		store:   newMemStore(),
		sink:    &recordingSink{},
	}
}

func (h *harness) orchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	o, err := New(Dependencies{
		Prober:  h.prober,
		Scanner: h.scanner,
		Whois:   h.whois,
		Store:   h.store,
	}, opts)
	require.NoError(t, err)
	return o
}

func assertAccounted(t *testing.T, s *Summary) {
	t.Helper()
	assert.Equal(t, s.Total, s.Successful+s.Failed+s.Skipped)
	assert.Len(t, s.Details.SuccessfulIPs, s.Successful)
	assert.Len(t, s.Details.SkippedIPs, s.Skipped)
	assert.Len(t, s.Details.FailedIPs, s.Failed)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{}, Options{})
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration))
}

func TestRunDeduplicatesAndSkipsReserved(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(t, Options{})

	summary, err := o.Run(context.Background(), ScanRequest{
		IPs:         []string{"8.8.8.8", "8.8.8.8", "10.0.0.5"},
		SourceLabel: "upload.csv",
	}, h.sink)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []string{"10.0.0.5"}, summary.Details.SkippedIPs)
	assert.Equal(t, []string{"8.8.8.8"}, summary.Details.SuccessfulIPs)
	assert.Equal(t, 50.0, summary.Statistics.SuccessRate)
	assert.Equal(t, ProfileSmall, summary.Statistics.Profile)
	assert.Equal(t, 1, summary.Statistics.BatchesProcessed)
	assert.Equal(t, 1, summary.Statistics.WhoisCacheSize)
	assertAccounted(t, summary)

	assert.Equal(t, 1, h.store.calls, "duplicates are processed once and skipped addresses never persisted")
	facts, ok := h.store.get("8.8.8.8")
	require.True(t, ok)
	assert.Equal(t, "upload.csv", facts.SourceLabel)

	assert.Equal(t, []EventType{
		EventProcessingStarted,
		EventBatchStart,
		EventBatchComplete,
		EventProcessingCompleted,
	}, h.sink.types())

	started := h.sink.ofType(EventProcessingStarted)[0]
	assert.Equal(t, 2, started.TotalIPs)
	done := h.sink.ofType(EventProcessingCompleted)[0]
	assert.Same(t, summary, done.Summary)
	for _, e := range h.sink.events {
		assert.Equal(t, summary.RunID, e.RunID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestRunInvalidInput(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	lookup := mocks.NewMockWhoisLookup(ctrl)
	sink := &recordingSink{}

	o, err := New(Dependencies{
		Prober:  &fakeProber{},
		Scanner: &fakeScanner{},
		Whois:   lookup,
		Store:   store,
	}, Options{})
	require.NoError(t, err)

	summary, err := o.Run(context.Background(), ScanRequest{IPs: []string{"nope", "::1", ""}}, sink)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	require.NotNil(t, summary)
	assert.Zero(t, summary.Total)
	assert.Equal(t, 3, summary.Statistics.InvalidInputs)
	assert.Equal(t, []EventType{EventProcessingError}, sink.types())
	assert.NotEmpty(t, sink.events[0].Error)
}

func TestRunCountsInvalidInputs(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness()
	o := h.orchestrator(t, Options{
		Logger: logging.NewWithWriter(logging.Config{Level: logging.LevelDebug, Format: logging.FormatText}, &buf),
	})

	summary, err := o.Run(context.Background(), ScanRequest{IPs: []string{"8.8.8.8", "999.1.1.1", "host"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 2, summary.Statistics.InvalidInputs)

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "dropped invalid target"))
	assert.Contains(t, out, "target: 999.1.1.1")
	assert.Contains(t, out, "target: host")
}

func TestRunUnreachableHost(t *testing.T) {
	h := newHarness()
	h.prober.down["1.1.1.1"] = true
	o := h.orchestrator(t, Options{})

	summary, err := o.Run(context.Background(), ScanRequest{IPs: []string{"1.1.1.1"}}, h.sink)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Successful)
	assert.Zero(t, summary.Statistics.WhoisCacheSize)
	assert.Zero(t, h.whois.calls)
	assert.Zero(t, h.scanner.calls)

	facts, ok := h.store.get("1.1.1.1")
	require.True(t, ok)
	assert.False(t, facts.Reachable)
	assert.Empty(t, facts.OpenPorts)
	assert.Nil(t, facts.Whois)
}

func TestRunPortScanTimeout(t *testing.T) {
	h := newHarness()
	h.scanner.block = true
	o := h.orchestrator(t, Options{ProfileFor: fixedProfile(25, 1, 5)})

	summary, err := o.Run(context.Background(), ScanRequest{IPs: []string{"9.9.9.9"}}, h.sink)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Successful)

	facts, ok := h.store.get("9.9.9.9")
	require.True(t, ok)
	assert.True(t, facts.Reachable)
	assert.Empty(t, facts.OpenPorts)
	assert.Empty(t, facts.Filtered)
}

func TestRunPersistenceFailure(t *testing.T) {
	h := newHarness()
	h.store.fail["1.1.1.1"] = fmt.Errorf("connection reset")
	o := h.orchestrator(t, Options{})

	summary, err := o.Run(context.Background(), ScanRequest{IPs: []string{"8.8.8.8", "1.1.1.1", "9.9.9.9"}}, h.sink)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Details.FailedIPs, 1)
	assert.Equal(t, "1.1.1.1", summary.Details.FailedIPs[0].IP)
	assert.Contains(t, summary.Details.FailedIPs[0].Error, "connection reset")
	assert.Equal(t, 66.67, summary.Statistics.SuccessRate)
	assertAccounted(t, summary)
}

func TestRunHostPanicIsContained(t *testing.T) {
	h := newHarness()
	h.store.panic["1.1.1.1"] = true
	o := h.orchestrator(t, Options{})

	summary, err := o.Run(context.Background(), ScanRequest{IPs: []string{"8.8.8.8", "1.1.1.1"}}, h.sink)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, summary.Details.FailedIPs[0].Error, "store exploded")
	assert.Empty(t, h.sink.ofType(EventBatchError), "a host panic does not fail its batch")
}

func TestRunBatchFailure(t *testing.T) {
	h := newHarness()
	o, err := New(Dependencies{
		Prober:     h.prober,
		Scanner:    h.scanner,
		Whois:      h.whois,
		Store:      h.store,
		Classifier: panicClassifier{on: "1.1.1.1"},
	}, Options{ProfileFor: fixedProfile(2, 1, 2)})
	require.NoError(t, err)

	summary, err := o.Run(context.Background(), ScanRequest{
		IPs: []string{"8.8.8.8", "8.8.4.4", "1.1.1.1", "9.9.9.9", "4.4.4.4"},
	}, h.sink)
	require.NoError(t, err, "a failed batch does not fail the run")

	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 3, summary.Successful)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 3, summary.Statistics.BatchesProcessed)
	assertAccounted(t, summary)

	failed := []string{summary.Details.FailedIPs[0].IP, summary.Details.FailedIPs[1].IP}
	assert.Equal(t, []string{"1.1.1.1", "9.9.9.9"}, failed)
	assert.Contains(t, summary.Details.FailedIPs[0].Error, "classifier failure")

	batchErrors := h.sink.ofType(EventBatchError)
	require.Len(t, batchErrors, 1)
	assert.Equal(t, 2, batchErrors[0].BatchIndex)
	assert.Len(t, h.sink.ofType(EventBatchComplete), 2)
	assert.Equal(t, EventProcessingCompleted, h.sink.types()[len(h.sink.events)-1])

	_, saved := h.store.get("9.9.9.9")
	assert.False(t, saved)
}

func TestRunProgressIsMonotone(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(t, Options{})
	ips := publicIPs(230)

	summary, err := o.Run(context.Background(), ScanRequest{IPs: ips}, h.sink)
	require.NoError(t, err)
	assert.Equal(t, ProfileMedium, summary.Statistics.Profile)
	assert.Equal(t, 230, summary.Successful)
	assert.Equal(t, 5, summary.Statistics.BatchesProcessed)
	assert.Equal(t, ips, summary.Details.SuccessfulIPs, "details keep input order")

	starts := h.sink.ofType(EventBatchStart)
	completes := h.sink.ofType(EventBatchComplete)
	require.Len(t, starts, 5)
	require.Len(t, completes, 5)

	seen := map[int]bool{}
	prev := 0
	for _, e := range completes {
		assert.Greater(t, e.ProcessedIPs, prev)
		prev = e.ProcessedIPs
		assert.Equal(t, 230, e.TotalIPs)
		assert.Equal(t, 5, e.TotalBatches)
		assert.GreaterOrEqual(t, e.BatchIndex, 1)
		assert.LessOrEqual(t, e.BatchIndex, 5)
		seen[e.BatchIndex] = true
	}
	assert.Len(t, seen, 5)
	assert.Equal(t, 230, prev)
	assert.Equal(t, 100, completes[len(completes)-1].ProgressPercent)

	for _, e := range starts {
		if e.BatchIndex == 5 {
			assert.Equal(t, 30, e.BatchSize)
		}
	}
}

func TestRunBatchPause(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(t, Options{
		ProfileFor: fixedProfile(1, 3, 1),
		BatchPause: 40 * time.Millisecond,
	})

	start := time.Now()
	_, err := o.Run(context.Background(), ScanRequest{IPs: []string{"8.8.8.8", "8.8.4.4", "9.9.9.9"}}, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestRunCanceledContextStillDrains(t *testing.T) {
	h := newHarness()
	h.scanner.block = true
	o := h.orchestrator(t, Options{ProfileFor: fixedProfile(2, 1, 2), BatchPause: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := o.Run(ctx, ScanRequest{IPs: []string{"8.8.8.8", "8.8.4.4", "9.9.9.9"}}, h.sink)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assertAccounted(t, summary)
	assert.Len(t, h.sink.ofType(EventProcessingCompleted), 1)
}

func TestRunRecordsMetrics(t *testing.T) {
	h := newHarness()
	h.scanner.block = true
	m := metrics.NewPrometheusMetrics()
	o := h.orchestrator(t, Options{ProfileFor: fixedProfile(25, 1, 5), Metrics: m})

	_, err := o.Run(context.Background(), ScanRequest{IPs: []string{"8.8.8.8", "10.1.1.1"}}, nil)
	require.NoError(t, err)

	families, err := m.GetRegistry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["hostsweep_pipeline_hosts_total"])
	assert.True(t, names["hostsweep_stage_degradations_total"])
}

func TestRunStoreSeesEveryReachableHostOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().SaveHost(gomock.Any(), gomock.AssignableToTypeOf(db.HostFacts{})).Return(nil).Times(3)

	o, err := New(Dependencies{
		Prober:  &fakeProber{},
		Scanner: &fakeScanner{},
		Whois:   &fakeWhois{},
		Store:   store,
	}, Options{})
	require.NoError(t, err)

	summary, err := o.Run(context.Background(), ScanRequest{
		IPs: []string{"8.8.8.8", "1.1.1.1", "8.8.8.8", "9.9.9.9", "127.0.0.1", "1.1.1.1"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 3, summary.Successful)
	assert.Equal(t, []string{"127.0.0.1"}, summary.Details.SkippedIPs)
}

func TestRunRespectsConcurrencyLimits(t *testing.T) {
	tests := []struct {
		name       string
		hosts      int
		profileFor func(int) ScalingProfile
		perBatch   int
		overall    int
	}{
		{name: "fixed profile", hosts: 60, profileFor: fixedProfile(10, 2, 3), perBatch: 3, overall: 6},
		{name: "small bucket", hosts: 50, profileFor: SelectProfile, perBatch: 5, overall: 5},
		{name: "medium bucket", hosts: 300, profileFor: SelectProfile, perBatch: 8, overall: 16},
		{name: "large bucket", hosts: 1000, profileFor: SelectProfile, perBatch: 12, overall: 36},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ips := publicIPs(tt.hosts)
			profile := tt.profileFor(len(ips))
			require.Equal(t, tt.overall, profile.ConcurrentBatches*profile.IPConcurrency)

			h := newHarness()
			prober := newCountingProber(profile.Partition(ips), 5*time.Millisecond)
			o, err := New(Dependencies{
				Prober:  prober,
				Scanner: h.scanner,
				Whois:   h.whois,
				Store:   h.store,
			}, Options{ProfileFor: tt.profileFor})
			require.NoError(t, err)

			summary, err := o.Run(context.Background(), ScanRequest{IPs: ips}, h.sink)
			require.NoError(t, err)
			assert.Equal(t, tt.hosts, summary.Successful)

			overall, perBatch := prober.peaks()
			assert.LessOrEqual(t, perBatch, tt.perBatch, "addresses in flight within one batch")
			assert.LessOrEqual(t, overall, tt.overall, "addresses in flight across batches")
			assert.Positive(t, overall)
		})
	}
}
