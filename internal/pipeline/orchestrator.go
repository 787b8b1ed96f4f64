package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/anstrom/hostsweep/internal/errors"
	"github.com/anstrom/hostsweep/internal/logging"
	"github.com/anstrom/hostsweep/internal/metrics"
	"github.com/anstrom/hostsweep/internal/targets"
	"github.com/anstrom/hostsweep/internal/whois"
)

// Run statuses, used as the "status" metric label.
const (
	runStatusCompleted = "completed"
	runStatusInvalid   = "invalid"

	batchStatusCompleted = "completed"
	batchStatusFailed    = "failed"
)

const defaultWhoisTimeout = 10 * time.Second

// ScanRequest is one invocation of the pipeline.
type ScanRequest struct {
	IPs         []string
	SourceLabel string
}

// Dependencies are the capabilities the pipeline drives.
type Dependencies struct {
	Prober     Prober
	Scanner    PortScanner
	Whois      WhoisLookup
	Store      Store
	Classifier Classifier // defaults to the special-purpose IPv4 ranges
}

// Options tune a pipeline. The zero value is usable.
type Options struct {
	WhoisTimeout  time.Duration // defaults to 10s
	BatchPause    time.Duration
	CacheCapacity int // defaults to whois.DefaultCacheCapacity

	// ProfileFor overrides SelectProfile.
	ProfileFor func(n int) ScalingProfile

	Metrics *metrics.PrometheusMetrics
	Logger  *logging.Logger
}

// Orchestrator runs sweeps. It holds no per-run state and may serve
// several runs at once.
type Orchestrator struct {
	prober     Prober
	scanner    PortScanner
	whois      WhoisLookup
	store      Store
	classifier Classifier

	whoisTimeout  time.Duration
	batchPause    time.Duration
	cacheCapacity int
	profileFor    func(int) ScalingProfile

	metrics *metrics.PrometheusMetrics
	logger  *logging.Logger
}

// New creates an orchestrator.
func New(deps Dependencies, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Prober == nil:
		return nil, errors.NewConfigError(errors.CodeConfiguration, "pipeline requires a prober")
	case deps.Scanner == nil:
		return nil, errors.NewConfigError(errors.CodeConfiguration, "pipeline requires a port scanner")
	case deps.Whois == nil:
		return nil, errors.NewConfigError(errors.CodeConfiguration, "pipeline requires a whois lookup")
	case deps.Store == nil:
		return nil, errors.NewConfigError(errors.CodeConfiguration, "pipeline requires a store")
	}

	o := &Orchestrator{
		prober:        deps.Prober,
		scanner:       deps.Scanner,
		whois:         deps.Whois,
		store:         deps.Store,
		classifier:    deps.Classifier,
		whoisTimeout:  opts.WhoisTimeout,
		batchPause:    opts.BatchPause,
		cacheCapacity: opts.CacheCapacity,
		profileFor:    opts.ProfileFor,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
	}
	if o.classifier == nil {
		o.classifier = targets.NewClassifier()
	}
	if o.whoisTimeout <= 0 {
		o.whoisTimeout = defaultWhoisTimeout
	}
	if o.cacheCapacity <= 0 {
		o.cacheCapacity = whois.DefaultCacheCapacity
	}
	if o.profileFor == nil {
		o.profileFor = SelectProfile
	}
	if o.logger == nil {
		o.logger = logging.Default()
	}
	o.logger = o.logger.WithComponent("pipeline")
	return o, nil
}

// runState accumulates counters across batches. mu serialises
// accumulate-and-emit so progress never goes backwards.
type runState struct {
	mu        sync.Mutex
	total     int
	processed int
	batches   int
	results   [][]HostResult
}

// Run sweeps req.IPs and returns the summary. Invalid entries are dropped
// and counted; if none are left a validation error is returned alongside an
// empty summary. Otherwise the run always completes: failures are reported
// per address in the summary, never as an error.
func (o *Orchestrator) Run(ctx context.Context, req ScanRequest, sink Sink) (*Summary, error) {
	start := time.Now()
	runID := uuid.NewString()
	em := newEmitter(sink, runID)
	log := o.logger.WithRunID(runID)

	ips, rejected := targets.Normalize(req.IPs)
	invalid := len(rejected)
	o.metrics.IncrementInvalidInputs(invalid)
	for _, err := range rejected {
		log.WithError(err).Debug("dropped invalid target")
	}

	summary := newSummary(runID)
	summary.Statistics.InvalidInputs = invalid

	if len(ips) == 0 {
		err := errors.ErrNoValidTargets(invalid)
		summary.Message = "no valid IPv4 addresses to process"
		summary.Statistics.DurationMs = time.Since(start).Milliseconds()
		em.emit(Event{Type: EventProcessingError, Error: err.Error()})
		o.metrics.RecordRun("", runStatusInvalid, time.Since(start))
		log.Warn("rejected run without valid targets", "invalid_inputs", invalid)
		return summary, err
	}

	profile := o.profileFor(len(ips)).sanitized()
	batches := profile.Partition(ips)
	em.emit(Event{Type: EventProcessingStarted, TotalIPs: len(ips)})
	log.Info("starting run",
		"total_ips", len(ips),
		"invalid_inputs", invalid,
		"profile", profile.Name,
		"batches", len(batches),
		"source", req.SourceLabel)

	cache := whois.NewCache(o.cacheCapacity)
	task := &hostTask{
		prober:       o.prober,
		scanner:      o.scanner,
		lookup:       o.whois,
		store:        o.store,
		profile:      profile,
		whoisTimeout: o.whoisTimeout,
		cache:        cache,
		sourceLabel:  req.SourceLabel,
		metrics:      o.metrics,
		logger:       log,
	}
	state := &runState{total: len(ips), results: make([][]HostResult, len(batches))}

	var g errgroup.Group
	g.SetLimit(profile.ConcurrentBatches)
	for i, batch := range batches {
		if i > 0 && o.batchPause > 0 {
			pause(ctx, o.batchPause)
		}
		g.Go(func() error {
			o.runBatch(ctx, task, state, em, i, len(batches), batch)
			return nil
		})
	}
	_ = g.Wait()

	summary.Statistics.WhoisCacheSize = cache.Len()
	cache.Clear()
	o.metrics.SetWhoisCacheEntries(0)

	for _, hosts := range state.results {
		for _, h := range hosts {
			summary.add(h)
		}
	}
	summary.Statistics.SuccessRate = SuccessRate(summary.Successful, summary.Total)
	summary.Statistics.BatchesProcessed = state.batches
	summary.Statistics.Profile = profile.Name
	summary.Statistics.DurationMs = time.Since(start).Milliseconds()
	summary.Message = fmt.Sprintf("processed %d addresses in %d batches", summary.Total, state.batches)

	em.emit(Event{Type: EventProcessingCompleted, Summary: summary})
	o.metrics.RecordRun(profile.Name, runStatusCompleted, time.Since(start))
	log.Info("run completed",
		"successful", summary.Successful,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"success_rate", summary.Statistics.SuccessRate,
		"duration_ms", summary.Statistics.DurationMs)

	return summary, nil
}

// runBatch runs one batch and folds its outcome into state. A panic that
// escapes processBatch fails every address in the batch.
func (o *Orchestrator) runBatch(
	ctx context.Context,
	task *hostTask,
	state *runState,
	em *emitter,
	index, totalBatches int,
	batch []string,
) {
	log := task.logger.WithBatch(index+1, totalBatches)
	em.emit(Event{
		Type:         EventBatchStart,
		BatchIndex:   index + 1,
		TotalBatches: totalBatches,
		BatchSize:    len(batch),
	})
	o.metrics.BatchStarted()
	defer o.metrics.BatchFinished()

	var (
		result   BatchResult
		batchErr error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				batchErr = errors.ErrBatchFailed(index+1, fmt.Errorf("panic: %v", r))
			}
		}()
		result = o.processBatch(ctx, task, batch)
	}()

	if batchErr != nil {
		result = BatchResult{Failed: len(batch), Hosts: make([]HostResult, len(batch))}
		for i, ip := range batch {
			result.Hosts[i] = failedResult(ip, batchErr)
		}
		o.metrics.IncrementHosts(metrics.OutcomeFailed, len(batch))
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	state.results[index] = result.Hosts
	state.processed += len(batch)
	state.batches++

	if batchErr != nil {
		log.Error("batch failed", "error", batchErr)
		o.metrics.IncrementBatches(batchStatusFailed)
		em.emit(Event{Type: EventBatchError, BatchIndex: index + 1, Error: batchErr.Error()})
		return
	}

	o.metrics.IncrementBatches(batchStatusCompleted)
	log.Debug("batch completed",
		"successful", result.Successful,
		"failed", result.Failed,
		"skipped", result.Skipped)
	em.emit(Event{
		Type:            EventBatchComplete,
		BatchIndex:      index + 1,
		TotalBatches:    totalBatches,
		Successful:      result.Successful,
		Failed:          result.Failed,
		Skipped:         result.Skipped,
		ProcessedIPs:    state.processed,
		TotalIPs:        state.total,
		ProgressPercent: progressPercent(state.processed, state.total),
	})
}

// pause waits for d or until ctx ends.
func pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
