package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// BatchResult is the settled outcome of every address in one batch, in
// input order.
type BatchResult struct {
	Successful int
	Failed     int
	Skipped    int
	Hosts      []HostResult
}

// processBatch classifies the batch, then runs the remaining addresses at
// most profile.IPConcurrency at a time. Every address settles on its own: a
// panic fails that address and nothing else.
func (o *Orchestrator) processBatch(ctx context.Context, task *hostTask, batch []string) BatchResult {
	hosts := make([]HostResult, len(batch))
	scan := make([]bool, len(batch))
	for i, ip := range batch {
		if o.classifier.IsReserved(ip) {
			hosts[i] = skippedResult(ip)
			continue
		}
		scan[i] = true
	}

	var g errgroup.Group
	g.SetLimit(task.profile.IPConcurrency)

	for i, ip := range batch {
		if !scan[i] {
			continue
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("panic while processing %s: %v", ip, r)
					task.logger.ErrorHost("host task panicked", ip, err)
					hosts[i] = failedResult(ip, err)
				}
			}()
			hosts[i] = task.run(ctx, ip)
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{Hosts: hosts}
	for _, h := range hosts {
		switch h.Outcome {
		case OutcomeSuccess:
			result.Successful++
		case OutcomeSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
		o.metrics.IncrementHosts(string(h.Outcome), 1)
	}
	return result
}
