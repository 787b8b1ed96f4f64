package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/anstrom/hostsweep/internal/errors"
)

// Stage names, used in logs, metrics and HostResult.Degraded.
const (
	StageReachability = "reachability"
	StagePorts        = "ports"
	StageWhois        = "whois"
	StagePersist      = "persist"
)

// Degradation reasons.
const (
	ReasonTimeout = "timeout"
	ReasonError   = "error"
)

// StageResult is either the value a stage produced or, when Degraded, the
// stage's default value together with the reason it was substituted.
type StageResult[T any] struct {
	Value    T
	Degraded bool
	Reason   string
	Err      error
	Elapsed  time.Duration
}

// runStage runs fn under its own deadline. fn is abandoned when the deadline
// passes even if it ignores its context; its late result is discarded.
// A panic in fn is reported as an error. On any failure the value returned
// by fallback is used instead.
func runStage[T any](
	ctx context.Context,
	timeout time.Duration,
	fn func(context.Context) (T, error),
	fallback func(reason string, err error) T,
) StageResult[T] {
	start := time.Now()

	var stageCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		stageCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("stage panic: %v", r)}
			}
		}()
		v, err := fn(stageCtx)
		done <- outcome{value: v, err: err}
	}()

	degrade := func(reason string, err error) StageResult[T] {
		return StageResult[T]{
			Value:    fallback(reason, err),
			Degraded: true,
			Reason:   reason,
			Err:      err,
			Elapsed:  time.Since(start),
		}
	}

	select {
	case out := <-done:
		if out.err == nil {
			return StageResult[T]{Value: out.value, Elapsed: time.Since(start)}
		}
		if stageCtx.Err() != nil || errors.IsCode(out.err, errors.CodeTimeout) {
			return degrade(ReasonTimeout, out.err)
		}
		return degrade(ReasonError, out.err)
	case <-stageCtx.Done():
		return degrade(ReasonTimeout, stageCtx.Err())
	}
}
