package selection

import (
	"context"
	stderrors "errors"
	"sync"
)

// ProbeFunc attempts one candidate. Implementations must honor ctx
// cancellation promptly; a cancelled probe returns ctx.Err().
type ProbeFunc[T any] func(ctx context.Context, candidate Candidate) (T, error)

type probeOutcome[T any] struct {
	pos   int
	value T
	err   error
}

// ProbeFirstSuccess races the candidates in parallel and returns the first
// success. The remaining probes are cancelled, each exactly once. A failing
// probe never cancels its peers; only a success or the parent context does.
// When every probe fails the joined errors come back.
func ProbeFirstSuccess[T any](ctx context.Context, candidates []Candidate, probe ProbeFunc[T]) (T, *Candidate, error) {
	var zero T
	if len(candidates) == 0 {
		return zero, nil, stderrors.New("no candidates to probe")
	}

	results := make(chan probeOutcome[T], len(candidates))
	cancels := make([]func(), len(candidates))
	onces := make([]sync.Once, len(candidates))
	cancelOne := func(pos int) {
		onces[pos].Do(cancels[pos])
	}

	for pos, candidate := range candidates {
		probeCtx, cancel := context.WithCancel(ctx)
		cancels[pos] = cancel
		go func(pos int, candidate Candidate, probeCtx context.Context) {
			value, err := probe(probeCtx, candidate)
			results <- probeOutcome[T]{pos: pos, value: value, err: err}
		}(pos, candidate, probeCtx)
	}
	defer func() {
		for pos := range cancels {
			cancelOne(pos)
		}
	}()

	failures := make([]error, 0, len(candidates))
	for received := 0; received < len(candidates); received++ {
		select {
		case <-ctx.Done():
			return zero, nil, ctx.Err()
		case outcome := <-results:
			if outcome.err == nil {
				winner := candidates[outcome.pos]
				return outcome.value, &winner, nil
			}
			cancelOne(outcome.pos)
			failures = append(failures, outcome.err)
		}
	}
	return zero, nil, stderrors.Join(failures...)
}
