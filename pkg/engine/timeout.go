package engine

import (
	"fmt"
	"sync"
	"time"
)

// EvalTimeout is the default hard limit for a single evaluation.
const EvalTimeout = 5 * time.Second

// evalResult carries one interpreter run back to Evaluate.
type evalResult struct {
	result *Result
	err    error
}

// waitWithTimeout returns the run delivered on ch, ErrTimeout once limit
// passes, or ErrSuperseded when a later Evaluate has bumped the generation
// in the meantime. A timed out run keeps going until its next builtin call
// notices it was abandoned.
func waitWithTimeout(
	ch <-chan evalResult,
	gen uint64,
	mu *sync.Mutex,
	currentGen *uint64,
	limit time.Duration,
) (*Result, error) {
	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case res := <-ch:
		mu.Lock()
		current := *currentGen
		mu.Unlock()

		if gen != current {
			return nil, ErrSuperseded
		}
		return res.result, res.err

	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrTimeout, limit)
	}
}
