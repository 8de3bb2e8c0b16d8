// Package runner executes independent work units across a bounded worker
// pool. Every unit reaches a terminal state — success or typed failure — and
// the returned outcomes are index-aligned with the input regardless of
// completion order. A failure inside one unit never terminates its siblings:
// errors and panics are converted to Failure outcomes at the unit boundary.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrorKind classifies a unit failure for the run report.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "Timeout"
	KindClassification ErrorKind = "ClassificationError"
	KindSummarization  ErrorKind = "SummarizationError"
	KindStoreWrite     ErrorKind = "StoreWriteError"
	KindInternal       ErrorKind = "InternalError"
)

// UnitError is the typed failure of one work unit.
type UnitError struct {
	Kind    ErrorKind
	Message string
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unit is one independently schedulable task. The context carries the
// per-unit deadline; implementations must respect it at their blocking
// call sites.
type Unit[T any] func(ctx context.Context) (T, error)

// Outcome is the terminal state of one unit. Err is nil on success.
// Index always equals the unit's position in the input slice.
type Outcome[T any] struct {
	Index int
	Value T
	Err   *UnitError
}

// Classify is an optional hook mapping a unit's error to an ErrorKind.
// When nil, or when it returns an empty kind, the runner falls back to
// KindInternal (deadline errors are always KindTimeout).
type Classify func(err error) ErrorKind

// Config bounds the pool.
type Config struct {
	// Workers caps concurrent units. Zero or negative uses DefaultWorkers.
	Workers int

	// UnitTimeout bounds each unit's execution. Zero or negative uses
	// DefaultUnitTimeout; a per-unit deadline is mandatory so one hung
	// model call cannot hold the whole batch open.
	UnitTimeout time.Duration

	// ClassifyError maps unit errors to report kinds.
	ClassifyError Classify
}

const (
	DefaultWorkers     = 8
	DefaultUnitTimeout = 30 * time.Second
)

// Run executes all units under cfg and returns exactly len(units) outcomes,
// index-aligned with the input. Run returns only after every unit has
// reached a terminal state; it never abandons a unit.
func Run[T any](ctx context.Context, units []Unit[T], cfg Config) []Outcome[T] {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	timeout := cfg.UnitTimeout
	if timeout <= 0 {
		timeout = DefaultUnitTimeout
	}

	outcomes := make([]Outcome[T], len(units))

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)

	for i, unit := range units {
		wg.Add(1)
		go func(idx int, u Unit[T]) {
			defer wg.Done()
			sem <- struct{}{}        // Acquire semaphore
			defer func() { <-sem }() // Release semaphore

			outcomes[idx] = execute(ctx, idx, u, timeout, cfg.ClassifyError)
		}(i, unit)
	}

	wg.Wait()
	return outcomes
}

// execute runs one unit inside its failure boundary: a per-unit deadline,
// panic recovery, and error-to-kind conversion. Nothing escapes to the pool.
func execute[T any](ctx context.Context, idx int, unit Unit[T], timeout time.Duration, classify Classify) (out Outcome[T]) {
	out.Index = idx

	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("unit", idx).Interface("panic", r).Msg("Work unit panicked")
			out.Err = &UnitError{Kind: KindInternal, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	unitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	value, err := unit(unitCtx)
	// The value is kept even on failure: units may return a fallback value
	// alongside their error, and the caller decides whether to persist it.
	out.Value = value
	if err != nil {
		out.Err = toUnitError(err, classify)
	}
	return out
}

func toUnitError(err error, classify Classify) *UnitError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &UnitError{Kind: KindTimeout, Message: err.Error()}
	}
	kind := KindInternal
	if classify != nil {
		if k := classify(err); k != "" {
			kind = k
		}
	}
	return &UnitError{Kind: kind, Message: err.Error()}
}
