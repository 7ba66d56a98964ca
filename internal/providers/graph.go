package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Step is one shared resource in a driver's prerequisite chain.
type Step struct {
	Kind string
	// Create makes the resource and returns its provider id. It may read
	// ids of earlier steps from the ledger.
	Create func(ctx context.Context, l Ledger) (string, error)
	// Delete removes the resource. Resources already gone should return nil.
	Delete func(ctx context.Context, l Ledger, id string) error
}

// Graph is a creation-ordered chain of shared resources. Teardown walks it
// in reverse.
type Graph struct {
	Provider string
	Steps    []Step
	Log      zerolog.Logger
}

// Validate rejects empty or duplicate kinds.
func (g Graph) Validate() error {
	seen := map[string]bool{}
	for _, s := range g.Steps {
		if s.Kind == "" {
			return errors.New("graph step without kind")
		}
		if seen[s.Kind] {
			return fmt.Errorf("duplicate graph step %q", s.Kind)
		}
		if s.Create == nil || s.Delete == nil {
			return fmt.Errorf("graph step %q must define create and delete", s.Kind)
		}
		seen[s.Kind] = true
	}
	return nil
}

// Ensure creates every step whose id is not yet recorded. Each id is
// persisted before the next step runs.
func (g Graph) Ensure(ctx context.Context, l Ledger) error {
	if err := g.Validate(); err != nil {
		return err
	}
	for _, s := range g.Steps {
		if id, ok := l.Resource(s.Kind); ok {
			g.Log.Debug().Str("resource", s.Kind).Str("id", id).Msg("Shared resource already exists")
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		id, err := s.Create(ctx, l)
		if err != nil {
			return APIError(g.Provider, "create", s.Kind, err)
		}
		if err := l.RecordResource(s.Kind, id); err != nil {
			return fmt.Errorf("record %s: %w", s.Kind, err)
		}
		g.Log.Info().Str("resource", s.Kind).Str("id", id).Msg("Created shared resource")
		l.Emit(Event{Kind: EventResourceCreated, Subject: s.Kind, Detail: id})
	}
	return nil
}

// Teardown deletes recorded resources in reverse order, retrying each step
// per rc. A step that exhausts its retries stops the walk and the result is
// false with a nil error; steps already deleted stay forgotten so a rerun
// resumes where this one stopped.
func (g Graph) Teardown(ctx context.Context, l Ledger, rc RetryConfig) (bool, error) {
	if err := g.Validate(); err != nil {
		return false, err
	}
	for i := len(g.Steps) - 1; i >= 0; i-- {
		s := g.Steps[i]
		id, ok := l.Resource(s.Kind)
		if !ok {
			continue
		}
		err := Retry(ctx, rc, func(ctx context.Context) error {
			return s.Delete(ctx, l, id)
		}, func(attempt int, err error) {
			g.Log.Warn().Err(err).Str("resource", s.Kind).Str("id", id).Int("attempt", attempt).Int("max_retries", rc.MaxRetries).Msg("Shared resource deletion failed, retrying")
			l.Emit(Event{Kind: EventRetry, Subject: s.Kind, Detail: err.Error()})
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			g.Log.Error().Err(err).Str("resource", s.Kind).Str("id", id).Msg("Giving up on shared resource, teardown incomplete")
			return false, nil
		}
		if err := l.ForgetResource(s.Kind); err != nil {
			return false, fmt.Errorf("forget %s: %w", s.Kind, err)
		}
		g.Log.Info().Str("resource", s.Kind).Str("id", id).Msg("Deleted shared resource")
		l.Emit(Event{Kind: EventResourceDeleted, Subject: s.Kind, Detail: id})
	}
	return true, nil
}
