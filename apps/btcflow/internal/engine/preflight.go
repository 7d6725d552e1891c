package engine

import (
	"context"
	"time"

	"custody/apps/btcflow/internal/events"
	"custody/apps/btcflow/internal/fsm"
	"custody/apps/btcflow/internal/model"
)

type Notifier interface {
	Notify(ctx context.Context, preflight events.Preflight) error
}

// PreflightHook announces each committed transition ahead of the event log.
type PreflightHook[E model.Entity] struct {
	Kind     string
	Notifier Notifier
}

func (h PreflightHook[E]) Name() string { return "preflight" }

func (h PreflightHook[E]) Run(ctx context.Context, from *model.State, entity E, t fsm.Transition[E]) error {
	preflight := events.Preflight{
		Kind:        h.Kind,
		EntityToken: entity.Header().Token.String(),
		Transition:  t.Name,
		ToState:     string(t.To),
		Timestamp:   time.Now().UTC(),
	}
	if from != nil {
		preflight.FromState = string(*from)
	}
	return h.Notifier.Notify(ctx, preflight)
}
