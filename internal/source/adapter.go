// Package source adapts external watchers to one uniform interface.
// Poll-based and push-based sources are interchangeable: both run
// under the supervisor and hand raw events to the deduplicator.
package source

import (
	"context"
	"fmt"
	"time"

	"steward/internal/domain"
)

// NewEvent builds an immutable raw event.
func NewEvent(sourceID, logicalKey, payload string, detectedAt time.Time) domain.Event {
	return domain.Event{
		SourceID:   sourceID,
		LogicalKey: logicalKey,
		Payload:    payload,
		DetectedAt: detectedAt,
	}
}

// Hooks is what a running adapter gets from its supervisor: a sink for
// raw events and a liveness signal. Every emit implies a heartbeat;
// adapters call Heartbeat directly when idle so a quiet source is not
// mistaken for a dead one.
type Hooks struct {
	Emit      func(ctx context.Context, event domain.Event) error
	Heartbeat func()
}

// Adapter is one watcher over an external source. Run blocks until ctx
// is done or the watcher fails; a non-nil error counts as a crash
// against the restart budget.
type Adapter interface {
	ID() string
	Run(ctx context.Context, hooks Hooks) error
}

// New builds an adapter from a watcher spec.
func New(spec Spec) (Adapter, error) {
	switch spec.Type {
	case TypePoll:
		return NewPollAdapter(spec), nil
	case TypeFileDrop:
		return NewFileDropAdapter(spec), nil
	default:
		return nil, fmt.Errorf("unknown watcher type: %s", spec.Type)
	}
}
