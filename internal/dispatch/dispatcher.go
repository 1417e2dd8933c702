// Package dispatch sends capture events to the durable execution service.
// Delivery is at-least-once; the correlation id doubles as the workflow id
// so redelivered sends deduplicate on the dispatcher side.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/contributor-info/capture/internal/models"
)

// ErrMissingCredentials indicates the dispatcher endpoint or credentials
// are absent. Surfaced before any event leaves the process.
var ErrMissingCredentials = errors.New("dispatcher credentials missing")

// Dispatcher accepts a named, validated event and returns the dispatcher's
// id for the accepted work.
type Dispatcher interface {
	Send(ctx context.Context, event models.Event) (eventID string, err error)
}

// DispatchError wraps a failed send with the event name for logging. The
// enqueuer counts these as skipped; the next drain iteration self-heals.
type DispatchError struct {
	EventName string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.EventName, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
