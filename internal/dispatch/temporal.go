package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"

	"github.com/contributor-info/capture/internal/models"
)

// Config holds Temporal connection settings.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// TemporalDispatcher sends each event as a workflow start. The workflow
// type is the event name; the workflow id is the event's correlation id.
type TemporalDispatcher struct {
	temporal  client.Client
	taskQueue string
	logger    *slog.Logger

	// start is swapped in tests to avoid a live server.
	start func(ctx context.Context, opts client.StartWorkflowOptions, name string, event models.Event) (string, error)
}

// NewTemporal dials the Temporal frontend.
func NewTemporal(cfg Config, logger *slog.Logger) (*TemporalDispatcher, error) {
	if cfg.HostPort == "" || cfg.TaskQueue == "" {
		return nil, ErrMissingCredentials
	}
	if logger == nil {
		logger = slog.Default()
	}

	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("dial dispatcher: %w", err)
	}

	d := &TemporalDispatcher{temporal: c, taskQueue: cfg.TaskQueue, logger: logger}
	d.start = d.startWorkflow
	return d, nil
}

// Close releases the client connection.
func (d *TemporalDispatcher) Close() {
	if d.temporal != nil {
		d.temporal.Close()
	}
}

// Send validates the event at the boundary and starts the corresponding
// workflow. An already-started workflow id is treated as success: the event
// was delivered once and that is all at-least-once requires.
func (d *TemporalDispatcher) Send(ctx context.Context, event models.Event) (string, error) {
	if err := event.Validate(); err != nil {
		return "", &DispatchError{EventName: event.Name(), Err: err}
	}

	opts := client.StartWorkflowOptions{
		ID:        event.CorrelationID(),
		TaskQueue: d.taskQueue,
	}

	id, err := d.start(ctx, opts, event.Name(), event)
	if err != nil {
		if temporal.IsWorkflowExecutionAlreadyStartedError(err) {
			d.logger.Debug("event already dispatched", "event", event.Name(), "id", event.CorrelationID())
			return event.CorrelationID(), nil
		}
		return "", &DispatchError{EventName: event.Name(), Err: err}
	}

	d.logger.Info("event dispatched", "event", event.Name(), "id", id)
	return id, nil
}

func (d *TemporalDispatcher) startWorkflow(ctx context.Context, opts client.StartWorkflowOptions, name string, event models.Event) (string, error) {
	run, err := d.temporal.ExecuteWorkflow(ctx, opts, name, event)
	if err != nil {
		return "", err
	}
	return run.GetID(), nil
}
