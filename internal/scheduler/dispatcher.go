// Package scheduler contains the engine and its trigger sources: cron,
// interval, file watch, hook router, and the dependency graph. The
// engine is the single dispatcher; sources hold only the narrow
// Dispatcher back-edge and never reference the engine directly.
package scheduler

import "context"

// Dispatcher is the back-edge from trigger sources into the execution
// pipeline. It returns the id of the created execution record.
//
// Background sources treat a dispatch error as log-and-drop; only
// foreground callers (manual runs, the API surface) propagate it.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID, origin string, triggerCtx map[string]interface{}) (string, error)
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, taskID, origin string, triggerCtx map[string]interface{}) (string, error)

// Dispatch implements Dispatcher.
func (f DispatchFunc) Dispatch(ctx context.Context, taskID, origin string, triggerCtx map[string]interface{}) (string, error) {
	return f(ctx, taskID, origin, triggerCtx)
}
