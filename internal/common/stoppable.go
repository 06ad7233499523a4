package common

import (
	"context"
	"time"
)

// Stoppable is implemented by every service that supports graceful,
// context-bounded shutdown. The config manager and module processes
// satisfy it; the health server (Stop without a context) and the camera
// runtime (Close) do not.
type Stoppable interface {
	// Stop shuts the service down, honoring ctx for timeout and
	// cancellation. It returns an error if the service could not stop
	// before ctx expired.
	Stop(ctx context.Context) error
}

// StopWithTimeout stops a service under a fresh timeout context.
func StopWithTimeout(service Stoppable, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return service.Stop(ctx)
}
