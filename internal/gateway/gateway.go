// Package gateway defines the interface shared by the entry points that
// accept scripts from users: the HTTP API and the interactive console.
package gateway

import "context"

// Gateway accepts scripts from users and reports their results.
type Gateway interface {
	// Start serves until the gateway exits or ctx is cancelled.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop shuts the gateway down. ctx carries the grace period for
	// in-flight executions.
	Stop(ctx context.Context) error
}
