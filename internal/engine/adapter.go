package engine

import (
	"context"

	"github.com/loomhq/loom/pkg/schema"
)

// Adapter is the uniform execution backend for one provider. Execute never
// returns a Go error: every failure is expressed as a NodeResult with
// Success=false and a populated Error, retries already exhausted.
type Adapter interface {
	Provider() string
	Operations() []string
	SupportsOperation(operation string) bool
	Execute(ctx context.Context, operation string, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) *schema.NodeResult
}

// AdapterRegistry resolves providers to adapters for the resolver.
type AdapterRegistry interface {
	Get(provider string) (Adapter, bool)
	Providers() []string
}
