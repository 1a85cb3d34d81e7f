package provider

import (
	"context"
	"errors"
)

// ErrNoProviderConfigured is returned by Unavailable, the zero-value
// Chat backend wired in when no vendor SDK has been configured.
var ErrNoProviderConfigured = errors.New("provider: no chat backend configured")

// Unavailable is a Chat implementation that always fails, used as the
// startup default so coda-core runs with the Subagent Manager enabled
// before an operator wires in a real backend. It lets admission control,
// rate limiting, and archival be exercised end-to-end without a vendor
// dependency on the critical path.
type Unavailable struct{}

// Complete always returns ErrNoProviderConfigured.
func (Unavailable) Complete(ctx context.Context, req Request) (Response, error) {
	return Response{}, ErrNoProviderConfigured
}
