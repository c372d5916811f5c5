// Package channel holds the outbound messaging provider adapters.
package channel

import "fmt"

// UpstreamError reports a non-2xx response from a messaging provider.
// Handlers translate it to 502.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream status %d: %s", e.Provider, e.Status, e.Body)
}
