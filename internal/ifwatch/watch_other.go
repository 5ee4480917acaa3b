//go:build !linux

package ifwatch

import "context"

// watchChanges falls back to polling on platforms without native
// event-driven interface monitoring.
func watchChanges(ctx context.Context, ch chan<- struct{}) {
	pollChanges(ctx, ch)
}
