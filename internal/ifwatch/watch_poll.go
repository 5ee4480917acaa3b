package ifwatch

import (
	"context"
	"time"
)

// pollInterval is the fallback rescan cadence for platforms without
// event-driven change notifications. Interface changes (WiFi switch,
// cable plug) are infrequent, so 30 seconds is adequate.
const pollInterval = 30 * time.Second

// pollChanges is the fallback change source: a periodic nudge that
// makes the watcher rescan.
func pollChanges(ctx context.Context, ch chan<- struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}
