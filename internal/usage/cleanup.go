package usage

import "time"

// CleanupInterval is how often expired entries are deleted.
const CleanupInterval = time.Hour

// RunCleanupLoop calls cleanupFn immediately and then every
// CleanupInterval until stop is closed.
func RunCleanupLoop(stop <-chan struct{}, cleanupFn func()) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	cleanupFn()
	for {
		select {
		case <-ticker.C:
			cleanupFn()
		case <-stop:
			return
		}
	}
}

func retentionCutoff(days int) time.Time {
	return time.Now().AddDate(0, 0, -days).UTC()
}
