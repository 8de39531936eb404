package consolidator

import (
	"context"
	"log"
	"time"
)

// RunClaimSweeper periodically releases claimed rows whose claim_expiry has
// passed back to pending, until ctx is canceled. Intended to run as one
// lifecycle.Group goroutine per consolidator process.
func (c *Consolidator) RunClaimSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.store.ReleaseExpiredClaims(ctx)
			if err != nil {
				log.Printf("consolidator: releasing expired claims: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("consolidator: released %d expired claims", n)
			}
		}
	}
}
