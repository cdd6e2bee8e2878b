package idle

import (
	"context"
	"log/slog"
	"time"
)

// Blocks until ctx is done. Termination is the expected way out, so the
// context's error is not returned.
func Wait(ctx context.Context) error {
	start := time.Now()
	slog.Debug("idling until terminated")

	<-ctx.Done()

	slog.Debug("idle terminated", "uptime", time.Since(start), "cause", context.Cause(ctx))
	return nil
}
