package cli

import (
	"context"

	"github.com/cruciblehq/libpack/internal/idle"
)

// Represents the 'libpack idle' command.
type IdleCmd struct{}

// Executes the idle command. Blocks until SIGINT or SIGTERM.
func (c *IdleCmd) Run(ctx context.Context) error {
	return idle.Wait(ctx)
}
