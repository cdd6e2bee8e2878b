// Package idle implements the runtime placeholder process.
//
// The packaged image exists to carry its two artifacts; its process does
// no work. [Wait] blocks until the context is cancelled, which the CLI
// wires to SIGINT and SIGTERM, the same way "tail -f /dev/null" keeps a
// container alive until it is stopped.
//
// Example usage:
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	idle.Wait(ctx)
package idle
