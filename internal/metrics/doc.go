// Package metrics records pipeline metrics with Prometheus.
//
// [Recorder] observes stage durations and results, dependency cache hits
// and misses, and build outcomes. The CLI has no long-running server, so
// metrics are exported by writing the registry in the node exporter
// textfile format after each run, where a node exporter's textfile
// collector picks them up.
//
// Example usage:
//
//	rec := metrics.NewRecorder(nil)
//	result, err := build.Run(ctx, build.Options{..., Recorder: rec})
//	if err := rec.WriteTextfile("/var/lib/node_exporter/libpack.prom"); err != nil {
//	    return err
//	}
package metrics
