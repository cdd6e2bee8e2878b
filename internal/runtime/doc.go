// Package runtime runs build and packaging containers on containerd.
//
// A [Runtime] connects to a containerd daemon and imports OCI archives:
// the toolchain image used by the dependency and source stages, and the
// base image the packaging stage starts from. Archives are tagged with a
// deterministic hash of their path, unpacked for the target platform, and
// used to create containers with fresh snapshots.
//
// Each [Container] wraps a long-running task (sleep infinity) so that
// commands can be attached to it as exec processes. Files move in and out
// of containers as tar streams. The packaging container's filesystem
// changes are committed as a single new layer and exported as an OCI
// archive whose command is the runtime placeholder. Containers must be
// destroyed when no longer needed to release their snapshot and task.
//
// Example usage:
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "libpack")
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	ctr, err := rt.StartContainer(ctx, "rust.tar", "visioncortex-deps", "linux/amd64")
//	if err != nil {
//	    return err
//	}
//	defer ctr.Destroy(ctx)
//
//	result, err := ctr.Exec(ctx, "/bin/sh", "cargo build --release", nil, "/app")
//	if err != nil {
//	    return err
//	}
package runtime
