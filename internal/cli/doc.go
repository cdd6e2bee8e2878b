// Parses flags and dispatches the libpack commands.
//
// Global flags:
//
//	-q, --quiet               Suppress informational output.
//	-v, --verbose             Enable verbose output.
//	-d, --debug               Enable debug output.
//	-f, --file                Recipe file (default libpack.yaml).
//	    --cache-dir           Dependency cache directory.
//	    --backend             Execution backend: host or containerd.
//	    --containerd-address  Containerd socket address.
//	    --namespace           Containerd namespace.
//	    --metrics-file        Prometheus textfile written after each build.
//
// Commands:
//
//	build        Run the pipeline once and write the runtime image.
//	watch        Rebuild whenever the manifest or source tree changes.
//	idle         Block until terminated; the runtime placeholder.
//	inspect      List the files the runtime image adds.
//	cache ls     List dependency cache layers.
//	cache prune  Remove layers unused for a given duration.
//	version      Show version information.
//
// Flags override build-time defaults set via linker flags. After parsing, the
// global logger is reconfigured to reflect the final level and verbosity
// before the command runs.
package cli
