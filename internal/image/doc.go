// Package image writes and reads OCI image layout archives.
//
// [Write] assembles a runtime image without a container engine: it reads
// an optional base image from an OCI archive, appends a single layer that
// holds exactly the requested files, points the image command at the
// given placeholder, and writes the result as an OCI layout tar. The
// command must resolve to an executable in the finished image, searched
// through PATH and symlinks across all layers as a container runtime
// would. The archive is written to a temporary file and renamed into
// place, so a failed write leaves no image behind.
//
// [Read] loads an archive back and lists the files of each layer, which is
// how packaged images are inspected. [Image.LookPath] resolves a command
// inside a loaded image.
//
// Example usage:
//
//	desc, err := image.Write(ctx, image.Options{
//	    Base:     "base.tar",
//	    Files:    []image.File{{Source: "target/release/libfoo.so", Path: "/usr/local/lib/libfoo.so"}},
//	    Cmd:      []string{"tail", "-f", "/dev/null"},
//	    Output:   "dist/image.tar",
//	})
//	if err != nil {
//	    return err
//	}
//
//	img, err := image.Read("dist/image.tar", "")
//	if err != nil {
//	    return err
//	}
//	files, err := img.Files(len(img.Manifest.Layers) - 1)
package image
