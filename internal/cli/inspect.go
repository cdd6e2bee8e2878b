package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cruciblehq/libpack/internal/image"
	"github.com/cruciblehq/libpack/internal/recipe"
	"github.com/cruciblehq/libpack/internal/runtime"
)

// Represents the 'libpack inspect' command.
type InspectCmd struct {
	Image    string `arg:"" optional:"" help:"Image archive. Defaults to the recipe's output." type:"path"`
	Platform string `help:"Platform to inspect, e.g. linux/amd64." placeholder:"OS/ARCH"`
}

// Executes the inspect command.
//
// Prints the image command, the executable it resolves to, and the files
// of the topmost layer, which is the layer libpack adds on top of the base
// image.
func (c *InspectCmd) Run(ctx context.Context) error {
	archive := c.Image
	if archive == "" {
		r, err := recipe.LoadOrDefault(RootCmd.File)
		if err != nil {
			return err
		}
		archive = filepath.Join(r.Path(r.Output), runtime.ExportFilename)
	}

	img, err := image.Read(archive, c.Platform)
	if err != nil {
		return err
	}
	if len(img.Manifest.Layers) == 0 {
		return fmt.Errorf("%w: %s has no layers", image.ErrInvalidArchive, archive)
	}

	files, err := img.Files(len(img.Manifest.Layers) - 1)
	if err != nil {
		return err
	}

	fmt.Printf("image:    %s\n", img.Descriptor.Digest)
	fmt.Printf("platform: %s/%s\n", img.Config.OS, img.Config.Architecture)
	fmt.Printf("command:  %s\n", strings.Join(img.Config.Config.Cmd, " "))
	if cmd := img.Config.Config.Cmd; len(cmd) > 0 {
		resolved, err := img.LookPath(cmd[0])
		if errors.Is(err, image.ErrCommandNotFound) {
			resolved = "not found"
		} else if err != nil {
			return err
		}
		fmt.Printf("resolves: %s\n", resolved)
	}
	for _, f := range files {
		fmt.Println(f)
	}
	return nil
}
