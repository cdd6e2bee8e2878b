package build

import "errors"

var (
	ErrBuild               = errors.New("build failed")
	ErrDependencyStage     = errors.New("dependency stage failed")
	ErrSourceStage         = errors.New("source stage failed")
	ErrPackagingStage      = errors.New("packaging stage failed")
	ErrCommandFailed       = errors.New("command failed")
	ErrMissingArtifact     = errors.New("missing artifact")
	ErrFileSystemOperation = errors.New("file system operation failed")
	ErrCopy                = errors.New("copy failed")
	ErrMissingBase         = errors.New("runtime base image required")
)
