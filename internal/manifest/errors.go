package manifest

import "errors"

var (
	ErrInvalidManifest = errors.New("invalid manifest")
	ErrReadManifest    = errors.New("failed to read manifest")
)
