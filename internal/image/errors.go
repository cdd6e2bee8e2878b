package image

import "errors"

var (
	ErrImage           = errors.New("image error")
	ErrInvalidArchive  = errors.New("invalid image archive")
	ErrBlobNotFound    = errors.New("blob not found in archive")
	ErrNoMatchingImage = errors.New("no image matches the platform")
	ErrMissingFile     = errors.New("missing file")
	ErrCommandNotFound = errors.New("command not found in image")
)
