package recipe

import "errors"

var (
	ErrInvalidRecipe = errors.New("invalid recipe")
	ErrReadRecipe    = errors.New("failed to read recipe")
)
