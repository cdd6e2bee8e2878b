package cache

import "errors"

var (
	ErrCache     = errors.New("cache error")
	ErrCacheMiss = errors.New("cache miss")
)
