package watch

import "errors"

var ErrWatch = errors.New("watch failed")
