package policy

import "errors"

var errEmptyCommand = errors.New("empty command")
