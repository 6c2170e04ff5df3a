package proto

import "errors"

var (
	errEmptyPipeline   = errors.New("mode=argv requires a non-empty pipeline")
	errEmptyRawCommand = errors.New("mode=shell requires a non-empty raw_command")
	errUnknownMode     = errors.New("unknown mode")
)
