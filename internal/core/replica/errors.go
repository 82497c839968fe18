package replica

import "errors"

var (
	ErrRecordNotFound     = errors.New("replica record not found")
	ErrNoConflict         = errors.New("record has no conflict to resolve")
	ErrAlreadyResolved    = errors.New("conflict already resolved with a different strategy")
	ErrInvalidStrategy    = errors.New("invalid resolution strategy")
	ErrMergedDataRequired = errors.New("resolution strategy requires merged data")
)
