package store

import "errors"

var (
	ErrNotFound           = errors.New("record not found")
	ErrStorageUnavailable = errors.New("local storage unavailable")
	ErrUnknownCollection  = errors.New("unknown collection")
	ErrUnknownIndex       = errors.New("unknown index")
)
