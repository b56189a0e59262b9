package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrNotTerminal is returned by Finish when the given status is not terminal.
	ErrNotTerminal = errors.New("storage: status is not terminal")
)

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}
