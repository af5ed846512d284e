// Package tux3err defines the error taxonomy shared by every engine
// package, so callers can test error categories with errors.Is regardless
// of which component produced the error.
package tux3err

import "errors"

var (
	// IoError is returned on a block device read/write failure.
	IoError = errors.New("io error")
	// OutOfSpace is returned when no free block run of the requested
	// size exists, or a tree/leaf insert cannot find room anywhere.
	OutOfSpace = errors.New("out of space")
	// NoMemory is returned when a buffer pool or cursor allocation fails.
	NoMemory = errors.New("no memory")
	// NotFound is returned for a lookup of an absent key.
	NotFound = errors.New("not found")
	// Exists is returned when a creation collides with an existing name.
	Exists = errors.New("already exists")
	// InvalidArgument is returned for requests that violate a documented
	// precondition, e.g. freeing blocks that are not all currently set.
	InvalidArgument = errors.New("invalid argument")
	// Corrupt is returned when on-disk data fails a structural check:
	// wrong magic, unknown log tag, or a violated internal invariant.
	Corrupt = errors.New("corrupt")
)
