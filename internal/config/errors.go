package config

import "errors"

// ErrInvalidInput marks malformed caller input: branch names, repository
// paths, or trust-policy list values. It always surfaces before any mutation
// or network operation.
var ErrInvalidInput = errors.New("invalid input")
