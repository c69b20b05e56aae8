package scpi

import "errors"

var (
	// Validation errors. These are produced before any command is
	// built, so an invalid request never reaches the instrument.
	ErrOutOfRange     = errors.New("value out of range")
	ErrLimitExceeded  = errors.New("voltage exceeds voltage limit")
	ErrInvalidChannel = errors.New("invalid channel")

	// ErrMalformedResponse reports an instrument reply that does not
	// match the expected grammar.
	ErrMalformedResponse = errors.New("malformed instrument response")
)
