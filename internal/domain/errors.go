package domain

import "errors"

var (
	ErrMissingSender    = errors.New("inbound message missing sender id")
	ErrMissingMessageID = errors.New("inbound message missing message id")
)
