package transfer

import "errors"

var (
	ErrMalformedMessage = errors.New("transfer: malformed message")
	ErrShapeMismatch    = errors.New("transfer: block layout mismatch")
	ErrBlockOutOfRange  = errors.New("transfer: block index out of range")
	ErrPayloadTooLarge  = errors.New("transfer: payload exceeds configured maximum")
	ErrKeyMismatch      = errors.New("transfer: message routed to wrong transfer")
	ErrNoMesh           = errors.New("transfer: mesh is required")
	ErrDuplicateKey     = errors.New("transfer: transaction key already registered")
)
