package domain

import "errors"

var (
	ErrNotInitialized   = errors.New("session client not initialized")
	ErrNotConnected     = errors.New("session client not connected")
	ErrReadinessTimeout = errors.New("session client readiness timed out")
	ErrDeliveryFailed   = errors.New("delivery failed")
	ErrValidation       = errors.New("invalid request")
)
