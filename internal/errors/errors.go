package errors

import "errors"

// Credential errors.
var (
	ErrNoCredentials = errors.New("no usable auth token available")
	ErrTokenExpired  = errors.New("auth token expired")
)

// Transport errors.
var (
	ErrNotConnected = errors.New("chat transport not connected")
	ErrTransport    = errors.New("chat transport failure")
)

// REST collaborator errors.
var (
	ErrUpstream = errors.New("chat API request failed")
)
