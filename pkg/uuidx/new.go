package uuidx

import "github.com/google/uuid"

// New generates a new UUID using the version 7 format and returns it.
// It panics if the UUID generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString generates a new UUID using the version 7 format and returns it as a string.
func NewString() string {
	return New().String()
}

// NewContextID mints a context identity for a local member.
//
// Version 7 UUIDs start with a millisecond timestamp, so their canonical string
// form sorts by creation time. With lowest-identity-wins elections the oldest
// live member therefore tends to win.
func NewContextID() string {
	return NewString()
}
