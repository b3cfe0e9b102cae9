package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// ValidID reports whether s has the shape of an identifier produced by NewID.
// Read paths use this to reject malformed ids before touching storage.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
