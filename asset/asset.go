package asset

import "strings"

// ID identifies a fungible asset handled by the protocol. The value is opaque
// to the core; the router assigns it when a pool pair is created.
type ID string

// Normalize trims surrounding whitespace from an asset identifier.
func Normalize(id ID) ID {
	return ID(strings.TrimSpace(string(id)))
}

// Valid reports whether the identifier is non-empty after normalisation.
func Valid(id ID) bool {
	return Normalize(id) != ""
}
