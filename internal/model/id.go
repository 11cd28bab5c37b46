package model

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewFriendlyID generates a prefixed, lowercase identifier suitable for
// user-facing output, e.g. "worker_01j4k...".
func NewFriendlyID(prefix string) string {
	return prefix + "_" + strings.ToLower(ulid.Make().String())
}
