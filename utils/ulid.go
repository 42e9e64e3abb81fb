package utils

import (
	"github.com/oklog/ulid/v2"
)

// NewID returns a time ordered identifier for jobs and journal objects.
func NewID() string {
	return ulid.Make().String()
}
