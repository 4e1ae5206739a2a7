// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
)

// Clock reads the wall clock in UTC, truncated to the microsecond precision
// Postgres timestamps keep so stored and in-memory values compare equal.
type Clock struct{}

var _ catalog.Clock = Clock{}

// New returns a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
